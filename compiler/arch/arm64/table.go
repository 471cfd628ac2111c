package arm64

import (
	"tlog.app/go/errors"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/isel"
)

func (t *Target) Patterns() *isel.Table { return t.tbl }

// LowerEntry moves incoming arguments into the entry block parameters.
func (t *Target) LowerEntry(cx *isel.Ctx) error {
	ni, nf := 0, 0

	for _, p := range cx.IR.Blocks[0].Params {
		if cx.IR.TypeOf(p).Float() {
			if nf == floatArgRegs {
				return errors.New("more than %d float arguments", floatArgRegs)
			}

			cx.Emit(t.Move(cx.Reg(p), asm.Fixed(D0+asm.RealReg(nf), asm.RegFloat)))
			nf++

			continue
		}

		if ni == intArgRegs {
			return errors.New("more than %d integer arguments", intArgRegs)
		}

		cx.Emit(t.Move(cx.Reg(p), asm.Fixed(X0+asm.RealReg(ni), asm.RegInt)))
		ni++
	}

	return nil
}

func width(t ir.Type) int8 {
	if t.Bits() <= 32 {
		return 32
	}

	return 64
}

func addImmOK(x int64) bool { return x > -1<<12 && x < 1<<12 }
func shiftImmOK(x int64) bool { return x >= 0 && x < 64 }

func (t *Target) buildTable() *isel.Table {
	tbl := isel.NewTable()

	// rd = rn OP imm

	addImm := func(irop ir.Op, root isel.Shape) {
		tbl.Add(isel.Pattern{Root: root, Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			op, imm := OAddImm, m.Imm[0]
			if irop == ir.Isub {
				imm = -imm
			}
			if imm < 0 {
				op, imm = OSubImm, -imm
			}

			cx.Emit(asm.Ins{
				Op: op, Imm: imm, Size: width(ins.Typ),
				Defs: []asm.Reg{cx.Reg(ins.Ret)},
				Uses: []asm.Reg{cx.Reg(m.Val[0])},
			})

			return nil
		}})
	}

	addImm(ir.Iadd, isel.Op(ir.Iadd, isel.Any(0), isel.Imm(ir.Iconst, 0, addImmOK)))
	addImm(ir.Iadd, isel.Op(ir.Iadd, isel.Imm(ir.Iconst, 0, addImmOK), isel.Any(0)))
	addImm(ir.Isub, isel.Op(ir.Isub, isel.Any(0), isel.Imm(ir.Iconst, 0, addImmOK)))

	// rd = rn SHIFT #imm

	shiftImm := func(irop ir.Op, mop int32) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0), isel.Imm(ir.Iconst, 0, shiftImmOK)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				cx.Emit(asm.Ins{
					Op: mop, Imm: m.Imm[0] & int64(ins.Typ.Bits()-1), Size: width(ins.Typ),
					Defs: []asm.Reg{cx.Reg(ins.Ret)},
					Uses: []asm.Reg{cx.Reg(m.Val[0])},
				})

				return nil
			},
		})
	}

	shiftImm(ir.Ishl, OLslImm)
	shiftImm(ir.Ushr, OLsrImm)
	shiftImm(ir.Sshr, OAsrImm)

	// rd = rn OP rm

	bin := func(irop ir.Op, mop int32) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0), isel.Any(1)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				cx.Emit(asm.Ins{
					Op: mop, Size: width(ins.Typ),
					Defs: []asm.Reg{cx.Reg(ins.Ret)},
					Uses: []asm.Reg{cx.Reg(m.Val[0]), cx.Reg(m.Val[1])},
				})

				return nil
			},
		})
	}

	bin(ir.Iadd, OAdd)
	bin(ir.Isub, OSub)
	bin(ir.Imul, OMul)
	bin(ir.Sdiv, OSDiv)
	bin(ir.Udiv, OUDiv)
	bin(ir.Band, OAnd)
	bin(ir.Bor, OOrr)
	bin(ir.Bxor, OEor)
	bin(ir.Ishl, OLsl)
	bin(ir.Ushr, OLsr)
	bin(ir.Sshr, OAsr)

	// float arithmetic, with optional NaN canonicalization

	fbin := func(irop ir.Op, mop int32) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0), isel.Any(1)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]
				rd := cx.Reg(ins.Ret)

				cx.Emit(asm.Ins{
					Op: mop, Size: width(ins.Typ),
					Defs: []asm.Reg{rd},
					Uses: []asm.Reg{cx.Reg(m.Val[0]), cx.Reg(m.Val[1])},
				})

				if t.NaNCanon {
					cx.Emit(asm.Ins{Op: OFCanon, Size: width(ins.Typ), Defs: []asm.Reg{rd}, Uses: []asm.Reg{rd}})
				}

				return nil
			},
		})
	}

	fbin(ir.Fadd, OFAdd)
	fbin(ir.Fsub, OFSub)
	fbin(ir.Fmul, OFMul)
	fbin(ir.Fdiv, OFDiv)

	// remainder has no instruction: divide and multiply-subtract

	rem := func(irop ir.Op, div int32) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0), isel.Any(1)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]
				w := width(ins.Typ)

				q := cx.Tmp(asm.RegInt)
				a, b := cx.Reg(m.Val[0]), cx.Reg(m.Val[1])

				cx.Emit(asm.Ins{Op: div, Size: w, Defs: []asm.Reg{q}, Uses: []asm.Reg{a, b}})
				cx.Emit(asm.Ins{Op: OMSub, Size: w, Defs: []asm.Reg{cx.Reg(ins.Ret)}, Uses: []asm.Reg{q, b, a}})

				return nil
			},
		})
	}

	rem(ir.Srem, OSDiv)
	rem(ir.Urem, OUDiv)

	un := func(irop ir.Op, mop int32) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				cx.Emit(asm.Ins{
					Op: mop, Size: width(ins.Typ),
					Defs: []asm.Reg{cx.Reg(ins.Ret)},
					Uses: []asm.Reg{cx.Reg(m.Val[0])},
				})

				return nil
			},
		})
	}

	un(ir.Bnot, OMvn)
	un(ir.Fneg, OFNeg)

	// constants

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Iconst),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: OMovImm, Imm: ins.Imm, Defs: []asm.Reg{cx.Reg(ins.Ret)}})

			return nil
		},
	})

	fconst := func(irop ir.Op) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				tmp := cx.Tmp(asm.RegInt)

				cx.Emit(asm.Ins{Op: OMovImm, Imm: ins.Imm, Defs: []asm.Reg{tmp}})
				cx.Emit(asm.Ins{Op: OFMovFromInt, Size: width(ins.Typ), Defs: []asm.Reg{cx.Reg(ins.Ret)}, Uses: []asm.Reg{tmp}})

				return nil
			},
		})
	}

	fconst(ir.F32const)
	fconst(ir.F64const)

	// extensions

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Uextend, isel.Any(0)),
		Emit: extend(OUxt),
	})
	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Sextend, isel.Any(0)),
		Emit: extend(OSxt),
	})
	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Ireduce, isel.Any(0)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{
				Op: OUxt, Imm: int64(ins.Typ.Bits()), Size: 64,
				Defs: []asm.Reg{cx.Reg(ins.Ret)},
				Uses: []asm.Reg{cx.Reg(m.Val[0])},
			})

			return nil
		},
	})

	// compares and selects

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Icmp, isel.Any(0), isel.Any(1)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(cmp(cx, m.Val[0], m.Val[1]))
			cx.Emit(asm.Ins{Op: OCSet, Cond: ins.Cond, Defs: []asm.Reg{cx.Reg(ins.Ret)}})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Fcmp, isel.Any(0), isel.Any(1)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{
				Op: OFCmp, Size: width(cx.IR.TypeOf(m.Val[0])),
				Uses: []asm.Reg{cx.Reg(m.Val[0]), cx.Reg(m.Val[1])},
			})
			cx.Emit(asm.Ins{Op: OCSet, Cond: fcond(ins.Cond), Defs: []asm.Reg{cx.Reg(ins.Ret)}})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Select, isel.Op(ir.Icmp, isel.Any(0), isel.Any(1)), isel.Any(2), isel.Any(3)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]
			cond := cx.IR.Instrs[m.Fused[0]].Cond

			cx.Emit(cmp(cx, m.Val[0], m.Val[1]))
			cx.Emit(asm.Ins{
				Op: OCSel, Cond: cond, Size: width(ins.Typ),
				Defs: []asm.Reg{cx.Reg(ins.Ret)},
				Uses: []asm.Reg{cx.Reg(m.Val[2]), cx.Reg(m.Val[3])},
			})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Select, isel.Any(0), isel.Any(1), isel.Any(2)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(cmpZero(cx, m.Val[0]))
			cx.Emit(asm.Ins{
				Op: OCSel, Cond: "ne", Size: width(ins.Typ),
				Defs: []asm.Reg{cx.Reg(ins.Ret)},
				Uses: []asm.Reg{cx.Reg(m.Val[1]), cx.Reg(m.Val[2])},
			})

			return nil
		},
	})

	// memory

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Load, isel.Any(0)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			op, scale := loadOp(ins.Typ)

			base, off := memArg(cx, m.Val[0], ins.Imm, scale)

			cx.Emit(asm.Ins{Op: op, Imm: off, Defs: []asm.Reg{cx.Reg(ins.Ret)}, Uses: []asm.Reg{base}})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Store, isel.Any(0), isel.Any(1)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			op, scale := storeOp(cx.IR.TypeOf(m.Val[0]))

			base, off := memArg(cx, m.Val[1], ins.Imm, scale)

			cx.Emit(asm.Ins{Op: op, Imm: off, Uses: []asm.Reg{cx.Reg(m.Val[0]), base}})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.StackAddr),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: OSlotAddr, Slot: int32(ins.Imm), Defs: []asm.Reg{cx.Reg(ins.Ret)}})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.FuncAddr),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: OAdr, Sym: ins.Sym, Defs: []asm.Reg{cx.Reg(ins.Ret)}})

			return nil
		},
	})

	// calls

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Call),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			return lowerCall(cx, m, false)
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.TailCall),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			return lowerCall(cx, m, true)
		},
	})

	// control flow

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Jump),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: OB, Blk: int32(ins.Targets[0].Blk), Blk2: -1})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Brif, isel.Op(ir.Icmp, isel.Any(0), isel.Any(1))),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]
			cond := cx.IR.Instrs[m.Fused[0]].Cond

			cx.Emit(cmp(cx, m.Val[0], m.Val[1]))
			cx.Emit(asm.Ins{Op: OBCond, Cond: cond, Blk: int32(ins.Targets[0].Blk), Blk2: -1})
			cx.Emit(asm.Ins{Op: OB, Blk: int32(ins.Targets[1].Blk), Blk2: -1})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Brif, isel.Any(0)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(cmpZero(cx, m.Val[0]))
			cx.Emit(asm.Ins{Op: OBCond, Cond: "ne", Blk: int32(ins.Targets[0].Blk), Blk2: -1})
			cx.Emit(asm.Ins{Op: OB, Blk: int32(ins.Targets[1].Blk), Blk2: -1})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Return),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			ni, nf := 0, 0

			for _, a := range ins.Args {
				r := cx.Reg(a)

				if r.Class == asm.RegFloat {
					cx.Emit(asm.Ins{Op: OMov, Defs: []asm.Reg{asm.Fixed(D0+asm.RealReg(nf), asm.RegFloat)}, Uses: []asm.Reg{r}})
					nf++
				} else {
					cx.Emit(asm.Ins{Op: OMov, Defs: []asm.Reg{asm.Fixed(X0+asm.RealReg(ni), asm.RegInt)}, Uses: []asm.Reg{r}})
					ni++
				}
			}

			cx.Emit(asm.Ins{Op: ORet, Blk: -1, Blk2: -1})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Trap),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			cx.Emit(asm.Ins{Op: OBrk, Imm: cx.IR.Instrs[m.Root].Imm})

			return nil
		},
	})

	return tbl
}

func extend(mop int32) func(cx *isel.Ctx, m *isel.Matched) error {
	return func(cx *isel.Ctx, m *isel.Matched) error {
		ins := &cx.IR.Instrs[m.Root]

		cx.Emit(asm.Ins{
			Op: mop, Imm: int64(cx.IR.TypeOf(m.Val[0]).Bits()), Size: width(ins.Typ),
			Defs: []asm.Reg{cx.Reg(ins.Ret)},
			Uses: []asm.Reg{cx.Reg(m.Val[0])},
		})

		return nil
	}
}

func cmp(cx *isel.Ctx, a, b ir.Value) asm.Ins {
	return asm.Ins{
		Op: OCmp, Size: width(cx.IR.TypeOf(a)),
		Uses: []asm.Reg{cx.Reg(a), cx.Reg(b)},
	}
}

func cmpZero(cx *isel.Ctx, v ir.Value) asm.Ins {
	return asm.Ins{
		Op: OCmp, Size: width(cx.IR.TypeOf(v)),
		Uses: []asm.Reg{cx.Reg(v), asm.Fixed(XZR, asm.RegInt)},
	}
}

// memArg resolves a memory operand to base plus encodable offset.
func memArg(cx *isel.Ctx, base ir.Value, off int64, scale int64) (asm.Reg, int64) {
	r := cx.Reg(base)

	if off >= 0 && off%scale == 0 && off/scale < 1<<12 {
		return r, off
	}

	tmp := cx.Tmp(asm.RegInt)
	sum := cx.Tmp(asm.RegInt)

	cx.Emit(asm.Ins{Op: OMovImm, Imm: off, Defs: []asm.Reg{tmp}})
	cx.Emit(asm.Ins{Op: OAdd, Size: 64, Defs: []asm.Reg{sum}, Uses: []asm.Reg{r, tmp}})

	return sum, 0
}

func loadOp(t ir.Type) (int32, int64) {
	switch t {
	case ir.I8, ir.I1:
		return OLdrB, 1
	case ir.I16:
		return OLdrH, 2
	case ir.I32:
		return OLdrW, 4
	case ir.F32:
		return OLdrS, 4
	case ir.F64:
		return OLdrD, 8
	}

	return OLdrX, 8
}

func storeOp(t ir.Type) (int32, int64) {
	switch t {
	case ir.I8, ir.I1:
		return OStrB, 1
	case ir.I16:
		return OStrH, 2
	case ir.I32:
		return OStrW, 4
	case ir.F32:
		return OStrS, 4
	case ir.F64:
		return OStrD, 8
	}

	return OStrX, 8
}

// lowerCall places arguments, emits the call and collects results.
func lowerCall(cx *isel.Ctx, m *isel.Matched, tail bool) error {
	ins := &cx.IR.Instrs[m.Root]

	ni, nf := 0, 0

	var fixedUses []asm.Reg

	for _, a := range ins.Args {
		r := cx.Reg(a)

		var dst asm.Reg

		if r.Class == asm.RegFloat {
			if nf == floatArgRegs {
				return errors.New("more than %d float call arguments", floatArgRegs)
			}

			dst = asm.Fixed(D0+asm.RealReg(nf), asm.RegFloat)
			nf++
		} else {
			if ni == intArgRegs {
				return errors.New("more than %d integer call arguments", intArgRegs)
			}

			dst = asm.Fixed(X0+asm.RealReg(ni), asm.RegInt)
			ni++
		}

		cx.Emit(asm.Ins{Op: OMov, Defs: []asm.Reg{dst}, Uses: []asm.Reg{r}})
		fixedUses = append(fixedUses, dst)
	}

	if tail {
		cx.Emit(asm.Ins{Op: OTailCall, Sym: ins.Sym, Uses: fixedUses})

		return nil
	}

	call := asm.Ins{
		Op: OBl, Sym: ins.Sym,
		Uses: fixedUses,
		Call: true, Clobbers: clobInt, ClobbersF: clobFloat,
	}

	ni, nf = 0, 0

	var rets []asm.Reg

	for _, rv := range []ir.Value{ins.Ret, ins.Ret2} {
		if rv == ir.None {
			continue
		}

		var src asm.Reg

		if cx.IR.TypeOf(rv).Float() {
			src = asm.Fixed(D0+asm.RealReg(nf), asm.RegFloat)
			nf++
		} else {
			src = asm.Fixed(X0+asm.RealReg(ni), asm.RegInt)
			ni++
		}

		call.Defs = append(call.Defs, src)
		rets = append(rets, src)
	}

	cx.Emit(call)

	i := 0

	for _, rv := range []ir.Value{ins.Ret, ins.Ret2} {
		if rv == ir.None {
			continue
		}

		cx.Emit(asm.Ins{Op: OMov, Defs: []asm.Reg{cx.Reg(rv)}, Uses: []asm.Reg{rets[i]}})
		i++
	}

	return nil
}

// fcond maps float compare conditions onto flag conditions after fcmp.
func fcond(c ir.Cond) ir.Cond {
	switch c {
	case "lt":
		return "fmi"
	case "le":
		return "fls"
	case "gt":
		return "sgt"
	case "ge":
		return "sge"
	}

	return c
}
