package vm

import (
	"tlog.app/go/errors"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/isel"
)

func (t *Target) Patterns() *isel.Table { return t.tbl }

func (t *Target) LowerEntry(cx *isel.Ctx) error {
	ni, nf := 0, 0

	for _, p := range cx.IR.Blocks[0].Params {
		if cx.IR.TypeOf(p).Float() {
			if nf == floatArgRegs {
				return errors.New("more than %d float arguments", floatArgRegs)
			}

			cx.Emit(t.Move(cx.Reg(p), asm.Fixed(asm.RealReg(nf), asm.RegFloat)))
			nf++

			continue
		}

		if ni == intArgRegs {
			return errors.New("more than %d integer arguments", intArgRegs)
		}

		cx.Emit(t.Move(cx.Reg(p), asm.Fixed(asm.RealReg(ni), asm.RegInt)))
		ni++
	}

	return nil
}

// The bytecode mirrors the IR closely, so almost every pattern is a
// single straight translation with no operand fusion.
func buildTable() *isel.Table {
	tbl := isel.NewTable()

	bin := func(irop ir.Op, vop int32) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0), isel.Any(1)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				cx.Emit(asm.Ins{
					Op:   vop,
					Defs: []asm.Reg{cx.Reg(ins.Ret)},
					Uses: []asm.Reg{cx.Reg(m.Val[0]), cx.Reg(m.Val[1])},
				})

				return nil
			},
		})
	}

	bin(ir.Iadd, VAdd)
	bin(ir.Isub, VSub)
	bin(ir.Imul, VMul)
	bin(ir.Sdiv, VSdiv)
	bin(ir.Udiv, VUdiv)
	bin(ir.Srem, VSrem)
	bin(ir.Urem, VUrem)
	bin(ir.Band, VAnd)
	bin(ir.Bor, VOr)
	bin(ir.Bxor, VXor)
	bin(ir.Ishl, VShl)
	bin(ir.Ushr, VLshr)
	bin(ir.Sshr, VAshr)
	bin(ir.Fadd, VFAdd)
	bin(ir.Fsub, VFSub)
	bin(ir.Fmul, VFMul)
	bin(ir.Fdiv, VFDiv)

	un := func(irop ir.Op, vop int32) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				cx.Emit(asm.Ins{
					Op:   vop,
					Defs: []asm.Reg{cx.Reg(ins.Ret)},
					Uses: []asm.Reg{cx.Reg(m.Val[0])},
				})

				return nil
			},
		})
	}

	un(ir.Bnot, VNot)
	un(ir.Fneg, VFNeg)

	ext := func(irop ir.Op, vop int32, srcBits bool) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				bits := int64(ins.Typ.Bits())
				if srcBits {
					bits = int64(cx.IR.TypeOf(m.Val[0]).Bits())
				}

				cx.Emit(asm.Ins{
					Op: vop, Imm: bits,
					Defs: []asm.Reg{cx.Reg(ins.Ret)},
					Uses: []asm.Reg{cx.Reg(m.Val[0])},
				})

				return nil
			},
		})
	}

	ext(ir.Uextend, VUext, true)
	ext(ir.Sextend, VSext, true)
	ext(ir.Ireduce, VTrunc, false)

	cmp := func(irop ir.Op, vop int32) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop, isel.Any(0), isel.Any(1)),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				cx.Emit(asm.Ins{
					Op: vop, Cond: ins.Cond,
					Defs: []asm.Reg{cx.Reg(ins.Ret)},
					Uses: []asm.Reg{cx.Reg(m.Val[0]), cx.Reg(m.Val[1])},
				})

				return nil
			},
		})
	}

	cmp(ir.Icmp, VCmp)
	cmp(ir.Fcmp, VFCmp)

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Select, isel.Any(0), isel.Any(1), isel.Any(2)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{
				Op:   VSelect,
				Defs: []asm.Reg{cx.Reg(ins.Ret)},
				Uses: []asm.Reg{cx.Reg(m.Val[0]), cx.Reg(m.Val[1]), cx.Reg(m.Val[2])},
			})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Iconst),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: VMovImm, Imm: ins.Imm, Defs: []asm.Reg{cx.Reg(ins.Ret)}})

			return nil
		},
	})

	fconst := func(irop ir.Op) {
		tbl.Add(isel.Pattern{
			Root: isel.Op(irop),
			Emit: func(cx *isel.Ctx, m *isel.Matched) error {
				ins := &cx.IR.Instrs[m.Root]

				tmp := cx.Tmp(asm.RegInt)

				cx.Emit(asm.Ins{Op: VMovImm, Imm: ins.Imm, Defs: []asm.Reg{tmp}})
				cx.Emit(asm.Ins{Op: VFBits, Defs: []asm.Reg{cx.Reg(ins.Ret)}, Uses: []asm.Reg{tmp}})

				return nil
			},
		})
	}

	fconst(ir.F32const)
	fconst(ir.F64const)

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Load, isel.Any(0)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{
				Op: VLoad, Imm: ins.Imm, Size: int8(ins.Typ.Bits()),
				Defs: []asm.Reg{cx.Reg(ins.Ret)},
				Uses: []asm.Reg{cx.Reg(m.Val[0])},
			})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Store, isel.Any(0), isel.Any(1)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{
				Op: VStore, Imm: ins.Imm, Size: int8(cx.IR.TypeOf(m.Val[0]).Bits()),
				Uses: []asm.Reg{cx.Reg(m.Val[0]), cx.Reg(m.Val[1])},
			})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.StackAddr),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: VSlotAddr, Slot: int32(ins.Imm), Defs: []asm.Reg{cx.Reg(ins.Ret)}})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.FuncAddr),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: VAddr, Sym: ins.Sym, Defs: []asm.Reg{cx.Reg(ins.Ret)}})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Call),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			return lowerCall(cx, m, VCall)
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.TailCall),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			return lowerCall(cx, m, VTailCall)
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Jump),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: VJmp, Blk: int32(ins.Targets[0].Blk), Blk2: -1})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Brif, isel.Any(0)),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			ins := &cx.IR.Instrs[m.Root]

			cx.Emit(asm.Ins{Op: VBrnz, Blk: int32(ins.Targets[0].Blk), Blk2: -1, Uses: []asm.Reg{cx.Reg(m.Val[0])}})
			cx.Emit(asm.Ins{Op: VJmp, Blk: int32(ins.Targets[1].Blk), Blk2: -1})

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
					cx.Emit(asm.Ins{Op: VMov, Defs: []asm.Reg{asm.Fixed(asm.RealReg(nf), asm.RegFloat)}, Uses: []asm.Reg{r}})
					nf++
				} else {
					cx.Emit(asm.Ins{Op: VMov, Defs: []asm.Reg{asm.Fixed(asm.RealReg(ni), asm.RegInt)}, Uses: []asm.Reg{r}})
					ni++
				}
			}

			cx.Emit(asm.Ins{Op: VRet})

			return nil
		},
	})

	tbl.Add(isel.Pattern{
		Root: isel.Op(ir.Trap),
		Emit: func(cx *isel.Ctx, m *isel.Matched) error {
			cx.Emit(asm.Ins{Op: VTrap, Imm: cx.IR.Instrs[m.Root].Imm})

			return nil
		},
	})

	return tbl
}

func lowerCall(cx *isel.Ctx, m *isel.Matched, vop int32) error {
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

			dst = asm.Fixed(asm.RealReg(nf), asm.RegFloat)
			nf++
		} else {
			if ni == intArgRegs {
				return errors.New("more than %d integer call arguments", intArgRegs)
			}

			dst = asm.Fixed(asm.RealReg(ni), asm.RegInt)
			ni++
		}

		cx.Emit(asm.Ins{Op: VMov, Defs: []asm.Reg{dst}, Uses: []asm.Reg{r}})
		fixedUses = append(fixedUses, dst)
	}

	call := asm.Ins{Op: vop, Sym: ins.Sym, Uses: fixedUses}

	if vop == VTailCall {
		cx.Emit(call)

		return nil
	}

	call.Call = true
	call.Clobbers = clobInt
	call.ClobbersF = clobFloat

	ni, nf = 0, 0

	var rets []asm.Reg

	for _, rv := range []ir.Value{ins.Ret, ins.Ret2} {
		if rv == ir.None {
			continue
		}

		var src asm.Reg

		if cx.IR.TypeOf(rv).Float() {
			src = asm.Fixed(asm.RealReg(nf), asm.RegFloat)
			nf++
		} else {
			src = asm.Fixed(asm.RealReg(ni), asm.RegInt)
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

		cx.Emit(asm.Ins{Op: VMov, Defs: []asm.Reg{cx.Reg(rv)}, Uses: []asm.Reg{rets[i]}})
		i++
	}

	return nil
}
