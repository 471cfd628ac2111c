package format

import (
	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
)

// Func appends the textual form of the function, the same syntax
// the parse package accepts.
func Func(b []byte, f *ir.Func) ([]byte, error) {
	b = hfmt.Appendf(b, "function %%%s(", f.Name)

	for i, t := range f.Sig.In {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = append(b, t.String()...)
	}

	b = append(b, ')')

	if len(f.Sig.Out) != 0 {
		b = append(b, " -> "...)

		for i, t := range f.Sig.Out {
			if i != 0 {
				b = append(b, ", "...)
			}

			b = append(b, t.String()...)
		}
	}

	b = append(b, " {\n"...)

	for i, s := range f.Slots {
		b = hfmt.Appendf(b, "\tss%d = slot %d, align %d\n", i, s.Size, s.Align)
	}

	for bi := range f.Blocks {
		var err error

		b, err = block(b, f, ir.Block(bi))
		if err != nil {
			return nil, errors.Wrap(err, "block%d", bi)
		}
	}

	b = append(b, "}\n"...)

	return b, nil
}

func block(b []byte, f *ir.Func, blk ir.Block) (_ []byte, err error) {
	bb := &f.Blocks[blk]

	b = hfmt.Appendf(b, "block%d", blk)

	if len(bb.Params) != 0 {
		b = append(b, '(')

		for i, p := range bb.Params {
			if i != 0 {
				b = append(b, ", "...)
			}

			b = hfmt.Appendf(b, "v%d: %s", p, f.TypeOf(p))
		}

		b = append(b, ')')
	}

	b = append(b, ":\n"...)

	for _, i := range bb.Code {
		b, err = instr(b, f, &f.Instrs[i])
		if err != nil {
			return nil, errors.Wrap(err, "instr %d", i)
		}
	}

	return b, nil
}

func instr(b []byte, f *ir.Func, ins *ir.Instr) ([]byte, error) {
	b = append(b, '\t')

	if ins.Ret != ir.None {
		b = hfmt.Appendf(b, "v%d", ins.Ret)

		if ins.Ret2 != ir.None {
			b = hfmt.Appendf(b, ", v%d", ins.Ret2)
		}

		b = append(b, " = "...)
	}

	b = append(b, ins.Op.String()...)

	switch ins.Op {
	case ir.Iconst, ir.F32const, ir.F64const, ir.Uextend, ir.Sextend, ir.Ireduce, ir.Load:
		b = append(b, '.')
		b = append(b, ins.Typ.String()...)
	}

	switch ins.Op {
	case ir.Iconst:
		b = hfmt.Appendf(b, " %d", ins.Imm)
	case ir.F32const, ir.F64const:
		b = hfmt.Appendf(b, " 0x%x", uint64(ins.Imm))
	case ir.Icmp, ir.Fcmp:
		b = hfmt.Appendf(b, " %s", ins.Cond)
	case ir.StackAddr:
		b = hfmt.Appendf(b, " ss%d", ins.Imm)
	case ir.FuncAddr:
		b = hfmt.Appendf(b, " %%%s", f.Ext[ins.Sym].Name)
	case ir.Call, ir.TailCall:
		b = hfmt.Appendf(b, " %%%s(", f.Ext[ins.Sym].Name)

		for i, a := range ins.Args {
			if i != 0 {
				b = append(b, ", "...)
			}

			b = hfmt.Appendf(b, "v%d", a)
		}

		b = append(b, ')')
	}

	switch ins.Op {
	case ir.Iconst, ir.F32const, ir.F64const, ir.StackAddr, ir.FuncAddr, ir.Call, ir.TailCall, ir.Trap:
	default:
		for i, a := range ins.Args {
			if i != 0 || ins.Op == ir.Icmp || ins.Op == ir.Fcmp {
				b = append(b, ',')
			}

			b = hfmt.Appendf(b, " v%d", a)
		}
	}

	switch ins.Op {
	case ir.Load, ir.Store:
		b = hfmt.Appendf(b, ", %d", ins.Imm)
	}

	for i, tg := range ins.Targets {
		if i != 0 || len(ins.Args) != 0 {
			b = append(b, ',')
		}

		b = hfmt.Appendf(b, " block%d", tg.Blk)

		if len(tg.Args) != 0 {
			b = append(b, '(')

			for j, a := range tg.Args {
				if j != 0 {
					b = append(b, ", "...)
				}

				b = hfmt.Appendf(b, "v%d", a)
			}

			b = append(b, ')')
		}
	}

	b = append(b, '\n')

	return b, nil
}
