// Package isel lowers the portable IR into target machine code.
//
// Targets are declarative: a table of patterns per root opcode, tried in
// order, first match wins. A pattern may cover an operand subtree, fusing
// the operand's defining instruction into one machine instruction. Fusing
// is legal only for pure single-use definitions from the same block, and
// for loads additionally only when no store or call intervenes.
package isel

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/set"
)

type (
	// Shape is one node of a lowering pattern.
	Shape struct {
		Op   ir.Op
		Cond ir.Cond // "" matches any

		Any    bool // leaf, matches any value
		Var    int8 // value binding slot, -1 none
		ImmVar int8 // immediate binding slot, -1 none

		ImmOK func(imm int64) bool // nil accepts any

		Args []Shape
	}

	Pattern struct {
		Root Shape
		Emit func(cx *Ctx, m *Matched) error
	}

	// Matched carries the bindings of a successful match into Emit.
	// Fused lists the claimed operand instructions in match order.
	Matched struct {
		Root int32 // instruction index

		Val [4]ir.Value
		Imm [4]int64

		Fused []int32
	}

	// Table is an ordered pattern table indexed by root opcode.
	Table struct {
		byOp map[ir.Op][]*Pattern
	}

	// Target is a machine backend for the lowering driver.
	Target interface {
		Patterns() *Table

		// LowerEntry moves incoming arguments from their ABI
		// locations into the entry block parameter registers.
		LowerEntry(cx *Ctx) error

		// Move copies between registers of the same class.
		Move(dst, src asm.Reg) asm.Ins

		// Jump is an unconditional branch to the block.
		Jump(blk int32) asm.Ins
	}

	// Ctx is the per-function lowering state visible to pattern Emit
	// functions.
	Ctx struct {
		IR  *ir.Func
		Out *asm.Func

		refs []int
		vreg map[ir.Value]asm.Reg
		skip set.Bitmap
		wpre []int32 // stores and calls in the same block before the instruction

		blk ir.Block

		group []asm.Ins
		rev   []asm.Ins
	}

	// UnsupportedError reports an IR construct the target has no
	// lowering for. It is not recoverable.
	UnsupportedError struct {
		Func string
		Blk  ir.Block
		Pos  int // instruction position within the block
		Op   ir.Op
	}
)

func (e UnsupportedError) Error() string {
	return string(hfmt.Appendf(nil, "unsupported op %v at %v block%d pos %d", e.Op, e.Func, e.Blk, e.Pos))
}

func NewTable() *Table {
	return &Table{byOp: map[ir.Op][]*Pattern{}}
}

func (t *Table) Add(p Pattern) {
	t.byOp[p.Root.Op] = append(t.byOp[p.Root.Op], &p)
}

// shape building helpers, exported for target tables

func Any(bind int8) Shape { return Shape{Any: true, Var: bind, ImmVar: -1} }

func Op(o ir.Op, args ...Shape) Shape {
	return Shape{Op: o, Var: -1, ImmVar: -1, Args: args}
}

func Imm(o ir.Op, bind int8, ok func(int64) bool, args ...Shape) Shape {
	return Shape{Op: o, Var: -1, ImmVar: bind, ImmOK: ok, Args: args}
}

// Lower translates the function for the target.
func Lower(ctx context.Context, tgt Target, f *ir.Func) (_ *asm.Func, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "isel", "func", f.Name)
	defer tr.Finish("err", &err)

	cx := &Ctx{
		IR: f,
		Out: &asm.Func{
			Name:  f.Name,
			Slots: f.Slots,
			Ext:   f.Ext,
		},

		refs: f.RefCounts(),
		vreg: map[ir.Value]asm.Reg{},
		skip: set.MakeBitmap(len(f.Instrs)),
		wpre: writePrefix(f),
	}

	tbl := tgt.Patterns()

	for b := range f.Blocks {
		t := f.Terminator(ir.Block(b))
		if t == nil {
			continue
		}

		for _, e := range t.Targets {
			if e.Blk == 0 {
				return nil, errors.New("entry block must have no predecessors: block%d branches to it", b)
			}
		}
	}

	for range f.Blocks {
		cx.Out.NewBlock()
	}

	for b := range f.Blocks {
		for _, s := range f.Succs(ir.Block(b)) {
			cx.Out.Edge(int32(b), int32(s))
		}
	}

	for b := range f.Blocks {
		cx.blk = ir.Block(b)
		cx.rev = cx.rev[:0]

		code := f.Blocks[b].Code

		for i := len(code) - 1; i >= 0; i-- {
			idx := code[i]

			if cx.skip.IsSet(int(idx)) {
				continue
			}

			ins := &f.Instrs[idx]

			if ins.Op == ir.Nop {
				continue
			}

			err = cx.lowerOne(tbl, idx, i)
			if err != nil {
				return nil, err
			}

			if ins.Op.Terminator() {
				err = cx.branchMoves(tgt, ins)
				if err != nil {
					return nil, err
				}
			}
		}

		if b == 0 {
			err = func() error {
				defer cx.flush()
				return tgt.LowerEntry(cx)
			}()
			if err != nil {
				return nil, err
			}
		}

		out := cx.Out.Blocks[b].Ins

		for i := len(cx.rev) - 1; i >= 0; i-- {
			out = append(out, cx.rev[i])
		}

		cx.Out.Blocks[b].Ins = out
	}

	tr.V("isel").Printw("lowered", "blocks", len(cx.Out.Blocks), "ins", cx.Out.NumIns(), "vregs", cx.Out.NumV)

	return cx.Out, nil
}

func (cx *Ctx) lowerOne(tbl *Table, idx int32, pos int) error {
	ins := &cx.IR.Instrs[idx]

	for _, p := range tbl.byOp[ins.Op] {
		m := Matched{Root: idx}

		if !cx.match(&p.Root, idx, &m) {
			continue
		}

		for _, c := range m.Fused {
			cx.skip.Set(int(c))
		}

		err := p.Emit(cx, &m)

		cx.flush()

		return err
	}

	return UnsupportedError{
		Func: cx.IR.Name,
		Blk:  cx.blk,
		Pos:  pos,
		Op:   ins.Op,
	}
}

// match matches the shape against the instruction at idx.
func (cx *Ctx) match(s *Shape, idx int32, m *Matched) bool {
	ins := &cx.IR.Instrs[idx]

	if ins.Op != s.Op {
		return false
	}

	if s.Cond != "" && ins.Cond != s.Cond {
		return false
	}

	if s.ImmOK != nil && !s.ImmOK(ins.Imm) {
		return false
	}

	if s.ImmVar >= 0 {
		m.Imm[s.ImmVar] = ins.Imm
	}

	if len(s.Args) > len(ins.Args) {
		return false
	}

	for i := range s.Args {
		if !cx.matchVal(&s.Args[i], ins.Args[i], m) {
			return false
		}
	}

	return true
}

// matchVal matches a sub-shape against the definition of v, claiming the
// defining instruction for fusion on success.
func (cx *Ctx) matchVal(s *Shape, v ir.Value, m *Matched) bool {
	if s.Any {
		if s.Var >= 0 {
			m.Val[s.Var] = v
		}

		return true
	}

	d := cx.IR.Vals[v].Instr
	if d < 0 {
		return false
	}

	def := &cx.IR.Instrs[d]

	if def.Ret != v || cx.refs[v] != 1 || cx.IR.Vals[v].Blk != cx.blk {
		return false
	}

	if !def.Op.Pure() {
		// only a load may sink, and only past pure code
		if def.Op != ir.Load || cx.wpre[m.Root] != cx.wpre[d] {
			return false
		}
	}

	if !cx.match(s, d, m) {
		return false
	}

	m.Fused = append(m.Fused, d)

	return true
}

// branchMoves fills target block parameters. Sources are read into
// temporaries first so a parameter of one edge can feed another.
//
// For a single-target terminator the moves go inline before the branch.
// A conditional edge carrying arguments gets a split block instead: the
// old value of a target parameter may still be live on the other edge,
// so the writes must happen only when the edge is taken.
func (cx *Ctx) branchMoves(tgt Target, ins *ir.Instr) error {
	if len(ins.Targets) < 2 {
		var movs []asm.Ins

		for _, tg := range ins.Targets {
			params := cx.IR.Blocks[tg.Blk].Params

			for j, a := range tg.Args {
				src := cx.Reg(a)
				dst := cx.Reg(params[j])

				if src == dst {
					continue
				}

				tmp := cx.Tmp(src.Class)

				cx.group = append(cx.group, tgt.Move(tmp, src))
				movs = append(movs, tgt.Move(dst, tmp))
			}
		}

		cx.group = append(cx.group, movs...)
		cx.flush()

		return nil
	}

	for ti, tg := range ins.Targets {
		if len(tg.Args) == 0 {
			continue
		}

		// earlier edges to the same block either were retargeted
		// already or must keep the original target
		occ := 0

		for _, pr := range ins.Targets[:ti] {
			if pr.Blk == tg.Blk && len(pr.Args) == 0 {
				occ++
			}
		}

		sb := cx.splitEdge(int32(cx.blk), int32(tg.Blk))
		params := cx.IR.Blocks[tg.Blk].Params

		var movs []asm.Ins

		for j, a := range tg.Args {
			src := cx.Reg(a)
			dst := cx.Reg(params[j])

			if src == dst {
				continue
			}

			tmp := cx.Tmp(src.Class)

			cx.Out.Append(sb, tgt.Move(tmp, src))
			movs = append(movs, tgt.Move(dst, tmp))
		}

		for _, m := range movs {
			cx.Out.Append(sb, m)
		}

		cx.Out.Append(sb, tgt.Jump(int32(tg.Blk)))

		cx.retarget(int32(tg.Blk), sb, occ)
	}

	return nil
}

// splitEdge inserts a new block on the from -> to edge.
func (cx *Ctx) splitEdge(from, to int32) int32 {
	sb := cx.Out.NewBlock()

	for i, s := range cx.Out.Blocks[from].Succs {
		if s == to {
			cx.Out.Blocks[from].Succs[i] = sb
			break
		}
	}

	for i, p := range cx.Out.Blocks[to].Preds {
		if p == from {
			cx.Out.Blocks[to].Preds[i] = sb
			break
		}
	}

	cx.Out.Blocks[sb].Succs = append(cx.Out.Blocks[sb].Succs, to)
	cx.Out.Blocks[sb].Preds = append(cx.Out.Blocks[sb].Preds, from)

	return sb
}

// retarget redirects one branch edge of the just lowered terminator,
// which is the only content of cx.rev at this point. cx.rev holds the
// group reversed, so it is walked from the end to see the branches in
// execution order, which is the target order of the terminator. skip
// counts earlier edges to the same block that keep the original target.
func (cx *Ctx) retarget(old, sb int32, skip int) {
	for i := len(cx.rev) - 1; i >= 0; i-- {
		ins := &cx.rev[i]

		if ins.Blk == old {
			if skip == 0 {
				ins.Blk = sb
				return
			}

			skip--
		}

		if ins.Blk2 == old {
			if skip == 0 {
				ins.Blk2 = sb
				return
			}

			skip--
		}
	}
}

// Reg returns the virtual register holding the value.
func (cx *Ctx) Reg(v ir.Value) asm.Reg {
	if r, ok := cx.vreg[v]; ok {
		return r
	}

	r := cx.Out.NewVirt(Class(cx.IR.TypeOf(v)))
	cx.vreg[v] = r

	return r
}

// Tmp allocates a scratch virtual register.
func (cx *Ctx) Tmp(c asm.RegClass) asm.Reg {
	return cx.Out.NewVirt(c)
}

// Emit appends one machine instruction. Instructions of one pattern are
// emitted in execution order.
func (cx *Ctx) Emit(ins asm.Ins) {
	cx.group = append(cx.group, ins)
}

func (cx *Ctx) flush() {
	for i := len(cx.group) - 1; i >= 0; i-- {
		cx.rev = append(cx.rev, cx.group[i])
	}

	cx.group = cx.group[:0]
}

// Class maps a value type to its register class.
func Class(t ir.Type) asm.RegClass {
	if t.Float() {
		return asm.RegFloat
	}

	return asm.RegInt
}

// writePrefix counts stores and calls preceding each instruction within
// its block.
func writePrefix(f *ir.Func) []int32 {
	r := make([]int32, len(f.Instrs))

	for b := range f.Blocks {
		var n int32

		for _, i := range f.Blocks[b].Code {
			r[i] = n

			switch f.Instrs[i].Op {
			case ir.Store, ir.Call:
				n++
			}
		}
	}

	return r
}
