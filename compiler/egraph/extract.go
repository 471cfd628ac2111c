package egraph

import (
	"context"
	"math"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/set"
)

type (
	// CostFn estimates the cost of one e-node, operand costs excluded.
	CostFn func(n *Node) int64

	extractor struct {
		g   *EGraph
		src *ir.Func
		out *ir.Func

		cost     []int64  // canonical class -> resolved cost
		bestPure []NodeID // canonical class -> cheapest pure node, -1 none

		dom   []set.Bitmap
		avail map[Class][]defsite // values known to hold the class
	}

	defsite struct {
		blk ir.Block
		val ir.Value
	}

	cand struct {
		class Class
		node  NodeID
		cost  int64
	}
)

const costInf = math.MaxInt64 / 4

// DefaultCost weighs nodes by rough latency plus operand count,
// the latter standing in for register pressure.
func DefaultCost(n *Node) int64 {
	var c int64

	switch n.Op {
	case ir.Iconst, ir.F32const, ir.F64const, ir.StackAddr, ir.FuncAddr:
		c = 1
	case ir.Imul, ir.Fmul:
		c = 4
	case ir.Sdiv, ir.Udiv, ir.Srem, ir.Urem, ir.Fdiv:
		c = 20
	default:
		c = 2
	}

	return c + int64(len(n.Args))
}

// Extract rebuilds the cheapest function the e-graph represents.
//
// The side-effecting skeleton is emitted in original program order. Pure
// values are rematerialized at their uses from the cheapest node of their
// class, reusing an already emitted definition when one dominates the use.
func Extract(ctx context.Context, g *EGraph, cost CostFn) (_ *ir.Func, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "extract", "func", g.Func.Name)
	defer tr.Finish("err", &err)

	if cost == nil {
		cost = DefaultCost
	}

	g.Rebuild()

	e := &extractor{
		g:     g,
		src:   g.Func,
		dom:   g.Func.Dominators(),
		avail: map[Class][]defsite{},
	}

	e.resolve(cost)

	f, err := e.rebuild()
	if err != nil {
		return nil, err
	}

	tr.V("egraph").Printw("extracted", "instrs", len(f.Instrs), "was", len(e.src.Instrs))

	return f, nil
}

// resolve computes per-class costs and picks the cheapest pure node of
// each class, cheapest first so argument costs are final when a node is
// costed. Anchored classes start at cost zero. Cost ties prefer the
// higher node id, the later rewrite.
func (e *extractor) resolve(cost CostFn) {
	g := e.g

	e.cost = make([]int64, g.NumClasses())
	e.bestPure = make([]NodeID, g.NumClasses())

	for i := range e.cost {
		e.cost[i] = costInf
		e.bestPure[i] = -1
	}

	users := map[Class][]NodeID{}
	pending := make([]int, len(g.Nodes))

	h := heap.Heap[cand]{Less: candLess}

	push := func(id NodeID) {
		n := &g.Nodes[id]
		c := cost(n)

		for _, a := range n.Args {
			c += e.cost[g.Find(a)]
		}

		h.Push(cand{class: g.nodeClass(id), node: id, cost: c})
	}

	for id := range g.Nodes {
		n := &g.Nodes[id]

		if n.Pos >= 0 || g.Subsumed(NodeID(id)) {
			continue
		}

		pending[id] = len(n.Args)

		for _, a := range n.Args {
			users[g.Find(a)] = append(users[g.Find(a)], NodeID(id))
		}

		if pending[id] == 0 {
			pending[id] = -1
			push(NodeID(id))
		}
	}

	settle := func(c Class) {
		for _, id := range users[c] {
			if pending[id] <= 0 {
				continue
			}

			pending[id]--

			if pending[id] == 0 {
				pending[id] = -1
				push(id)
			}
		}
	}

	for c := Class(0); c < Class(g.NumClasses()); c++ {
		if g.Find(c) == c && g.Anchor(c) != ir.None {
			e.cost[c] = 0
			settle(c)
		}
	}

	for h.Len() != 0 {
		x := h.Pop()
		c := g.Find(x.class)

		if e.bestPure[c] < 0 {
			e.bestPure[c] = x.node
		}

		if e.cost[c] == costInf {
			e.cost[c] = x.cost
			settle(c)
		}
	}
}

func candLess(d []cand, i, j int) bool {
	if d[i].cost != d[j].cost {
		return d[i].cost < d[j].cost
	}

	return d[i].node > d[j].node
}

// rebuild walks the skeleton and emits the new function.
func (e *extractor) rebuild() (*ir.Func, error) {
	src := e.src

	f := ir.NewFunc(src.Name, src.Sig)
	f.Slots = append([]ir.StackSlot{}, src.Slots...)
	f.Ext = append([]ir.ExtRef{}, src.Ext...)

	e.out = f

	for b := range src.Blocks {
		f.NewBlock()

		for _, p := range src.Blocks[b].Params {
			v := f.AddParam(ir.Block(b), src.TypeOf(p))
			e.define(e.g.ValueClass(p), ir.Block(b), v)
		}
	}

	for b := range src.Blocks {
		for _, i := range src.Blocks[b].Code {
			ins := &src.Instrs[i]

			if ins.Op.Pure() && !ins.Op.Terminator() {
				continue
			}

			err := e.emit(ir.Block(b), ins)
			if err != nil {
				return nil, errors.Wrap(err, "block%d: %v", b, ins.Op)
			}
		}
	}

	return f, nil
}

func (e *extractor) emit(b ir.Block, ins *ir.Instr) error {
	cp := ir.Instr{
		Op:   ins.Op,
		Imm:  ins.Imm,
		Cond: ins.Cond,
		Typ:  ins.Typ,
		Sym:  ins.Sym,
	}

	for _, a := range ins.Args {
		v, err := e.materialize(b, e.g.ValueClass(a))
		if err != nil {
			return err
		}

		cp.Args = append(cp.Args, v)
	}

	for _, tg := range ins.Targets {
		ntg := ir.Target{Blk: tg.Blk}

		for _, a := range tg.Args {
			v, err := e.materialize(b, e.g.ValueClass(a))
			if err != nil {
				return err
			}

			ntg.Args = append(ntg.Args, v)
		}

		cp.Targets = append(cp.Targets, ntg)
	}

	ret := e.out.Append(b, cp)

	if ins.Ret != ir.None && ret != ir.None {
		e.define(e.g.ValueClass(ins.Ret), b, ret)
	}

	if ins.Ret2 != ir.None {
		i := int32(len(e.out.Instrs) - 1)
		v2 := e.out.AddRet2(i, e.src.TypeOf(ins.Ret2))
		e.define(e.g.ValueClass(ins.Ret2), b, v2)
	}

	return nil
}

// materialize returns a value of the class usable in block b, emitting
// the cheapest pure node of the class when no dominating definition exists.
func (e *extractor) materialize(b ir.Block, c Class) (ir.Value, error) {
	c = e.g.Find(c)

	for _, d := range e.avail[c] {
		if ir.Dominates(e.dom, d.blk, b) {
			return d.val, nil
		}
	}

	id := e.bestPure[c]
	if id < 0 {
		return ir.None, errors.New("class %d has no materializable node in block%d", c, b)
	}

	n := &e.g.Nodes[id]

	ins := ir.Instr{
		Op:   n.Op,
		Imm:  n.Imm,
		Cond: n.Cond,
		Typ:  n.Typ,
		Sym:  n.Sym,
		Args: make([]ir.Value, len(n.Args)),
	}

	for i, a := range n.Args {
		v, err := e.materialize(b, a)
		if err != nil {
			return ir.None, err
		}

		ins.Args[i] = v
	}

	v := e.out.Append(b, ins)
	e.define(c, b, v)

	return v, nil
}

func (e *extractor) define(c Class, b ir.Block, v ir.Value) {
	c = e.g.Find(c)
	e.avail[c] = append(e.avail[c], defsite{blk: b, val: v})
}
