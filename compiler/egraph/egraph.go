// Package egraph implements the equality-saturation optimizer.
//
// A function is exploded into an e-graph: an arena of e-classes
// (equivalence classes of interchangeable sub-programs) indexed by integer
// id with a union-find over them, so merges never rewrite pointers.
// Directional rewrite rules grow classes until saturation or a budget,
// then extraction rebuilds the cheapest equivalent function.
//
// Side-effecting instructions (loads, stores, calls, traps) and block
// terminators are not rewritten: they form a skeleton that keeps its
// program order, and only their result values participate in equivalence.
package egraph

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/set"
)

type (
	// Class is an e-class id.
	Class int32

	// NodeID indexes EGraph.Nodes.
	NodeID int32

	// Node is an e-node: an opcode applied to e-classes.
	Node struct {
		Op   ir.Op
		Cond ir.Cond
		Typ  ir.Type
		Imm  int64
		Sym  ir.Sym
		Args []Class

		// Pos is the original instruction index for side-effecting nodes.
		// Such nodes are never hash-consed together. -1 for pure nodes.
		Pos int32
	}

	EGraph struct {
		Func *ir.Func

		Nodes []Node

		parent  []Class
		classes []classData

		memo      map[uint64][]NodeID
		nodeOwner []Class // class a node was inserted into (canonicalize before use)

		subsumed set.Bitmap

		valClass []Class // ir.Value -> class

		unions int // counts merges to detect progress
	}

	classData struct {
		nodes []NodeID

		// anchor is a pre-existing value (block parameter or side-effecting
		// result) known to hold this class, ir.None if there is none.
		anchor ir.Value
	}
)

// Build explodes the function into an e-graph.
//
// The instruction graph may effectively be cyclic through merges: a value
// can end up in the same class as an instruction that uses it. Traversal
// is by value id, never by chasing node children, so that is harmless.
func Build(ctx context.Context, f *ir.Func) *EGraph {
	tr := tlog.SpanFromContext(ctx)

	g := &EGraph{
		Func:     f,
		memo:     map[uint64][]NodeID{},
		valClass: make([]Class, len(f.Vals)),
	}

	for i := range g.valClass {
		g.valClass[i] = -1
	}

	for b := range f.Blocks {
		for _, p := range f.Blocks[b].Params {
			g.valClass[p] = g.newClass(p)
		}
	}

	for b := range f.Blocks {
		for _, i := range f.Blocks[b].Code {
			ins := &f.Instrs[i]

			if ins.Op.Terminator() {
				continue
			}

			if !ins.Op.Pure() {
				if ins.Ret != ir.None {
					g.valClass[ins.Ret] = g.newClass(ins.Ret)
				}
				if ins.Ret2 != ir.None {
					g.valClass[ins.Ret2] = g.newClass(ins.Ret2)
				}

				continue
			}

			if ins.Ret == ir.None {
				continue
			}

			n := Node{
				Op:   ins.Op,
				Cond: ins.Cond,
				Typ:  ins.Typ,
				Imm:  ins.Imm,
				Sym:  ins.Sym,
				Pos:  -1,
				Args: make([]Class, len(ins.Args)),
			}

			for j, a := range ins.Args {
				c := g.valClass[a]
				if c < 0 {
					panic("use before def")
				}

				n.Args[j] = g.Find(c)
			}

			g.valClass[ins.Ret] = g.Add(n)
		}
	}

	tr.V("egraph").Printw("egraph built", "classes", len(g.classes), "nodes", len(g.Nodes))

	return g
}

// ValueClass returns the canonical class currently holding the value.
func (g *EGraph) ValueClass(v ir.Value) Class {
	return g.Find(g.valClass[v])
}

// Find canonicalizes a class id.
func (g *EGraph) Find(c Class) Class {
	for g.parent[c] != c {
		g.parent[c] = g.parent[g.parent[c]] // path halving
		c = g.parent[c]
	}

	return c
}

// Add hash-conses the node, returning the existing class when a congruent
// node is already present, allocating a new class otherwise.
func (g *EGraph) Add(n Node) Class {
	for i := range n.Args {
		n.Args[i] = g.Find(n.Args[i])
	}

	if n.Pos < 0 {
		if id, ok := g.lookup(&n); ok {
			return g.Find(g.nodeClass(id))
		}
	}

	c := g.newClass(ir.None)
	g.insertNode(c, n)

	return c
}

// AddToClass inserts the node into the class, merging classes when an
// equal node already exists elsewhere. Reports whether the graph changed.
func (g *EGraph) AddToClass(c Class, n Node) bool {
	c = g.Find(c)

	for i := range n.Args {
		n.Args[i] = g.Find(n.Args[i])
	}

	if id, ok := g.lookup(&n); ok {
		return g.Union(c, g.nodeClass(id))
	}

	g.insertNode(c, n)

	return true
}

// Union merges two classes. Reports whether they were distinct.
func (g *EGraph) Union(a, b Class) bool {
	a, b = g.Find(a), g.Find(b)
	if a == b {
		return false
	}

	if b < a {
		a, b = b, a
	}

	// smaller id becomes the root: merge order independent
	g.parent[b] = a

	ad, bd := &g.classes[a], &g.classes[b]

	ad.nodes = append(ad.nodes, bd.nodes...)
	bd.nodes = nil

	if ad.anchor == ir.None || bd.anchor != ir.None && bd.anchor < ad.anchor {
		ad.anchor = bd.anchor
	}

	g.unions++

	return true
}

// Subsume marks the node as no longer a valid extraction candidate.
func (g *EGraph) Subsume(id NodeID) {
	g.subsumed.Set(int(id))
}

func (g *EGraph) Subsumed(id NodeID) bool {
	return g.subsumed.IsSet(int(id))
}

// ClassNodes returns the node ids of the canonical class.
func (g *EGraph) ClassNodes(c Class) []NodeID {
	return g.classes[g.Find(c)].nodes
}

// Anchor returns a pre-existing value holding the class, or ir.None.
func (g *EGraph) Anchor(c Class) ir.Value {
	return g.classes[g.Find(c)].anchor
}

func (g *EGraph) NumClasses() int { return len(g.classes) }

// Rebuild restores the congruence invariant: after merges, nodes whose
// children became equal are themselves merged, to a fixed point.
func (g *EGraph) Rebuild() {
	for {
		changed := false

		g.memo = make(map[uint64][]NodeID, len(g.Nodes))

		for id := range g.Nodes {
			n := &g.Nodes[id]

			for i := range n.Args {
				n.Args[i] = g.Find(n.Args[i])
			}

			if n.Pos >= 0 {
				continue
			}

			h := n.hash()

			dup := false

			for _, id0 := range g.memo[h] {
				if g.Nodes[id0].equal(n) {
					if g.Union(g.nodeClass(NodeID(id0)), g.nodeClass(NodeID(id))) {
						changed = true
					}

					dup = true

					break
				}
			}

			if !dup {
				g.memo[h] = append(g.memo[h], NodeID(id))
			}
		}

		if !changed {
			break
		}
	}
}

func (g *EGraph) newClass(anchor ir.Value) Class {
	c := Class(len(g.parent))

	g.parent = append(g.parent, c)
	g.classes = append(g.classes, classData{anchor: anchor})

	return c
}

func (g *EGraph) insertNode(c Class, n Node) NodeID {
	id := NodeID(len(g.Nodes))

	g.Nodes = append(g.Nodes, n)
	g.classes[c].nodes = append(g.classes[c].nodes, id)

	if n.Pos < 0 {
		h := n.hash()
		g.memo[h] = append(g.memo[h], id)
	}

	g.nodeOwner = append(g.nodeOwner, c)

	return id
}

func (g *EGraph) nodeClass(id NodeID) Class {
	return g.Find(g.nodeOwner[id])
}

func (g *EGraph) lookup(n *Node) (NodeID, bool) {
	if n.Pos >= 0 {
		return -1, false
	}

	h := n.hash()

	for _, id := range g.memo[h] {
		if g.Nodes[id].equal(n) {
			return id, true
		}
	}

	return -1, false
}

func (n *Node) hash() (h uint64) {
	const prime = 0x100000001b3

	h = 0xcbf29ce484222325

	mix := func(x uint64) {
		h ^= x
		h *= prime
	}

	mix(uint64(n.Op))
	mix(uint64(n.Typ))
	mix(uint64(n.Imm))
	mix(uint64(n.Sym))
	mix(uint64(len(n.Cond)))

	for i := 0; i < len(n.Cond); i++ {
		mix(uint64(n.Cond[i]))
	}

	for _, a := range n.Args {
		mix(uint64(a))
	}

	return h
}

func (n *Node) equal(m *Node) bool {
	if n.Op != m.Op || n.Typ != m.Typ || n.Imm != m.Imm || n.Sym != m.Sym || n.Cond != m.Cond || len(n.Args) != len(m.Args) {
		return false
	}

	for i, a := range n.Args {
		if a != m.Args[i] {
			return false
		}
	}

	return true
}
