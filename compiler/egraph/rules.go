package egraph

import (
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
)

type (
	// Pat is a tree pattern over e-nodes. Patterns are scoped to a concrete
	// root opcode: a rule fires on individual e-nodes of that opcode, never
	// on "any representation of this value", so a rewrite cannot leak onto
	// sibling representations within the class.
	Pat struct {
		Op   ir.Op
		Cond ir.Cond // "" matches any

		Var    int8   // bind the matched class, -1 none
		Any    bool   // match any class (leaf), Var usually set
		Imm    *int64 // match this exact immediate
		ImmVar int8   // bind the immediate, -1 none

		Args []Pat
	}

	// Match holds pattern bindings.
	Match struct {
		Class [4]Class
		Imm   [4]int64
		Typ   ir.Type // type of the root node
		Root  NodeID
	}

	// Rule is a directional rewrite: when Lhs matches an e-node, Build
	// produces the replacement class which is unioned with the node's class.
	//
	// Rule authoring invariants (enforced by review and the cost tests, not
	// at runtime): the replacement's static cost must not exceed the
	// pattern's, and a rule whose replacement drops a non-constant use the
	// pattern required must set Subsume.
	Rule struct {
		Name string
		Lhs  Pat

		Build func(g *EGraph, m *Match) (Class, bool)

		// Subsume marks the matched e-node as no longer extractable:
		// after dropping a use, sibling e-nodes may reference values
		// unavailable at the replacement's definition point.
		Subsume bool
	}
)

// pattern building helpers

func v(i int8) Pat { return Pat{Any: true, Var: i} }

func op(o ir.Op, args ...Pat) Pat { return Pat{Op: o, Var: -1, ImmVar: -1, Args: args} }

func iconst(bind int8) Pat {
	return Pat{Op: ir.Iconst, Var: -1, ImmVar: bind}
}

func iconstIs(x int64) Pat {
	return Pat{Op: ir.Iconst, Var: -1, ImmVar: -1, Imm: &x}
}

// replacement building helpers

func (g *EGraph) constant(typ ir.Type, imm int64) Class {
	return g.Add(Node{Op: ir.Iconst, Typ: typ, Imm: maskTo(typ, imm), Pos: -1})
}

func (g *EGraph) mk(o ir.Op, typ ir.Type, args ...Class) Class {
	return g.Add(Node{Op: o, Typ: typ, Pos: -1, Args: args})
}

func maskTo(typ ir.Type, x int64) int64 {
	bits := typ.Bits()
	if bits <= 0 || bits >= 64 {
		return x
	}

	return x & (1<<bits - 1)
}

// match matches the pattern against one e-node.
func (g *EGraph) match(p *Pat, id NodeID, m *Match) bool {
	n := &g.Nodes[id]

	if n.Op != p.Op {
		return false
	}

	if p.Cond != "" && n.Cond != p.Cond {
		return false
	}

	if p.Imm != nil && n.Imm != *p.Imm {
		return false
	}

	if p.ImmVar >= 0 {
		m.Imm[p.ImmVar] = n.Imm
	}

	if len(p.Args) > len(n.Args) {
		return false
	}

	for i := range p.Args {
		if !g.matchClass(&p.Args[i], n.Args[i], m) {
			return false
		}
	}

	return true
}

// matchClass matches a sub-pattern against any e-node of the class.
func (g *EGraph) matchClass(p *Pat, c Class, m *Match) bool {
	c = g.Find(c)

	if p.Any {
		if p.Var >= 0 {
			m.Class[p.Var] = c
		}

		return true
	}

	for _, id := range g.ClassNodes(c) {
		if g.match(p, id, m) {
			if p.Var >= 0 {
				m.Class[p.Var] = c
			}

			return true
		}
	}

	return false
}

// Rules returns the default rule set.
//
// Commutativity and reassociation are expanded as explicit, narrowly-scoped
// instances instead of generic symmetric matching, to bound matching cost.
func Rules() []Rule {
	var rules []Rule

	add := func(name string, lhs Pat, build func(g *EGraph, m *Match) (Class, bool)) {
		rules = append(rules, Rule{Name: name, Lhs: lhs, Build: build})
	}

	addSub := func(name string, lhs Pat, build func(g *EGraph, m *Match) (Class, bool)) {
		rules = append(rules, Rule{Name: name, Lhs: lhs, Build: build, Subsume: true})
	}

	same := func(g *EGraph, m *Match) (Class, bool) { return m.Class[0], true }
	zero := func(g *EGraph, m *Match) (Class, bool) { return g.constant(m.Typ, 0), true }

	// identities

	add("iadd-zero-r", op(ir.Iadd, v(0), iconstIs(0)), same)
	add("iadd-zero-l", op(ir.Iadd, iconstIs(0), v(0)), same)
	add("isub-zero-r", op(ir.Isub, v(0), iconstIs(0)), same)
	add("imul-one-r", op(ir.Imul, v(0), iconstIs(1)), same)
	add("imul-one-l", op(ir.Imul, iconstIs(1), v(0)), same)
	add("bor-zero-r", op(ir.Bor, v(0), iconstIs(0)), same)
	add("bor-zero-l", op(ir.Bor, iconstIs(0), v(0)), same)
	add("bxor-zero-r", op(ir.Bxor, v(0), iconstIs(0)), same)
	add("ishl-zero", op(ir.Ishl, v(0), iconstIs(0)), same)
	add("ushr-zero", op(ir.Ushr, v(0), iconstIs(0)), same)
	add("sshr-zero", op(ir.Sshr, v(0), iconstIs(0)), same)
	ones := func(g *EGraph, m *Match) (Class, bool) {
		if maskTo(m.Typ, m.Imm[1]) != maskTo(m.Typ, -1) {
			return 0, false
		}
		return m.Class[0], true
	}

	add("band-ones-r", op(ir.Band, v(0), iconst(1)), ones)
	add("band-ones-l", op(ir.Band, iconst(1), v(0)), ones)
	add("band-self", op(ir.Band, v(0), v(1)), func(g *EGraph, m *Match) (Class, bool) {
		if m.Class[0] != m.Class[1] {
			return 0, false
		}
		return m.Class[0], true
	})
	add("bor-self", op(ir.Bor, v(0), v(1)), func(g *EGraph, m *Match) (Class, bool) {
		if m.Class[0] != m.Class[1] {
			return 0, false
		}
		return m.Class[0], true
	})

	// annihilators: the replacement drops a non-constant use,
	// so the matched node is subsumed

	addSub("imul-zero-r", op(ir.Imul, v(0), iconstIs(0)), zero)
	addSub("imul-zero-l", op(ir.Imul, iconstIs(0), v(0)), zero)
	addSub("band-zero-r", op(ir.Band, v(0), iconstIs(0)), zero)
	addSub("band-zero-l", op(ir.Band, iconstIs(0), v(0)), zero)
	addSub("isub-self", op(ir.Isub, v(0), v(1)), func(g *EGraph, m *Match) (Class, bool) {
		if m.Class[0] != m.Class[1] {
			return 0, false
		}
		return g.constant(m.Typ, 0), true
	})
	addSub("bxor-self", op(ir.Bxor, v(0), v(1)), func(g *EGraph, m *Match) (Class, bool) {
		if m.Class[0] != m.Class[1] {
			return 0, false
		}
		return g.constant(m.Typ, 0), true
	})

	// strength reduction

	shl := func(g *EGraph, m *Match) (Class, bool) {
		k := log2(m.Imm[1])
		if k < 0 {
			return 0, false
		}

		return g.mk(ir.Ishl, m.Typ, m.Class[0], g.constant(m.Typ, int64(k))), true
	}

	add("imul-pow2-r", op(ir.Imul, v(0), iconst(1)), shl)
	add("imul-pow2-l", op(ir.Imul, iconst(1), v(0)), shl)
	add("udiv-pow2", op(ir.Udiv, v(0), iconst(1)), func(g *EGraph, m *Match) (Class, bool) {
		k := log2(m.Imm[1])
		if k < 0 {
			return 0, false
		}

		return g.mk(ir.Ushr, m.Typ, m.Class[0], g.constant(m.Typ, int64(k))), true
	})

	// commutativity: explicit instances, cost-neutral

	comm := func(o ir.Op) func(g *EGraph, m *Match) (Class, bool) {
		return func(g *EGraph, m *Match) (Class, bool) {
			return g.mk(o, m.Typ, m.Class[1], m.Class[0]), true
		}
	}

	add("iadd-comm", op(ir.Iadd, v(0), v(1)), comm(ir.Iadd))
	add("imul-comm", op(ir.Imul, v(0), v(1)), comm(ir.Imul))

	// reassociation toward foldable constants

	add("iadd-reassoc", op(ir.Iadd, op(ir.Iadd, v(0), iconst(0)), iconst(1)),
		func(g *EGraph, m *Match) (Class, bool) {
			return g.mk(ir.Iadd, m.Typ, m.Class[0], g.constant(m.Typ, m.Imm[0]+m.Imm[1])), true
		})

	add("ishl-reassoc", op(ir.Ishl, op(ir.Ishl, v(0), iconst(0)), iconst(1)),
		func(g *EGraph, m *Match) (Class, bool) {
			c0, c1 := m.Imm[0], m.Imm[1]
			if c0 < 0 || c1 < 0 || c0+c1 >= int64(m.Typ.Bits()) {
				return 0, false
			}

			return g.mk(ir.Ishl, m.Typ, m.Class[0], g.constant(m.Typ, c0+c1)), true
		})

	// constant folding: dropped sub-expressions are pure constants,
	// reconstructible anywhere, so no subsumption is needed

	fold2 := func(o ir.Op, f func(a, b int64) (int64, bool)) {
		add(o.String()+"-fold", op(o, iconst(0), iconst(1)),
			func(g *EGraph, m *Match) (Class, bool) {
				x, ok := f(m.Imm[0], m.Imm[1])
				if !ok {
					return 0, false
				}

				return g.constant(m.Typ, x), true
			})
	}

	fold2(ir.Iadd, func(a, b int64) (int64, bool) { return a + b, true })
	fold2(ir.Isub, func(a, b int64) (int64, bool) { return a - b, true })
	fold2(ir.Imul, func(a, b int64) (int64, bool) { return a * b, true })
	fold2(ir.Band, func(a, b int64) (int64, bool) { return a & b, true })
	fold2(ir.Bor, func(a, b int64) (int64, bool) { return a | b, true })
	fold2(ir.Bxor, func(a, b int64) (int64, bool) { return a ^ b, true })
	fold2(ir.Ishl, func(a, b int64) (int64, bool) { return a << (b & 63), b >= 0 })
	fold2(ir.Ushr, func(a, b int64) (int64, bool) { return int64(uint64(a) >> (b & 63)), b >= 0 })
	fold2(ir.Sshr, func(a, b int64) (int64, bool) { return a >> (b & 63), b >= 0 })
	fold2(ir.Udiv, func(a, b int64) (int64, bool) {
		if b == 0 {
			return 0, false // division traps are preserved, never folded away
		}
		return int64(uint64(a) / uint64(b)), true
	})
	fold2(ir.Sdiv, func(a, b int64) (int64, bool) {
		if b == 0 || a == -1<<63 && b == -1 {
			return 0, false
		}
		return a / b, true
	})

	return rules
}

// byOp indexes rules by their root opcode.
func byOp(rules []Rule) map[ir.Op][]*Rule {
	m := map[ir.Op][]*Rule{}

	for i := range rules {
		r := &rules[i]
		m[r.Lhs.Op] = append(m[r.Lhs.Op], r)
	}

	return m
}

func log2(x int64) int {
	if x <= 0 || x&(x-1) != 0 {
		return -1
	}

	k := 0
	for x > 1 {
		x >>= 1
		k++
	}

	return k
}
