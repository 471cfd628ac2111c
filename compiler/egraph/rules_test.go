package egraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
)

func TestBandOnesIdentity(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64}, Out: []ir.Type{ir.I64}})
	b := f.NewBlock()
	x := f.AddParam(b, ir.I64)

	ones := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: -1})
	and := f.Append(b, ir.Instr{Op: ir.Band, Typ: ir.I64, Args: []ir.Value{x, ones}})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{and}})

	out := run(t, f)

	counts := opCounts(out)
	assert.Equal(t, 0, counts[ir.Band], "mask with all ones survived")
}

func TestShlReassoc(t *testing.T) {
	// (x << 2) << 3 becomes one shift by 5

	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64}, Out: []ir.Type{ir.I64}})
	b := f.NewBlock()
	x := f.AddParam(b, ir.I64)

	c2 := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 2})
	s1 := f.Append(b, ir.Instr{Op: ir.Ishl, Typ: ir.I64, Args: []ir.Value{x, c2}})
	c3 := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 3})
	s2 := f.Append(b, ir.Instr{Op: ir.Ishl, Typ: ir.I64, Args: []ir.Value{s1, c3}})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{s2}})

	out := run(t, f)

	counts := opCounts(out)
	require.Equal(t, 1, counts[ir.Ishl])

	for i := range out.Instrs {
		if out.Instrs[i].Op != ir.Ishl {
			continue
		}

		sh := out.DefInstr(out.Instrs[i].Args[1])
		require.NotNil(t, sh)
		assert.Equal(t, int64(5), sh.Imm)
	}
}

// TestRuleCostMonotonic enumerates the rule set and checks that no rule
// can raise the cost of a class: the replacement of every firing is at
// most as expensive as the matched pattern under the default costs.
func TestRuleCostMonotonic(t *testing.T) {
	imms := []int64{0, 1, 2, 3, 4, 5, 7, 8, 16, -1, -2, 123, 1 << 20}

	for _, r := range Rules() {
		r := r

		t.Run(r.Name, func(t *testing.T) {
			fired := 0

			for trial := 0; trial < 2*len(imms); trial++ {
				f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64, ir.I64}})
				b := f.NewBlock()
				x := f.AddParam(b, ir.I64)
				y := f.AddParam(b, ir.I64)
				f.Append(b, ir.Instr{Op: ir.Return})

				g := Build(context.Background(), f)

				leaves := []Class{g.ValueClass(x), g.ValueClass(y)}
				if trial%2 == 1 {
					// rules guarded on equal operands need equal leaves
					leaves[1] = leaves[0]
				}

				var m Match
				m.Typ = ir.I64

				li, ii := 0, trial
				root := instPat(g, &r.Lhs, leaves, imms, &li, &ii, &m)

				repl, ok := r.Build(g, &m)
				if !ok {
					continue
				}

				fired++

				memo := map[Class]int64{}
				before := classCost(g, root, memo)
				after := classCost(g, repl, memo)

				assert.LessOrEqual(t, after, before, "trial %d", trial)
			}

			require.NotZero(t, fired, "rule never fired")
		})
	}
}

// instPat adds the pattern to the graph as concrete e-nodes, filling the
// match bindings the way a real match would.
func instPat(g *EGraph, p *Pat, leaves []Class, imms []int64, li, ii *int, m *Match) Class {
	if p.Any {
		c := leaves[*li%len(leaves)]
		*li++

		if p.Var >= 0 {
			m.Class[p.Var] = c
		}

		return c
	}

	n := Node{Op: p.Op, Typ: ir.I64, Pos: -1}

	if p.Op == ir.Iconst {
		if p.Imm != nil {
			n.Imm = *p.Imm
		} else {
			n.Imm = imms[*ii%len(imms)]
			*ii++
		}

		if p.ImmVar >= 0 {
			m.Imm[p.ImmVar] = n.Imm
		}

		return g.Add(n)
	}

	for i := range p.Args {
		n.Args = append(n.Args, instPat(g, &p.Args[i], leaves, imms, li, ii, m))
	}

	c := g.Add(n)

	if p.Var >= 0 {
		m.Class[p.Var] = c
	}

	return c
}

// classCost is the cheapest full expression cost of the class, the same
// min-over-nodes the extractor resolves iteratively.
func classCost(g *EGraph, c Class, memo map[Class]int64) int64 {
	c = g.Find(c)

	if x, ok := memo[c]; ok {
		return x
	}

	memo[c] = costInf // cycle guard

	best := int64(costInf)

	if g.Anchor(c) != ir.None {
		best = 0
	}

	for _, id := range g.ClassNodes(c) {
		n := &g.Nodes[id]

		x := DefaultCost(n)
		for _, a := range n.Args {
			x += classCost(g, a, memo)
		}

		if x < best {
			best = x
		}
	}

	memo[c] = best

	return best
}
