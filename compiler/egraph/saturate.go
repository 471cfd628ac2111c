package egraph

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
)

type (
	// Budget bounds saturation. Zero fields take defaults.
	Budget struct {
		MaxIters int
		MaxNodes int
	}

	// LimitError is returned when a resource budget is exhausted.
	// It is fatal: a partially saturated graph is not extracted.
	LimitError struct {
		Limit string
		Value int
	}
)

const (
	defaultMaxIters = 16
	defaultMaxNodes = 1 << 16
)

func (e LimitError) Error() string {
	return "optimizer limit exceeded: " + e.Limit
}

// Saturate applies the rules until no rule changes the graph,
// or the budget runs out, which is an error.
//
// Rules are indexed by root opcode and tried against every e-node of
// that opcode. Matching happens against the live graph: nodes added by
// earlier rules in the same pass are visible to later matches after
// the inter-pass rebuild.
func (g *EGraph) Saturate(ctx context.Context, rules []Rule, bud Budget) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "saturate", "func", g.Func.Name)
	defer tr.Finish("iters_left", bud.MaxIters, "err", &err)

	if bud.MaxIters == 0 {
		bud.MaxIters = defaultMaxIters
	}
	if bud.MaxNodes == 0 {
		bud.MaxNodes = defaultMaxNodes
	}

	idx := byOp(rules)

	for {
		if bud.MaxIters == 0 {
			return LimitError{Limit: "iterations", Value: len(g.Nodes)}
		}

		bud.MaxIters--

		changed := g.pass(tr, idx)

		if len(g.Nodes) > bud.MaxNodes {
			return LimitError{Limit: "nodes", Value: len(g.Nodes)}
		}

		g.Rebuild()

		if !changed {
			break
		}
	}

	tr.V("egraph").Printw("saturated", "classes", g.NumClasses(), "nodes", len(g.Nodes))

	return nil
}

// pass runs every rule over every matching e-node once.
// Only nodes existing at the start of the pass are match roots.
func (g *EGraph) pass(tr tlog.Span, idx map[ir.Op][]*Rule) (changed bool) {
	unions0 := g.unions
	nodes0 := len(g.Nodes)

	for id := 0; id < nodes0; id++ {
		if g.Subsumed(NodeID(id)) {
			continue
		}

		// rule builders append to g.Nodes, copy before matching
		nop, ntyp, npos := g.Nodes[id].Op, g.Nodes[id].Typ, g.Nodes[id].Pos
		if npos >= 0 {
			continue
		}

		for _, r := range idx[nop] {
			var m Match

			m.Typ = ntyp
			m.Root = NodeID(id)

			if !g.match(&r.Lhs, NodeID(id), &m) {
				continue
			}

			repl, ok := r.Build(g, &m)
			if !ok {
				continue
			}

			if g.Union(g.nodeClass(NodeID(id)), repl) {
				changed = true

				if tr.If("rules") {
					tr.Printw("rule fired", "rule", r.Name, "node", id)
				}
			}

			if r.Subsume {
				g.Subsume(NodeID(id))
				changed = true

				break
			}
		}
	}

	return changed || g.unions != unions0 || len(g.Nodes) != nodes0
}
