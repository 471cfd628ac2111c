package egraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nikand.dev/go/heap"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/format"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
)

func TestStrengthReduction(t *testing.T) {
	// (x + 0) * 2 must become x << 1, with the multiply gone entirely.

	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64}, Out: []ir.Type{ir.I64}})
	b := f.NewBlock()
	x := f.AddParam(b, ir.I64)

	zero := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 0})
	sum := f.Append(b, ir.Instr{Op: ir.Iadd, Typ: ir.I64, Args: []ir.Value{x, zero}})
	two := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 2})
	mul := f.Append(b, ir.Instr{Op: ir.Imul, Typ: ir.I64, Args: []ir.Value{sum, two}})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{mul}})

	out := run(t, f)

	counts := opCounts(out)

	assert.Equal(t, 0, counts[ir.Imul], "multiply survived")
	assert.Equal(t, 0, counts[ir.Iadd], "add-zero survived")
	assert.Equal(t, 1, counts[ir.Ishl])
}

func TestConstantFold(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{Out: []ir.Type{ir.I64}})
	b := f.NewBlock()

	c3 := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 3})
	c4 := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 4})
	sum := f.Append(b, ir.Instr{Op: ir.Iadd, Typ: ir.I64, Args: []ir.Value{c3, c4}})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{sum}})

	out := run(t, f)

	require.Equal(t, 2, len(out.Blocks[0].Code))

	ins := &out.Instrs[out.Blocks[0].Code[0]]
	assert.Equal(t, ir.Iconst, ins.Op)
	assert.Equal(t, int64(7), ins.Imm)
}

func TestCommutedOpsMerge(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64, ir.I64}, Out: []ir.Type{ir.I64}})
	b := f.NewBlock()
	x := f.AddParam(b, ir.I64)
	y := f.AddParam(b, ir.I64)

	ab := f.Append(b, ir.Instr{Op: ir.Iadd, Typ: ir.I64, Args: []ir.Value{x, y}})
	ba := f.Append(b, ir.Instr{Op: ir.Iadd, Typ: ir.I64, Args: []ir.Value{y, x}})
	r := f.Append(b, ir.Instr{Op: ir.Isub, Typ: ir.I64, Args: []ir.Value{ab, ba}})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{r}})

	ctx := context.Background()

	g := Build(ctx, f)

	err := g.Saturate(ctx, Rules(), Budget{})
	require.NoError(t, err)

	assert.Equal(t, g.ValueClass(ab), g.ValueClass(ba), "commuted adds in distinct classes")

	// x+y and y+x equal, so their difference folds to zero

	out, err := Extract(ctx, g, nil)
	require.NoError(t, err)

	counts := opCounts(out)
	assert.Equal(t, 0, counts[ir.Isub])
	assert.Equal(t, 0, counts[ir.Iadd])
}

func TestSkeletonOrderPreserved(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64}, Out: []ir.Type{ir.I64}})
	b := f.NewBlock()
	p := f.AddParam(b, ir.I64)

	v1 := f.Append(b, ir.Instr{Op: ir.Load, Typ: ir.I64, Args: []ir.Value{p}, Imm: 0})
	f.Append(b, ir.Instr{Op: ir.Store, Args: []ir.Value{v1, p}, Imm: 8})
	v2 := f.Append(b, ir.Instr{Op: ir.Load, Typ: ir.I64, Args: []ir.Value{p}, Imm: 0})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{v2}})

	out := run(t, f)

	var ops []ir.Op

	for _, i := range out.Blocks[0].Code {
		ops = append(ops, out.Instrs[i].Op)
	}

	// identical loads around a store must not merge or move
	assert.Equal(t, []ir.Op{ir.Load, ir.Store, ir.Load, ir.Return}, ops)

	ld2 := &out.Instrs[out.Blocks[0].Code[2]]
	assert.Equal(t, out.Instrs[out.Blocks[0].Code[3]].Args[0], ld2.Ret, "return must use the second load")
}

func TestExtractionIdempotent(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64}, Out: []ir.Type{ir.I64}})
	b := f.NewBlock()
	x := f.AddParam(b, ir.I64)

	c8 := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 8})
	m := f.Append(b, ir.Instr{Op: ir.Imul, Typ: ir.I64, Args: []ir.Value{x, c8}})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{m}})

	out1 := run(t, f)
	out2 := run(t, out1)

	t1, err := format.Func(nil, out1)
	require.NoError(t, err)

	t2, err := format.Func(nil, out2)
	require.NoError(t, err)

	assert.Equal(t, string(t1), string(t2))
}

func TestBranchArgs(t *testing.T) {
	// pure values flowing into branch arguments are materialized
	// in the branching block

	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64}, Out: []ir.Type{ir.I64}})
	b0 := f.NewBlock()
	x := f.AddParam(b0, ir.I64)

	b1 := f.NewBlock()
	p1 := f.AddParam(b1, ir.I64)

	one := f.Append(b0, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 1})
	sum := f.Append(b0, ir.Instr{Op: ir.Iadd, Typ: ir.I64, Args: []ir.Value{x, one}})
	f.Append(b0, ir.Instr{Op: ir.Jump, Targets: []ir.Target{{Blk: b1, Args: []ir.Value{sum}}}})

	f.Append(b1, ir.Instr{Op: ir.Return, Args: []ir.Value{p1}})

	out := run(t, f)

	term := out.Terminator(0)
	require.Equal(t, ir.Jump, term.Op)
	require.Equal(t, 1, len(term.Targets[0].Args))

	arg := term.Targets[0].Args[0]
	assert.Equal(t, ir.Block(0), out.Vals[arg].Blk, "branch arg defined outside the branching block")
}

func TestNodeBudget(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64}, Out: []ir.Type{ir.I64}})
	b := f.NewBlock()
	x := f.AddParam(b, ir.I64)

	c := f.Append(b, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 2})
	m := f.Append(b, ir.Instr{Op: ir.Imul, Typ: ir.I64, Args: []ir.Value{x, c}})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{m}})

	ctx := context.Background()
	g := Build(ctx, f)

	err := g.Saturate(ctx, Rules(), Budget{MaxNodes: 1})
	require.Error(t, err)

	le, ok := err.(LimitError)
	require.True(t, ok, "want LimitError, got %T", err)
	assert.Equal(t, "nodes", le.Limit)
}

func TestRebuildCongruence(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64, ir.I64}})
	b := f.NewBlock()
	x := f.AddParam(b, ir.I64)
	y := f.AddParam(b, ir.I64)
	f.Append(b, ir.Instr{Op: ir.Return})

	ctx := context.Background()
	g := Build(ctx, f)

	cx, cy := g.ValueClass(x), g.ValueClass(y)

	a := g.Add(Node{Op: ir.Ishl, Typ: ir.I64, Pos: -1, Args: []Class{cx, cx}})
	c := g.Add(Node{Op: ir.Ishl, Typ: ir.I64, Pos: -1, Args: []Class{cy, cy}})

	require.NotEqual(t, g.Find(a), g.Find(c))

	g.Union(cx, cy)
	g.Rebuild()

	assert.Equal(t, g.Find(a), g.Find(c), "congruent nodes not merged")
}

func TestExtractCandidateOrder(t *testing.T) {
	h := heap.Heap[cand]{Less: candLess}

	h.Push(cand{node: 1, cost: 5})
	h.Push(cand{node: 2, cost: 3})
	h.Push(cand{node: 3, cost: 3})

	assert.Equal(t, cand{node: 3, cost: 3}, h.Pop(), "cost ties prefer the later node")
	assert.Equal(t, cand{node: 2, cost: 3}, h.Pop())
	assert.Equal(t, cand{node: 1, cost: 5}, h.Pop())
}

func run(t *testing.T, f *ir.Func) *ir.Func {
	t.Helper()

	ctx := context.Background()

	g := Build(ctx, f)

	err := g.Saturate(ctx, Rules(), Budget{})
	require.NoError(t, err)

	out, err := Extract(ctx, g, nil)
	require.NoError(t, err)

	if txt, err := format.Func(nil, out); err == nil {
		t.Logf("extracted:\n%s", txt)
	}

	return out
}

func opCounts(f *ir.Func) map[ir.Op]int {
	r := map[ir.Op]int{}

	for i := range f.Instrs {
		r[f.Instrs[i].Op]++
	}

	return r
}
