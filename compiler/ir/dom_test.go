package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds block0 -> {block1, block2} -> block3.
func diamond() *Func {
	f := NewFunc("d", Signature{In: []Type{I64}})
	b0 := f.NewBlock()
	c := f.AddParam(b0, I64)

	b1 := f.NewBlock()
	b2 := f.NewBlock()
	b3 := f.NewBlock()

	f.Append(b0, Instr{Op: Brif, Args: []Value{c}, Targets: []Target{{Blk: b1}, {Blk: b2}}})
	f.Append(b1, Instr{Op: Jump, Targets: []Target{{Blk: b3}}})
	f.Append(b2, Instr{Op: Jump, Targets: []Target{{Blk: b3}}})
	f.Append(b3, Instr{Op: Return})

	return f
}

func TestRPO(t *testing.T) {
	f := diamond()

	rpo := f.RPO()

	require.Equal(t, 4, len(rpo))
	assert.Equal(t, Block(0), rpo[0])
	assert.Equal(t, Block(3), rpo[3])
}

func TestRPOUnreachable(t *testing.T) {
	f := diamond()

	dead := f.NewBlock()
	f.Append(dead, Instr{Op: Return})

	rpo := f.RPO()

	assert.Equal(t, 4, len(rpo), "unreachable block in rpo")
}

func TestDominators(t *testing.T) {
	f := diamond()

	dom := f.Dominators()

	assert.True(t, Dominates(dom, 0, 3))
	assert.True(t, Dominates(dom, 0, 1))
	assert.True(t, Dominates(dom, 3, 3))

	assert.False(t, Dominates(dom, 1, 3), "one arm of the diamond dominating the join")
	assert.False(t, Dominates(dom, 2, 3))
	assert.False(t, Dominates(dom, 1, 2))
}

func TestDominatorsLoop(t *testing.T) {
	// block0 -> block1, block1 -> {block1, block2}

	f := NewFunc("l", Signature{In: []Type{I64}})
	b0 := f.NewBlock()
	c := f.AddParam(b0, I64)

	b1 := f.NewBlock()
	b2 := f.NewBlock()

	f.Append(b0, Instr{Op: Jump, Targets: []Target{{Blk: b1}}})
	f.Append(b1, Instr{Op: Brif, Args: []Value{c}, Targets: []Target{{Blk: b1}, {Blk: b2}}})
	f.Append(b2, Instr{Op: Return})

	dom := f.Dominators()

	assert.True(t, Dominates(dom, 0, 1))
	assert.True(t, Dominates(dom, 1, 2))
	assert.False(t, Dominates(dom, 2, 1))
}

func TestPreds(t *testing.T) {
	f := diamond()

	preds := f.Preds()

	assert.Equal(t, 0, len(preds[0]))
	assert.Equal(t, []Block{0}, preds[1])
	assert.Equal(t, []Block{0}, preds[2])
	assert.Equal(t, []Block{1, 2}, preds[3])
}

func TestRefCounts(t *testing.T) {
	f := NewFunc("r", Signature{In: []Type{I64}})
	b0 := f.NewBlock()
	x := f.AddParam(b0, I64)

	b1 := f.NewBlock()
	p := f.AddParam(b1, I64)

	sum := f.Append(b0, Instr{Op: Iadd, Typ: I64, Args: []Value{x, x}})
	f.Append(b0, Instr{Op: Jump, Targets: []Target{{Blk: b1, Args: []Value{sum}}}})
	f.Append(b1, Instr{Op: Return, Args: []Value{p}})

	refs := f.RefCounts()

	assert.Equal(t, 2, refs[x])
	assert.Equal(t, 1, refs[sum], "branch arg not counted")
	assert.Equal(t, 1, refs[p])
}
