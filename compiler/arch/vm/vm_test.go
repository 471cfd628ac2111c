package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm/regalloc"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/emit"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/isel"
)

func rr(r asm.RealReg) asm.Reg { return asm.Fixed(r, asm.RegInt) }
func fr(r asm.RealReg) asm.Reg { return asm.Fixed(r, asm.RegFloat) }

func encode(t *testing.T, ins asm.Ins) []byte {
	t.Helper()

	b, relocs, err := New().Encode(nil, &ins, []int32{0, 0, 0}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, len(relocs))

	return b
}

func TestEncodeBasic(t *testing.T) {
	got := encode(t, asm.Ins{Op: VAdd, Defs: []asm.Reg{rr(0)}, Uses: []asm.Reg{rr(1), rr(2)}})
	assert.Equal(t, []byte{byte(VAdd), 0, 1, 2}, got)

	got = encode(t, asm.Ins{Op: VFAdd, Defs: []asm.Reg{fr(0)}, Uses: []asm.Reg{fr(1), fr(2)}})
	assert.Equal(t, []byte{byte(VFAdd), 0x80, 0x81, 0x82}, got, "float registers carry the high bit")

	got = encode(t, asm.Ins{Op: VMovImm, Imm: 10, Defs: []asm.Reg{rr(5)}})
	assert.Equal(t, []byte{byte(VMovImm), 5, 10, 0, 0, 0, 0, 0, 0, 0}, got)
}

func TestEncodeSelfMoveElided(t *testing.T) {
	got := encode(t, asm.Ins{Op: VMov, Defs: []asm.Reg{rr(3)}, Uses: []asm.Reg{rr(3)}})
	assert.Equal(t, 0, len(got))

	// same number, different file: a real move
	got = encode(t, asm.Ins{Op: VMov, Defs: []asm.Reg{fr(3)}, Uses: []asm.Reg{rr(3)}})
	assert.Equal(t, 3, len(got))
}

func TestEncodeCmp(t *testing.T) {
	got := encode(t, asm.Ins{Op: VCmp, Cond: "ult", Defs: []asm.Reg{rr(0)}, Uses: []asm.Reg{rr(1), rr(2)}})
	assert.Equal(t, []byte{byte(VCmp), 0, 6, 1, 2}, got)

	_, _, err := New().Encode(nil, &asm.Ins{Op: VCmp, Cond: "bogus", Defs: []asm.Reg{rr(0)}, Uses: []asm.Reg{rr(1), rr(2)}}, nil, nil)
	assert.Error(t, err)
}

func TestEncodeBranches(t *testing.T) {
	b, _, err := New().Encode(nil, &asm.Ins{Op: VJmp, Blk: 2, Blk2: -1}, []int32{0, 10, 40}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(VJmp), 40, 0, 0, 0}, b, "jump offsets are function relative")

	b, _, err = New().Encode(nil, &asm.Ins{Op: VBrnz, Uses: []asm.Reg{rr(7)}, Blk: 1, Blk2: 2}, []int32{0, 10, 40}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(VBrnz), 7, 10, 0, 0, 0}, b)
}

func TestEncodeCallReloc(t *testing.T) {
	b, relocs, err := New().Encode(nil, &asm.Ins{Op: VCall, Sym: 3}, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 1, len(relocs))
	assert.EqualValues(t, 1, relocs[0].Off, "relocation covers the index, not the opcode")
	assert.EqualValues(t, 3, relocs[0].Sym)
	assert.Equal(t, RelocFunc, relocs[0].Kind)
	assert.Equal(t, 5, len(b))
}

func TestEncodeAddrReloc(t *testing.T) {
	b, relocs, err := New().Encode(nil, &asm.Ins{Op: VAddr, Sym: 1, Defs: []asm.Reg{rr(4)}}, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 1, len(relocs))
	assert.EqualValues(t, 2, relocs[0].Off)
	assert.Equal(t, RelocAddr, relocs[0].Kind)
	assert.Equal(t, 10, len(b))
}

func TestFinish(t *testing.T) {
	f := &asm.Func{Name: "f"}
	b := f.NewBlock()

	f.Slots = []ir.StackSlot{{Size: 12, Align: 8}}
	f.SpillSlots = 1

	f.Append(b, asm.Ins{Op: VSlotAddr, Slot: 0, Defs: []asm.Reg{rr(0)}})
	f.Append(b, asm.Ins{Op: VReload, Slot: 1, Defs: []asm.Reg{rr(1)}})
	f.Append(b, asm.Ins{Op: VRet})

	err := New().Finish(f)
	require.NoError(t, err)

	ins := f.Blocks[0].Ins

	var got []int32
	for _, i := range ins {
		got = append(got, i.Op)
	}

	assert.Equal(t, []int32{VEnter, VSlotAddr, VReload, VLeave, VRet}, got)

	assert.EqualValues(t, 32, ins[0].Imm, "frame rounded up to 16")
	assert.EqualValues(t, 0, ins[1].Imm)
	assert.EqualValues(t, 16, ins[2].Imm, "spill slot aligned past the 12-byte slot")
}

func TestLowerBrifSameTargetEdges(t *testing.T) {
	// both edges go to block1 but carry different arguments, so each
	// must be split and the branches retargeted to their own split

	f := ir.NewFunc("pick", ir.Signature{In: []ir.Type{ir.I64, ir.I64}, Out: []ir.Type{ir.I64}})
	b0 := f.NewBlock()
	x := f.AddParam(b0, ir.I64)
	y := f.AddParam(b0, ir.I64)
	b1 := f.NewBlock()
	p := f.AddParam(b1, ir.I64)

	c := f.Append(b0, ir.Instr{Op: ir.Icmp, Cond: "ult", Typ: ir.I1, Args: []ir.Value{x, y}})
	f.Append(b0, ir.Instr{Op: ir.Brif, Args: []ir.Value{c}, Targets: []ir.Target{{Blk: b1, Args: []ir.Value{x}}, {Blk: b1, Args: []ir.Value{y}}}})
	f.Append(b1, ir.Instr{Op: ir.Return, Args: []ir.Value{p}})

	out, err := isel.Lower(context.Background(), New(), f)
	require.NoError(t, err)

	require.Equal(t, 4, len(out.Blocks), "two split blocks added")

	var brnz, jmp *asm.Ins

	for i := range out.Blocks[0].Ins {
		switch out.Blocks[0].Ins[i].Op {
		case VBrnz:
			brnz = &out.Blocks[0].Ins[i]
		case VJmp:
			jmp = &out.Blocks[0].Ins[i]
		}
	}

	require.NotNil(t, brnz)
	require.NotNil(t, jmp)

	assert.EqualValues(t, 2, brnz.Blk, "taken edge goes through the first split")
	assert.EqualValues(t, 3, jmp.Blk, "fallthrough edge through the second")

	m2 := out.Blocks[2].Ins
	m3 := out.Blocks[3].Ins

	require.Equal(t, 3, len(m2), "temp move, param move, jump")
	require.Equal(t, 3, len(m3))

	assert.NotEqual(t, m2[0].Uses[0], m3[0].Uses[0], "each edge moves its own argument")

	assert.Equal(t, VJmp, m2[2].Op)
	assert.EqualValues(t, 1, m2[2].Blk)
	assert.Equal(t, VJmp, m3[2].Op)
	assert.EqualValues(t, 1, m3[2].Blk)
}

func TestLowerEncodeLoop(t *testing.T) {
	// count from 0 to the argument, then return the counter

	f := ir.NewFunc("count", ir.Signature{In: []ir.Type{ir.I64}, Out: []ir.Type{ir.I64}})
	b0 := f.NewBlock()
	n := f.AddParam(b0, ir.I64)
	b1 := f.NewBlock()
	i := f.AddParam(b1, ir.I64)
	b2 := f.NewBlock()

	zero := f.Append(b0, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 0})
	f.Append(b0, ir.Instr{Op: ir.Jump, Targets: []ir.Target{{Blk: b1, Args: []ir.Value{zero}}}})

	one := f.Append(b1, ir.Instr{Op: ir.Iconst, Typ: ir.I64, Imm: 1})
	next := f.Append(b1, ir.Instr{Op: ir.Iadd, Typ: ir.I64, Args: []ir.Value{i, one}})
	c := f.Append(b1, ir.Instr{Op: ir.Icmp, Cond: "ult", Typ: ir.I1, Args: []ir.Value{next, n}})
	f.Append(b1, ir.Instr{Op: ir.Brif, Args: []ir.Value{c}, Targets: []ir.Target{{Blk: b1, Args: []ir.Value{next}}, {Blk: b2}}})

	f.Append(b2, ir.Instr{Op: ir.Return, Args: []ir.Value{i}})

	ctx := context.Background()
	tg := New()

	mf, err := isel.Lower(ctx, tg, f)
	require.NoError(t, err)

	err = regalloc.NewLinear().Allocate(ctx, mf, tg.RegInfo(), tg)
	require.NoError(t, err)

	err = tg.Finish(mf)
	require.NoError(t, err)

	text, relocs, off, err := emit.Func(ctx, tg, mf)
	require.NoError(t, err)

	assert.NotEmpty(t, text)
	assert.Empty(t, relocs)

	// three source blocks plus the split loop edge
	require.Equal(t, 4, len(off))

	assert.Equal(t, byte(VEnter), text[0])
	assert.Equal(t, byte(VJmp), text[len(text)-5], "split block jumps back into the loop")
}
