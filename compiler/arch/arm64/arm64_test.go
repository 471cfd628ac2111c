package arm64

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/isel"
)

func xr(r asm.RealReg) asm.Reg { return asm.Fixed(r, asm.RegInt) }
func dr(r asm.RealReg) asm.Reg { return asm.Fixed(r, asm.RegFloat) }

func encode(t *testing.T, ins asm.Ins) []uint32 {
	t.Helper()

	b, relocs, err := New().Encode(nil, &ins, []int32{0, 0, 0, 0}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, len(relocs))

	return words(b)
}

func words(b []byte) []uint32 {
	var r []uint32

	for i := 0; i+4 <= len(b); i += 4 {
		r = append(r, binary.LittleEndian.Uint32(b[i:]))
	}

	return r
}

func TestEncodeArith(t *testing.T) {
	for _, tc := range []struct {
		name string
		ins  asm.Ins
		want uint32
	}{
		{"add x0, x1, x2", asm.Ins{Op: OAdd, Size: 64, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1), xr(2)}}, 0x8b020020},
		{"add w0, w1, w2", asm.Ins{Op: OAdd, Size: 32, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1), xr(2)}}, 0x0b020020},
		{"sub x3, x4, x5", asm.Ins{Op: OSub, Size: 64, Defs: []asm.Reg{xr(3)}, Uses: []asm.Reg{xr(4), xr(5)}}, 0xcb050083},
		{"add x0, x1, #16", asm.Ins{Op: OAddImm, Size: 64, Imm: 16, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1)}}, 0x91004020},
		{"mul x0, x1, x2", asm.Ins{Op: OMul, Size: 64, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1), xr(2)}}, 0x9b027c20},
		{"and x0, x1, x2", asm.Ins{Op: OAnd, Size: 64, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1), xr(2)}}, 0x8a020020},
		{"orr x0, x1, x2", asm.Ins{Op: OOrr, Size: 64, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1), xr(2)}}, 0xaa020020},
		{"eor x0, x1, x2", asm.Ins{Op: OEor, Size: 64, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1), xr(2)}}, 0xca020020},
		{"sdiv x0, x1, x2", asm.Ins{Op: OSDiv, Size: 64, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1), xr(2)}}, 0x9ac20c20},
		{"lsl x0, x1, x2", asm.Ins{Op: OLsl, Size: 64, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1), xr(2)}}, 0x9ac22020},
		{"lsl x0, x1, #3", asm.Ins{Op: OLslImm, Size: 64, Imm: 3, Defs: []asm.Reg{xr(0)}, Uses: []asm.Reg{xr(1)}}, 0xd37df020},
		{"cmp x0, x1", asm.Ins{Op: OCmp, Size: 64, Uses: []asm.Reg{xr(0), xr(1)}}, 0xeb01001f},
		{"cset x0, eq", asm.Ins{Op: OCSet, Size: 64, Cond: "eq", Defs: []asm.Reg{xr(0)}}, 0x9a9f17e0},
		{"ret", asm.Ins{Op: ORet}, 0xd65f03c0},
		{"ldr x1, [x2, #16]", asm.Ins{Op: OLdrX, Imm: 16, Defs: []asm.Reg{xr(1)}, Uses: []asm.Reg{xr(2)}}, 0xf9400841},
		{"str x1, [x2, #16]", asm.Ins{Op: OStrX, Imm: 16, Uses: []asm.Reg{xr(1), xr(2)}}, 0xf9000841},
		{"fadd d0, d1, d2", asm.Ins{Op: OFAdd, Size: 64, Defs: []asm.Reg{dr(0)}, Uses: []asm.Reg{dr(1), dr(2)}}, 0x1e622820},
		{"fadd s0, s1, s2", asm.Ins{Op: OFAdd, Size: 32, Defs: []asm.Reg{dr(0)}, Uses: []asm.Reg{dr(1), dr(2)}}, 0x1e222820},
		{"fmov d0, x1", asm.Ins{Op: OFMovFromInt, Size: 64, Defs: []asm.Reg{dr(0)}, Uses: []asm.Reg{xr(1)}}, 0x9e670020},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := encode(t, tc.ins)
			require.Equal(t, 1, len(got))
			assert.Equal(t, tc.want, got[0])
		})
	}
}

func TestEncodeMovImm(t *testing.T) {
	for _, tc := range []struct {
		name string
		imm  int64
		want []uint32
	}{
		{"zero", 0, []uint32{0xd2800003}},
		{"small", 0x1234, []uint32{0xd2824683}},
		{"minus one", -1, []uint32{0x92800003}},
		{"second halfword", 0x10000, []uint32{0xd2a00023}},
		{"two halfwords", 0x10002, []uint32{0xd2800043, 0xf2a00023}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := encode(t, asm.Ins{Op: OMovImm, Imm: tc.imm, Defs: []asm.Reg{xr(3)}})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeSelfMoveElided(t *testing.T) {
	b, _, err := New().Encode(nil, &asm.Ins{Op: OMov, Defs: []asm.Reg{xr(4)}, Uses: []asm.Reg{xr(4)}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, len(b))
}

func TestEncodeBCond(t *testing.T) {
	tg := New()

	ins := asm.Ins{Op: OBCond, Cond: "eq", Blk: 1, Blk2: -1}

	b, _, err := tg.Encode(nil, &ins, []int32{0, 8}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x54000040}, words(b), "b.eq +8")

	// out of range: inverted condition over an unconditional branch
	b, _, err = tg.Encode(nil, &ins, []int32{0, 1 << 20}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x54000041, 0x1403ffff}, words(b))

	require.True(t, ins.Wide)

	// widened once, stays wide even for a near target
	b, _, err = tg.Encode(nil, &ins, []int32{0, 8}, nil)
	require.NoError(t, err)
	require.Equal(t, 8, len(b))

	// the widened form survives a fresh target, state is on the instruction
	b, _, err = New().Encode(nil, &ins, []int32{0, 8}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, len(b))
}

func TestEncodeCallReloc(t *testing.T) {
	b, relocs, err := New().Encode(nil, &asm.Ins{Op: OBl, Sym: 2}, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 1, len(relocs))
	assert.EqualValues(t, 0, relocs[0].Off)
	assert.EqualValues(t, 2, relocs[0].Sym)
	assert.Equal(t, RelocCall26, relocs[0].Kind)

	assert.Equal(t, []uint32{0x94000000}, words(b))
}

func TestEncodeFCanon(t *testing.T) {
	got := encode(t, asm.Ins{Op: OFCanon, Size: 64, Defs: []asm.Reg{dr(0)}, Uses: []asm.Reg{dr(0)}})

	// fcmp d0, d0; b.vc +12; movz x16, #0x7ff8, lsl #48; fmov d0, x16
	assert.Equal(t, []uint32{0x1e602000, 0x54000067, 0xd2efff10, 0x9e670200}, got)
}

func TestFinishFrame(t *testing.T) {
	f := &asm.Func{Name: "f"}
	b := f.NewBlock()

	f.Slots = []ir.StackSlot{{Size: 8, Align: 8}}
	f.SpillSlots = 1
	f.UsedCallee = asm.RegSet(0).Add(X19)

	f.Append(b, asm.Ins{Op: OSlotAddr, Slot: 0, Defs: []asm.Reg{xr(0)}})
	f.Append(b, asm.Ins{Op: OReload, Slot: 1, Defs: []asm.Reg{xr(1)}})
	f.Append(b, asm.Ins{Op: ORet})

	err := New().Finish(f)
	require.NoError(t, err)

	var got []int32
	for _, ins := range f.Blocks[0].Ins {
		got = append(got, ins.Op)
	}

	assert.Equal(t, []int32{
		OSubSp, OStpFpLr, OSetFp, OStrSp,
		OAddSpImm, OLdrSp,
		OLdrSp, OLdpFpLr, OAddSp, ORet,
	}, got)

	ins := f.Blocks[0].Ins

	assert.EqualValues(t, 48, ins[0].Imm, "frame size")
	assert.EqualValues(t, 0, ins[1].Imm, "fp/lr pair at sp")
	assert.EqualValues(t, 32, ins[3].Imm, "x19 save slot on top")
	assert.EqualValues(t, 16, ins[4].Imm, "ss0 above the pair")
	assert.EqualValues(t, 24, ins[5].Imm, "spill slot after function slots")
}

func TestFinishFrameLargeSlot(t *testing.T) {
	f := &asm.Func{Name: "f"}
	b := f.NewBlock()

	f.Slots = []ir.StackSlot{{Size: 1024, Align: 8}}
	f.Append(b, asm.Ins{Op: ORet})

	err := New().Finish(f)
	require.NoError(t, err)

	ins := f.Blocks[0].Ins

	require.Equal(t, OSubSp, ins[0].Op)
	assert.EqualValues(t, 1040, ins[0].Imm)

	require.Equal(t, OStpFpLr, ins[1].Op)
	assert.EqualValues(t, 0, ins[1].Imm, "pair offset stays encodable")

	got := encode(t, ins[1])
	assert.Equal(t, []uint32{0xa9007bfd}, got, "stp x29, x30, [sp]")
}

func TestFinishFrameTooLarge(t *testing.T) {
	f := &asm.Func{Name: "f"}
	b := f.NewBlock()

	f.Slots = []ir.StackSlot{{Size: 1 << 13, Align: 8}}
	f.Append(b, asm.Ins{Op: ORet})

	err := New().Finish(f)
	assert.Error(t, err)
}

func TestLowerFusesCompareBranch(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.I64, ir.I64}, Out: []ir.Type{ir.I64}})
	b0 := f.NewBlock()
	x := f.AddParam(b0, ir.I64)
	y := f.AddParam(b0, ir.I64)
	b1 := f.NewBlock()
	b2 := f.NewBlock()

	c := f.Append(b0, ir.Instr{Op: ir.Icmp, Cond: "slt", Typ: ir.I1, Args: []ir.Value{x, y}})
	f.Append(b0, ir.Instr{Op: ir.Brif, Args: []ir.Value{c}, Targets: []ir.Target{{Blk: b1}, {Blk: b2}}})
	f.Append(b1, ir.Instr{Op: ir.Return, Args: []ir.Value{x}})
	f.Append(b2, ir.Instr{Op: ir.Return, Args: []ir.Value{y}})

	out, err := isel.Lower(context.Background(), New(), f)
	require.NoError(t, err)

	var csets, bconds int

	for _, ins := range out.Blocks[0].Ins {
		switch ins.Op {
		case OCSet:
			csets++
		case OBCond:
			bconds++
			assert.Equal(t, ir.Cond("slt"), ins.Cond)
		}
	}

	assert.Equal(t, 0, csets, "compare must fuse into the branch")
	assert.Equal(t, 1, bconds)
}

func TestNaNCanonLowering(t *testing.T) {
	f := ir.NewFunc("f", ir.Signature{In: []ir.Type{ir.F64, ir.F64}, Out: []ir.Type{ir.F64}})
	b := f.NewBlock()
	x := f.AddParam(b, ir.F64)
	y := f.AddParam(b, ir.F64)

	s := f.Append(b, ir.Instr{Op: ir.Fadd, Typ: ir.F64, Args: []ir.Value{x, y}})
	f.Append(b, ir.Instr{Op: ir.Return, Args: []ir.Value{s}})

	count := func(tg *Target) int {
		out, err := isel.Lower(context.Background(), tg, f)
		require.NoError(t, err)

		n := 0
		for _, ins := range out.Blocks[0].Ins {
			if ins.Op == OFCanon {
				n++
			}
		}

		return n
	}

	assert.Equal(t, 0, count(New()))

	tg := New()
	tg.NaNCanon = true
	assert.Equal(t, 1, count(tg))
}
