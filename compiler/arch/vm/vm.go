// Package vm targets a portable register bytecode, mostly used to
// exercise the backend without real hardware. The machine has 32
// integer and 32 float registers, a frame pointer maintained by the
// enter/leave instructions and calls that preserve r16-r27 and f16-f27.
package vm

import (
	"encoding/binary"

	"tlog.app/go/errors"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm/regalloc"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/emit"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/isel"
)

type (
	Target struct {
		tbl *isel.Table
	}
)

// bytecode opcodes, one byte each
const (
	VNop int32 = iota

	VMov    // dst, src
	VMovImm // dst, imm8

	VAdd // dst, a, b
	VSub
	VMul
	VSdiv
	VUdiv
	VSrem
	VUrem
	VAnd
	VOr
	VXor
	VNot // dst, a
	VShl
	VLshr
	VAshr

	VCmp    // dst, cond, a, b
	VSelect // dst, c, a, b

	VUext // dst, src, bits
	VSext
	VTrunc

	VFAdd
	VFSub
	VFMul
	VFDiv
	VFNeg
	VFCmp  // dst, cond, a, b
	VFBits // dst(float), src(int)

	VLoad  // dst, base, off4, size
	VStore // src, base, off4, size

	VSlotAddr // dst, off4, frame relative
	VAddr     // dst, addr8, relocated symbol address

	VEnter // frame4
	VLeave
	VSpill  // src, off4
	VReload // dst, off4

	VCall // sym4, relocated
	VJmp  // off4, function relative
	VBrnz // c, off4
	VRet
	VTrap // code byte

	VTailCall
)

// relocation kinds
const (
	RelocFunc int32 = iota + 1 // 32-bit function index in VCall
	RelocAddr                  // 64-bit symbol address in VAddr
)

const (
	intArgRegs   = 8
	floatArgRegs = 8

	clobInt   asm.RegSet = 0xffff // r0-r15
	clobFloat asm.RegSet = 0xffff
)

func New() *Target {
	t := &Target{}
	t.tbl = buildTable()

	return t
}

func (t *Target) Name() string { return "vm" }

func (t *Target) RegInfo() regalloc.RegisterInfo {
	var info regalloc.RegisterInfo

	// caller-saved r0-r15 first, preserved r16-r27 after
	for r := asm.RealReg(0); r < 28; r++ {
		info.AllocatableInt = append(info.AllocatableInt, r)
		info.AllocatableFloat = append(info.AllocatableFloat, r)

		if r >= 16 {
			info.CalleeSavedInt = info.CalleeSavedInt.Add(r)
			info.CalleeSavedFloat = info.CalleeSavedFloat.Add(r)
		}
	}

	info.ScratchInt = [2]asm.RealReg{28, 29}
	info.ScratchFloat = [2]asm.RealReg{28, 29}

	return info
}

func (t *Target) Move(dst, src asm.Reg) asm.Ins {
	return asm.Ins{Op: VMov, Defs: []asm.Reg{dst}, Uses: []asm.Reg{src}, Blk: -1, Blk2: -1, Slot: -1}
}

func (t *Target) Jump(blk int32) asm.Ins {
	return asm.Ins{Op: VJmp, Blk: blk, Blk2: -1, Slot: -1}
}

func (t *Target) Spill(src asm.Reg, slot int32) asm.Ins {
	return asm.Ins{Op: VSpill, Uses: []asm.Reg{src}, Slot: slot, Blk: -1, Blk2: -1}
}

func (t *Target) Reload(dst asm.Reg, slot int32) asm.Ins {
	return asm.Ins{Op: VReload, Defs: []asm.Reg{dst}, Slot: slot, Blk: -1, Blk2: -1}
}

// Finish lays out the frame and expands the frame pseudo ops. Calls
// preserve the upper register files, so only enter/leave bracket the
// body.
func (t *Target) Finish(f *asm.Func) error {
	slotOff := make([]int32, len(f.Slots)+int(f.SpillSlots))
	off := int32(0)

	for i, s := range f.Slots {
		a := s.Align
		if a <= 0 {
			a = 8
		}

		off = (off + a - 1) &^ (a - 1)
		slotOff[i] = off
		off += s.Size
	}

	off = (off + 7) &^ 7

	for i := int32(0); i < f.SpillSlots; i++ {
		slotOff[len(f.Slots)+int(i)] = off
		off += 8
	}

	frame := (off + 15) &^ 15

	for b := range f.Blocks {
		var out []asm.Ins

		if b == 0 {
			out = append(out, asm.Ins{Op: VEnter, Imm: int64(frame)})
		}

		for _, ins := range f.Blocks[b].Ins {
			switch ins.Op {
			case VSlotAddr, VSpill, VReload:
				ins.Imm = int64(slotOff[ins.Slot])
			case VRet, VTailCall:
				out = append(out, asm.Ins{Op: VLeave})
			}

			out = append(out, ins)
		}

		f.Blocks[b].Ins = out
	}

	return nil
}

// Encode appends the bytecode of one instruction. All branch forms are
// fixed width, so layout settles on the second pass.
func (t *Target) Encode(b []byte, ins *asm.Ins, off []int32, relocs []emit.Reloc) ([]byte, []emit.Reloc, error) {
	op := byte(ins.Op)

	switch ins.Op {
	case VNop:
		return b, relocs, nil

	case VMov:
		if ins.Defs[0].Real == ins.Uses[0].Real && ins.Defs[0].Class == ins.Uses[0].Class {
			return b, relocs, nil
		}

		return append(b, op, reg(ins.Defs[0]), reg(ins.Uses[0])), relocs, nil

	case VMovImm:
		b = append(b, op, reg(ins.Defs[0]))

		return binary.LittleEndian.AppendUint64(b, uint64(ins.Imm)), relocs, nil

	case VAdd, VSub, VMul, VSdiv, VUdiv, VSrem, VUrem,
		VAnd, VOr, VXor, VShl, VLshr, VAshr,
		VFAdd, VFSub, VFMul, VFDiv:
		return append(b, op, reg(ins.Defs[0]), reg(ins.Uses[0]), reg(ins.Uses[1])), relocs, nil

	case VNot, VFNeg, VFBits:
		return append(b, op, reg(ins.Defs[0]), reg(ins.Uses[0])), relocs, nil

	case VCmp, VFCmp:
		c, err := condByte(ins)
		if err != nil {
			return b, relocs, err
		}

		return append(b, op, reg(ins.Defs[0]), c, reg(ins.Uses[0]), reg(ins.Uses[1])), relocs, nil

	case VSelect:
		return append(b, op, reg(ins.Defs[0]), reg(ins.Uses[0]), reg(ins.Uses[1]), reg(ins.Uses[2])), relocs, nil

	case VUext, VSext, VTrunc:
		return append(b, op, reg(ins.Defs[0]), reg(ins.Uses[0]), byte(ins.Imm)), relocs, nil

	case VLoad:
		b = append(b, op, reg(ins.Defs[0]), reg(ins.Uses[0]))
		b = binary.LittleEndian.AppendUint32(b, uint32(ins.Imm))

		return append(b, byte(ins.Size)), relocs, nil

	case VStore:
		b = append(b, op, reg(ins.Uses[0]), reg(ins.Uses[1]))
		b = binary.LittleEndian.AppendUint32(b, uint32(ins.Imm))

		return append(b, byte(ins.Size)), relocs, nil

	case VSlotAddr:
		b = append(b, op, reg(ins.Defs[0]))

		return binary.LittleEndian.AppendUint32(b, uint32(ins.Imm)), relocs, nil

	case VAddr:
		b = append(b, op, reg(ins.Defs[0]))
		relocs = append(relocs, emit.Reloc{Off: int32(len(b)), Sym: ins.Sym, Kind: RelocAddr})

		return binary.LittleEndian.AppendUint64(b, 0), relocs, nil

	case VEnter:
		return binary.LittleEndian.AppendUint32(append(b, op), uint32(ins.Imm)), relocs, nil

	case VLeave, VRet:
		return append(b, op), relocs, nil

	case VSpill:
		return binary.LittleEndian.AppendUint32(append(b, op, reg(ins.Uses[0])), uint32(ins.Imm)), relocs, nil

	case VReload:
		return binary.LittleEndian.AppendUint32(append(b, op, reg(ins.Defs[0])), uint32(ins.Imm)), relocs, nil

	case VCall, VTailCall:
		relocs = append(relocs, emit.Reloc{Off: int32(len(b) + 1), Sym: ins.Sym, Kind: RelocFunc})

		return binary.LittleEndian.AppendUint32(append(b, op), 0), relocs, nil

	case VJmp:
		return binary.LittleEndian.AppendUint32(append(b, op), uint32(off[ins.Blk])), relocs, nil

	case VBrnz:
		b = append(b, op, reg(ins.Uses[0]))

		return binary.LittleEndian.AppendUint32(b, uint32(off[ins.Blk])), relocs, nil

	case VTrap:
		return append(b, op, byte(ins.Imm)), relocs, nil
	}

	return b, relocs, errors.New("cannot encode vm op %d", ins.Op)
}

func reg(r asm.Reg) byte {
	if r.V >= 0 {
		panic("virtual register at encode")
	}

	if r.Class == asm.RegFloat {
		return byte(r.Real) | 0x80
	}

	return byte(r.Real)
}

func condByte(ins *asm.Ins) (byte, error) {
	switch ins.Cond {
	case "eq":
		return 0, nil
	case "ne":
		return 1, nil
	case "slt", "lt":
		return 2, nil
	case "sle", "le":
		return 3, nil
	case "sgt", "gt":
		return 4, nil
	case "sge", "ge":
		return 5, nil
	case "ult":
		return 6, nil
	case "ule":
		return 7, nil
	case "ugt":
		return 8, nil
	case "uge":
		return 9, nil
	}

	return 0, errors.New("unknown condition %q", ins.Cond)
}
