// Package arm64 is the AArch64 backend: lowering patterns, the AAPCS64
// calling convention and the A64 instruction encoder.
package arm64

import (
	"tlog.app/go/errors"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm/regalloc"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/isel"
)

type (
	// Target implements the backend interfaces of isel, regalloc and emit.
	Target struct {
		// FramePointer keeps x29 pointing at the saved pair even in
		// functions that would not otherwise need it.
		FramePointer bool

		// NaNCanon canonicalizes NaN results of float arithmetic.
		NaNCanon bool

		tbl *isel.Table
	}
)

// register numbers
const (
	X0  asm.RealReg = 0
	X8  asm.RealReg = 8
	X16 asm.RealReg = 16 // scratch, IP0
	X17 asm.RealReg = 17 // scratch, IP1
	X18 asm.RealReg = 18 // platform register, untouched
	X19 asm.RealReg = 19
	X28 asm.RealReg = 28
	FP  asm.RealReg = 29
	LR  asm.RealReg = 30
	SP  asm.RealReg = 31
	XZR asm.RealReg = 31

	D0  asm.RealReg = 0
	D8  asm.RealReg = 8
	D30 asm.RealReg = 30 // scratch
	D31 asm.RealReg = 31 // scratch
)

const (
	intArgRegs   = 8 // x0-x7
	floatArgRegs = 8 // d0-d7
)

// caller saved sets, what a call clobbers
const (
	clobInt   asm.RegSet = 0x0003ffff // x0-x17
	clobFloat asm.RegSet = 0xffff00ff // d0-d7, d16-d31
)

func New() *Target {
	t := &Target{
		FramePointer: true,
	}

	t.tbl = t.buildTable()

	return t
}

func (t *Target) Name() string { return "arm64" }

// RegInfo describes the allocatable file. Caller-saved registers come
// first so short-lived values avoid callee-saved save/restore cost.
func (t *Target) RegInfo() regalloc.RegisterInfo {
	var info regalloc.RegisterInfo

	for r := X0; r <= 15; r++ {
		info.AllocatableInt = append(info.AllocatableInt, r)
	}

	for r := X19; r <= X28; r++ {
		info.AllocatableInt = append(info.AllocatableInt, r)
		info.CalleeSavedInt = info.CalleeSavedInt.Add(r)
	}

	for r := D0; r <= 7; r++ {
		info.AllocatableFloat = append(info.AllocatableFloat, r)
	}

	for r := asm.RealReg(16); r <= 29; r++ {
		info.AllocatableFloat = append(info.AllocatableFloat, r)
	}

	for r := D8; r <= 15; r++ {
		info.AllocatableFloat = append(info.AllocatableFloat, r)
		info.CalleeSavedFloat = info.CalleeSavedFloat.Add(r)
	}

	info.ScratchInt = [2]asm.RealReg{X16, X17}
	info.ScratchFloat = [2]asm.RealReg{D30, D31}

	return info
}

func (t *Target) Move(dst, src asm.Reg) asm.Ins {
	return asm.Ins{Op: OMov, Defs: []asm.Reg{dst}, Uses: []asm.Reg{src}, Blk: -1, Blk2: -1, Slot: -1}
}

func (t *Target) Jump(blk int32) asm.Ins {
	return asm.Ins{Op: OB, Blk: blk, Blk2: -1, Slot: -1}
}

func (t *Target) Spill(src asm.Reg, slot int32) asm.Ins {
	return asm.Ins{Op: OSpill, Uses: []asm.Reg{src}, Slot: slot, Blk: -1, Blk2: -1}
}

func (t *Target) Reload(dst asm.Reg, slot int32) asm.Ins {
	return asm.Ins{Op: OReload, Defs: []asm.Reg{dst}, Slot: slot, Blk: -1, Blk2: -1}
}

// Finish runs after register allocation: it lays out the frame, expands
// the frame pseudo ops and wraps the body in prologue and epilogue.
//
// Frame, growing down from the incoming sp:
//
//	callee-saved spills   highest addresses
//	allocator spill slots
//	function stack slots
//	[x29, x30]            saved pair at sp, new x29 points here
//
// The pair sits at sp itself, so the stp/ldp offset is always zero and
// the frame size is limited only by the sub/add immediate. The pair
// offset field holds seven bits and would overflow past 504 bytes.
func (t *Target) Finish(f *asm.Func) error {
	slotOff := make([]int32, len(f.Slots)+int(f.SpillSlots))
	off := int32(16) // the fp/lr pair below

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

	var saved []asm.Reg

	for r := X19; r <= X28; r++ {
		if f.UsedCallee.Has(r) {
			saved = append(saved, asm.Fixed(r, asm.RegInt))
		}
	}

	for r := D8; r <= 15; r++ {
		if f.UsedCalleeF.Has(r) {
			saved = append(saved, asm.Fixed(r, asm.RegFloat))
		}
	}

	saveOff := off
	off += int32(len(saved)) * 8

	frame := (off + 15) &^ 15

	if frame >= 1<<12 {
		return errors.New("frame too large: %d bytes", frame)
	}

	prologue := []asm.Ins{
		{Op: OSubSp, Imm: int64(frame)},
		{Op: OStpFpLr},
	}

	if t.FramePointer {
		prologue = append(prologue, asm.Ins{Op: OSetFp})
	}

	for i, r := range saved {
		prologue = append(prologue, asm.Ins{Op: OStrSp, Uses: []asm.Reg{r}, Imm: int64(saveOff + int32(i)*8)})
	}

	epilogue := make([]asm.Ins, 0, len(saved)+2)

	for i, r := range saved {
		epilogue = append(epilogue, asm.Ins{Op: OLdrSp, Defs: []asm.Reg{r}, Imm: int64(saveOff + int32(i)*8)})
	}

	epilogue = append(epilogue,
		asm.Ins{Op: OLdpFpLr},
		asm.Ins{Op: OAddSp, Imm: int64(frame)},
	)

	for b := range f.Blocks {
		var out []asm.Ins

		if b == 0 {
			out = append(out, prologue...)
		}

		for _, ins := range f.Blocks[b].Ins {
			switch ins.Op {
			case OSlotAddr:
				ins.Op = OAddSpImm
				ins.Imm = int64(slotOff[ins.Slot])
			case OSpill:
				ins.Op = OStrSp
				ins.Imm = int64(slotOff[ins.Slot])
			case OReload:
				ins.Op = OLdrSp
				ins.Imm = int64(slotOff[ins.Slot])
			case ORet:
				out = append(out, epilogue...)
			case OTailCall:
				out = append(out, epilogue...)
				ins.Op = OBSym
			}

			out = append(out, ins)
		}

		f.Blocks[b].Ins = out
	}

	return nil
}
