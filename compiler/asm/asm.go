// Package asm is the machine code representation between instruction
// selection and encoding. Opcodes are target specific, the operand
// surface is not: register allocation and emission see only register
// defs and uses, clobber sets, stack slots and block edges.
package asm

import (
	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
)

type (
	// RegClass separates integer and floating point register files.
	RegClass int8

	// RealReg is a physical register number within its class.
	RealReg int8

	// RegSet is a bitmap of physical registers of one class.
	RegSet uint64

	// Reg is a register operand. Virtual registers are numbered from
	// zero per function. A fixed operand names a physical register
	// directly and its live range must stay short, isel emits moves
	// around the constrained instruction instead of constraining a
	// long-lived value.
	Reg struct {
		V     int32 // virtual register, -1 when fixed
		Real  RealReg
		Class RegClass
	}

	// Ins is one machine instruction. Op is interpreted by the target
	// that produced it.
	Ins struct {
		Op int32

		Defs []Reg
		Uses []Reg

		Imm  int64
		Cond ir.Cond
		Sym  ir.Sym

		// Size is the operation width in bits where the target cares,
		// zero means the full register.
		Size int8

		// branch targets, -1 when not a branch
		Blk  int32
		Blk2 int32

		// Wide marks a branch the encoder already widened to its long
		// form. Encoders set it during layout and never narrow it back.
		Wide bool

		// Slot is a stack slot index for slot-addressed ops, -1 otherwise.
		// Spill slots added by the allocator are numbered after the
		// function's own slots.
		Slot int32

		Call      bool
		Clobbers  RegSet // caller-saved integer registers for calls
		ClobbersF RegSet // caller-saved float registers
	}

	Block struct {
		Ins []Ins

		Succs []int32
		Preds []int32
	}

	// Func is machine code in block layout order.
	Func struct {
		Name string

		Blocks []Block

		NumV int32 // virtual registers used, per class unified numbering

		Slots []ir.StackSlot
		Ext   []ir.ExtRef

		// filled by register allocation
		SpillSlots  int32
		UsedCallee  RegSet
		UsedCalleeF RegSet
	}
)

const (
	RegInt RegClass = iota
	RegFloat
)

const NoReal RealReg = -1

// Virt makes a virtual register operand.
func Virt(v int32, c RegClass) Reg {
	return Reg{V: v, Real: NoReal, Class: c}
}

// Fixed makes a physical register operand.
func Fixed(r RealReg, c RegClass) Reg {
	return Reg{V: -1, Real: r, Class: c}
}

func (r Reg) IsVirt() bool  { return r.V >= 0 }
func (r Reg) IsFixed() bool { return r.V < 0 && r.Real >= 0 }

func (s RegSet) Has(r RealReg) bool  { return s&(1<<r) != 0 }
func (s RegSet) Add(r RealReg) RegSet { return s | 1<<r }
func (s RegSet) Del(r RealReg) RegSet { return s &^ (1 << r) }

func (s RegSet) Count() (n int) {
	for ; s != 0; s &= s - 1 {
		n++
	}

	return n
}

// NewVirt allocates a fresh virtual register.
func (f *Func) NewVirt(c RegClass) Reg {
	r := Virt(f.NumV, c)
	f.NumV++

	return r
}

func (f *Func) NewBlock() int32 {
	f.Blocks = append(f.Blocks, Block{})

	return int32(len(f.Blocks) - 1)
}

func (f *Func) Append(b int32, ins Ins) {
	tlog.V("asm_append").Printw("append ins", "blk", b, "op", ins.Op, "defs", ins.Defs, "uses", ins.Uses, "from", loc.Caller(1))

	f.Blocks[b].Ins = append(f.Blocks[b].Ins, ins)
}

// Edge records a control flow edge between blocks.
func (f *Func) Edge(from, to int32) {
	f.Blocks[from].Succs = append(f.Blocks[from].Succs, to)
	f.Blocks[to].Preds = append(f.Blocks[to].Preds, from)
}

// NumIns counts instructions over all blocks.
func (f *Func) NumIns() (n int) {
	for b := range f.Blocks {
		n += len(f.Blocks[b].Ins)
	}

	return n
}

func (r Reg) String() string {
	if r.IsVirt() {
		if r.Class == RegFloat {
			return string(hfmt.Appendf(nil, "vf%d", r.V))
		}

		return string(hfmt.Appendf(nil, "v%d", r.V))
	}

	if r.Real >= 0 {
		if r.Class == RegFloat {
			return string(hfmt.Appendf(nil, "f%d", r.Real))
		}

		return string(hfmt.Appendf(nil, "r%d", r.Real))
	}

	return "r?"
}

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, r.String())
}
