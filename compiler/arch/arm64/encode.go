package arm64

import (
	"encoding/binary"

	"tlog.app/go/errors"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/emit"
)

// relocation kinds
const (
	RelocCall26 int32 = iota + 1 // bl, 26-bit branch
	RelocJump26                  // b, 26-bit branch
	RelocAdr21                   // adr, 21-bit pc relative
)

// Encode appends the A64 encoding of one instruction.
//
// Conditional branches start in the one-word form. When the target moves
// out of range the branch is rewritten to an inverted branch over an
// unconditional one and never goes back, so layout converges.
func (t *Target) Encode(b []byte, ins *asm.Ins, off []int32, relocs []emit.Reloc) ([]byte, []emit.Reloc, error) {
	sf := uint32(1) << 31
	if ins.Size == 32 {
		sf = 0
	}

	switch ins.Op {
	case ONop:
		return b, relocs, nil

	case OMov:
		d, s := ins.Defs[0], ins.Uses[0]

		if d.Real == s.Real && d.Class == s.Class {
			return b, relocs, nil
		}

		if d.Class == asm.RegFloat {
			return word(b, 0x1e604000|rx(s)<<5|rx(d)), relocs, nil
		}

		return word(b, 0xaa0003e0|rx(s)<<16|rx(d)), relocs, nil

	case OMovImm:
		return movImm(b, rx(ins.Defs[0]), uint64(ins.Imm)), relocs, nil

	case OAdd:
		return bin3(b, 0x0b000000|sf, ins), relocs, nil
	case OSub:
		return bin3(b, 0x4b000000|sf, ins), relocs, nil
	case OAddImm:
		return word(b, 0x11000000|sf|imm12(ins.Imm)<<10|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
	case OSubImm:
		return word(b, 0x51000000|sf|imm12(ins.Imm)<<10|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil

	case OMul:
		return word(b, 0x1b007c00|sf|rx(ins.Uses[1])<<16|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
	case OMSub:
		return word(b, 0x1b008000|sf|rx(ins.Uses[1])<<16|rx(ins.Uses[2])<<10|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
	case OSDiv:
		return bin3(b, 0x1ac00c00|sf, ins), relocs, nil
	case OUDiv:
		return bin3(b, 0x1ac00800|sf, ins), relocs, nil

	case OAnd:
		return bin3(b, 0x0a000000|sf, ins), relocs, nil
	case OOrr:
		return bin3(b, 0x2a000000|sf, ins), relocs, nil
	case OEor:
		return bin3(b, 0x4a000000|sf, ins), relocs, nil
	case OMvn:
		return word(b, 0x2a200000|sf|rx(ins.Uses[0])<<16|31<<5|rx(ins.Defs[0])), relocs, nil

	case OLsl:
		return bin3(b, 0x1ac02000|sf, ins), relocs, nil
	case OLsr:
		return bin3(b, 0x1ac02400|sf, ins), relocs, nil
	case OAsr:
		return bin3(b, 0x1ac02800|sf, ins), relocs, nil

	case OLslImm:
		size := insBits(ins)
		sh := uint32(ins.Imm) % size

		return bfm(b, false, ins, (size-sh)%size, size-1-sh), relocs, nil
	case OLsrImm:
		size := insBits(ins)

		return bfm(b, false, ins, uint32(ins.Imm)%size, size-1), relocs, nil
	case OAsrImm:
		size := insBits(ins)

		return bfm(b, true, ins, uint32(ins.Imm)%size, size-1), relocs, nil

	case OUxt:
		if ins.Imm >= 64 {
			return word(b, 0xaa0003e0|rx(ins.Uses[0])<<16|rx(ins.Defs[0])), relocs, nil
		}

		return bfm(b, false, ins, 0, uint32(ins.Imm)-1), relocs, nil
	case OSxt:
		return bfm(b, true, ins, 0, uint32(ins.Imm)-1), relocs, nil

	case OCmp:
		return word(b, 0x6b00001f|sf|rx(ins.Uses[1])<<16|rx(ins.Uses[0])<<5), relocs, nil

	case OCSet:
		c, err := condCode(ins)
		if err != nil {
			return b, relocs, err
		}

		return word(b, 0x1a9f07e0|sf|(c^1)<<12|rx(ins.Defs[0])), relocs, nil

	case OCSel:
		c, err := condCode(ins)
		if err != nil {
			return b, relocs, err
		}

		return word(b, 0x1a800000|sf|rx(ins.Uses[1])<<16|c<<12|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil

	case OLdrX, OLdrW, OLdrH, OLdrB, OLdrD, OLdrS:
		base, scale := memBase(ins.Op)

		return word(b, base|uimm(ins.Imm, scale)<<10|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil

	case OStrX, OStrW, OStrH, OStrB, OStrD, OStrS:
		base, scale := memBase(ins.Op)

		return word(b, base|uimm(ins.Imm, scale)<<10|rx(ins.Uses[1])<<5|rx(ins.Uses[0])), relocs, nil

	case OAddSpImm:
		return word(b, 0x91000000|imm12(ins.Imm)<<10|31<<5|rx(ins.Defs[0])), relocs, nil
	case OSubSp:
		return word(b, 0xd1000000|imm12(ins.Imm)<<10|31<<5|31), relocs, nil
	case OAddSp:
		return word(b, 0x91000000|imm12(ins.Imm)<<10|31<<5|31), relocs, nil
	case OSetFp:
		return word(b, 0x91000000|imm12(ins.Imm)<<10|31<<5|29), relocs, nil

	case OStpFpLr:
		return word(b, 0xa9000000|pimm7(ins.Imm)<<15|30<<10|31<<5|29), relocs, nil
	case OLdpFpLr:
		return word(b, 0xa9400000|pimm7(ins.Imm)<<15|30<<10|31<<5|29), relocs, nil

	case OStrSp:
		if ins.Uses[0].Class == asm.RegFloat {
			return word(b, 0xfd000000|uimm(ins.Imm, 8)<<10|31<<5|rx(ins.Uses[0])), relocs, nil
		}

		return word(b, 0xf9000000|uimm(ins.Imm, 8)<<10|31<<5|rx(ins.Uses[0])), relocs, nil
	case OLdrSp:
		if ins.Defs[0].Class == asm.RegFloat {
			return word(b, 0xfd400000|uimm(ins.Imm, 8)<<10|31<<5|rx(ins.Defs[0])), relocs, nil
		}

		return word(b, 0xf9400000|uimm(ins.Imm, 8)<<10|31<<5|rx(ins.Defs[0])), relocs, nil

	case OB:
		delta := off[ins.Blk] - int32(len(b))

		return word(b, 0x14000000|uint32(delta/4)&0x03ffffff), relocs, nil

	case OBCond:
		return t.encodeBCond(b, ins, off, relocs)

	case OBl:
		relocs = append(relocs, emit.Reloc{Off: int32(len(b)), Sym: ins.Sym, Kind: RelocCall26})

		return word(b, 0x94000000), relocs, nil

	case OBSym:
		relocs = append(relocs, emit.Reloc{Off: int32(len(b)), Sym: ins.Sym, Kind: RelocJump26})

		return word(b, 0x14000000), relocs, nil

	case OAdr:
		relocs = append(relocs, emit.Reloc{Off: int32(len(b)), Sym: ins.Sym, Kind: RelocAdr21})

		return word(b, 0x10000000|rx(ins.Defs[0])), relocs, nil

	case ORet:
		return word(b, 0xd65f03c0), relocs, nil

	case OBrk:
		return word(b, 0xd4200000|uint32(ins.Imm&0xffff)<<5), relocs, nil

	case OFAdd:
		return word(b, fbase(0x1e602800, ins)|rx(ins.Uses[1])<<16|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
	case OFSub:
		return word(b, fbase(0x1e603800, ins)|rx(ins.Uses[1])<<16|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
	case OFMul:
		return word(b, fbase(0x1e600800, ins)|rx(ins.Uses[1])<<16|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
	case OFDiv:
		return word(b, fbase(0x1e601800, ins)|rx(ins.Uses[1])<<16|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
	case OFNeg:
		return word(b, fbase(0x1e614000, ins)|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
	case OFCmp:
		return word(b, fbase(0x1e602000, ins)|rx(ins.Uses[1])<<16|rx(ins.Uses[0])<<5), relocs, nil
	case OFMovFromInt:
		if ins.Size == 32 {
			return word(b, 0x1e270000|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil
		}

		return word(b, 0x9e670000|rx(ins.Uses[0])<<5|rx(ins.Defs[0])), relocs, nil

	case OFCanon:
		rd := rx(ins.Defs[0])

		// fcmp rd, rd; b.vc over; load the canonical quiet NaN into x16;
		// fmov rd, x16
		b = word(b, fbase(0x1e602000, ins)|rd<<16|rd<<5)
		b = word(b, 0x54000000|3<<5|7)

		if ins.Size == 32 {
			b = word(b, 0x52800000|1<<21|0x7fc0<<5|16)

			return word(b, 0x1e270000|16<<5|rd), relocs, nil
		}

		b = word(b, 0xd2800000|3<<21|0x7ff8<<5|16)

		return word(b, 0x9e670000|16<<5|rd), relocs, nil
	}

	return b, relocs, errors.New("cannot encode %v", opName(ins.Op))
}

func (t *Target) encodeBCond(b []byte, ins *asm.Ins, off []int32, relocs []emit.Reloc) ([]byte, []emit.Reloc, error) {
	c, err := condCode(ins)
	if err != nil {
		return b, relocs, err
	}

	delta := off[ins.Blk] - int32(len(b))

	if ins.Wide || delta < -1<<20 || delta >= 1<<20 {
		ins.Wide = true

		// inverted condition over an unconditional branch
		b = word(b, 0x54000000|2<<5|(c^1))

		delta = off[ins.Blk] - int32(len(b))

		return word(b, 0x14000000|uint32(delta/4)&0x03ffffff), relocs, nil
	}

	return word(b, 0x54000000|(uint32(delta/4)&0x7ffff)<<5|c), relocs, nil
}

func word(b []byte, w uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, w)
}

func bin3(b []byte, base uint32, ins *asm.Ins) []byte {
	return word(b, base|rx(ins.Uses[1])<<16|rx(ins.Uses[0])<<5|rx(ins.Defs[0]))
}

// bfm encodes UBFM or SBFM with the width of the instruction.
func bfm(b []byte, signed bool, ins *asm.Ins, immr, imms uint32) []byte {
	base := uint32(0x53000000)
	if signed {
		base = 0x13000000
	}

	if ins.Size != 32 {
		base |= 1<<31 | 1<<22 // sf and N
	}

	return word(b, base|immr<<16|imms<<10|rx(ins.Uses[0])<<5|rx(ins.Defs[0]))
}

// movImm materializes a 64-bit constant with movz or movn plus movk.
func movImm(b []byte, rd uint32, x uint64) []byte {
	ones, zeros := 0, 0

	for i := 0; i < 4; i++ {
		switch uint16(x >> (16 * i)) {
		case 0:
			zeros++
		case 0xffff:
			ones++
		}
	}

	if ones > zeros {
		first := true

		for i := 0; i < 4; i++ {
			c := uint16(x >> (16 * i))
			if c == 0xffff {
				continue
			}

			if first {
				b = word(b, 0x92800000|uint32(i)<<21|uint32(^c)<<5|rd)
				first = false
			} else {
				b = word(b, 0xf2800000|uint32(i)<<21|uint32(c)<<5|rd)
			}
		}

		if first {
			b = word(b, 0x92800000|rd) // all ones
		}

		return b
	}

	first := true

	for i := 0; i < 4; i++ {
		c := uint16(x >> (16 * i))
		if c == 0 {
			continue
		}

		if first {
			b = word(b, 0xd2800000|uint32(i)<<21|uint32(c)<<5|rd)
			first = false
		} else {
			b = word(b, 0xf2800000|uint32(i)<<21|uint32(c)<<5|rd)
		}
	}

	if first {
		b = word(b, 0xd2800000|rd) // zero
	}

	return b
}

func fbase(base uint32, ins *asm.Ins) uint32 {
	if ins.Size == 32 {
		return base &^ (1 << 22) // single precision
	}

	return base
}

func memBase(op int32) (uint32, int64) {
	switch op {
	case OLdrX:
		return 0xf9400000, 8
	case OLdrW:
		return 0xb9400000, 4
	case OLdrH:
		return 0x79400000, 2
	case OLdrB:
		return 0x39400000, 1
	case OLdrD:
		return 0xfd400000, 8
	case OLdrS:
		return 0xbd400000, 4
	case OStrX:
		return 0xf9000000, 8
	case OStrW:
		return 0xb9000000, 4
	case OStrH:
		return 0x79000000, 2
	case OStrB:
		return 0x39000000, 1
	case OStrD:
		return 0xfd000000, 8
	}

	return 0xbd000000, 4 // OStrS
}

func insBits(ins *asm.Ins) uint32 {
	if ins.Size == 32 {
		return 32
	}

	return 64
}

// rx returns the physical register number. Virtual registers must not
// survive allocation.
func rx(r asm.Reg) uint32 {
	if r.V >= 0 {
		panic("virtual register at encode")
	}

	return uint32(r.Real)
}

func imm12(x int64) uint32 {
	if x < 0 || x >= 1<<12 {
		panic("immediate out of range")
	}

	return uint32(x)
}

func uimm(x, scale int64) uint32 {
	if x < 0 || x%scale != 0 || x/scale >= 1<<12 {
		panic("memory offset out of range")
	}

	return uint32(x / scale)
}

func pimm7(x int64) uint32 {
	if x < 0 || x%8 != 0 || x/8 >= 64 {
		panic("pair offset out of range")
	}

	return uint32(x / 8)
}

func condCode(ins *asm.Ins) (uint32, error) {
	switch ins.Cond {
	case "eq":
		return 0, nil
	case "ne":
		return 1, nil
	case "uge":
		return 2, nil
	case "ult":
		return 3, nil
	case "fmi": // float less, after fcmp
		return 4, nil
	case "ugt":
		return 8, nil
	case "ule", "fls": // float less-or-equal maps with unsigned low-or-same
		return 9, nil
	case "sge":
		return 10, nil
	case "slt":
		return 11, nil
	case "sgt":
		return 12, nil
	case "sle":
		return 13, nil
	}

	return 0, errors.New("unknown condition %q", ins.Cond)
}
