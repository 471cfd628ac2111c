package arm64

// Machine opcodes. Operand roles follow the A64 assembly order:
// Defs[0] is the destination, Uses are sources left to right.
const (
	ONop int32 = iota

	OMov    // mov Defs[0], Uses[0], int or float by register class
	OMovImm // materialize Imm, movz with movk as needed

	OAdd
	OAddImm // Defs[0] = Uses[0] + Imm, 0 <= Imm < 4096
	OSub
	OSubImm
	OMul
	OMSub // Defs[0] = Uses[2] - Uses[0]*Uses[1]
	OSDiv
	OUDiv

	OAnd
	OOrr
	OEor
	OMvn

	OLsl
	OLsr
	OAsr
	OLslImm
	OLsrImm
	OAsrImm

	OUxt // zero extend from Imm source bits
	OSxt // sign extend from Imm source bits

	OCmp  // flags = Uses[0] - Uses[1]
	OCSet // Defs[0] = Cond ? 1 : 0
	OCSel // Defs[0] = Cond ? Uses[0] : Uses[1]

	OLdrX
	OLdrW
	OLdrH
	OLdrB
	OStrX // str Uses[0], [Uses[1], Imm]
	OStrW
	OStrH
	OStrB
	OLdrD
	OLdrS
	OStrD
	OStrS

	OFAdd
	OFSub
	OFMul
	OFDiv
	OFNeg
	OFCmp
	OFMovFromInt // fmov Defs[0], Uses[0], int to float bit move
	OFCanon      // rewrite Uses[0] to the quiet NaN in Defs[0] when NaN

	// frame pseudo ops, resolved by Finish
	OSlotAddr // Defs[0] = address of stack slot Slot
	OSpill    // Uses[0] -> slot Slot
	OReload   // Defs[0] <- slot Slot

	// frame concrete ops
	OAddSpImm // Defs[0] = sp + Imm
	OSubSp    // sp -= Imm
	OAddSp    // sp += Imm
	OStpFpLr  // stp x29, x30, [sp, Imm]
	OLdpFpLr  // ldp x29, x30, [sp, Imm]
	OSetFp    // add x29, sp, Imm
	OStrSp    // str Uses[0], [sp, Imm]
	OLdrSp    // ldr Defs[0], [sp, Imm]

	OB     // b Blk
	OBCond // b.Cond Blk
	OBl    // bl Sym
	OBSym  // b Sym, tail position
	OTailCall
	OAdr // Defs[0] = address of Sym
	ORet
	OBrk

	opsCount
)

var opNames = [...]string{
	ONop: "nop", OMov: "mov", OMovImm: "movi",
	OAdd: "add", OAddImm: "addi", OSub: "sub", OSubImm: "subi",
	OMul: "mul", OMSub: "msub", OSDiv: "sdiv", OUDiv: "udiv",
	OAnd: "and", OOrr: "orr", OEor: "eor", OMvn: "mvn",
	OLsl: "lsl", OLsr: "lsr", OAsr: "asr",
	OLslImm: "lsli", OLsrImm: "lsri", OAsrImm: "asri",
	OUxt: "uxt", OSxt: "sxt",
	OCmp: "cmp", OCSet: "cset", OCSel: "csel",
	OLdrX: "ldr", OLdrW: "ldrw", OLdrH: "ldrh", OLdrB: "ldrb",
	OStrX: "str", OStrW: "strw", OStrH: "strh", OStrB: "strb",
	OLdrD: "ldrd", OLdrS: "ldrs", OStrD: "strd", OStrS: "strs",
	OFAdd: "fadd", OFSub: "fsub", OFMul: "fmul", OFDiv: "fdiv",
	OFNeg: "fneg", OFCmp: "fcmp", OFMovFromInt: "fmov", OFCanon: "fcanon",
	OSlotAddr: "slot_addr", OSpill: "spill", OReload: "reload",
	OAddSpImm: "addsp", OSubSp: "subsp", OAddSp: "incsp",
	OStpFpLr: "stpfp", OLdpFpLr: "ldpfp", OSetFp: "setfp",
	OStrSp: "strsp", OLdrSp: "ldrsp",
	OB: "b", OBCond: "bcond", OBl: "bl", OBSym: "bsym", OTailCall: "tailcall",
	OAdr: "adr", ORet: "ret", OBrk: "brk",
}

func opName(op int32) string {
	if op >= 0 && op < opsCount && opNames[op] != "" {
		return opNames[op]
	}

	return "op?"
}
