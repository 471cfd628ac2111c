package ir

import "tlog.app/go/tlog/tlwire"

type (
	// Value is an SSA definition: a block parameter or an instruction result.
	Value int32

	// Block indexes Func.Blocks.
	Block int32

	// Type is one of the closed set of value types.
	Type int8

	// Op is an instruction opcode.
	Op int8

	// Cond is a comparison condition for Icmp/Fcmp.
	Cond string

	// Sym indexes Func.Ext.
	Sym int32

	Signature struct {
		In  []Type
		Out []Type
	}

	// StackSlot is an explicit stack allocation owned by the function.
	StackSlot struct {
		Size  int32
		Align int32
	}

	// ExtRef is an external function or data symbol referenced by the function.
	ExtRef struct {
		Name string
		Func bool
		Sig  Signature
	}

	// Target is a branch edge with values for the destination block parameters.
	Target struct {
		Blk  Block
		Args []Value
	}

	Instr struct {
		Op   Op
		Args []Value
		Imm  int64
		Cond Cond
		Typ  Type // type of the first result
		Sym  Sym  // external reference for Call/TailCall/FuncAddr

		Targets []Target // branch edges for Jump/Brif

		Ret  Value // first result, None if arity 0
		Ret2 Value // second result, None unless arity 2
	}

	// ValDef locates the definition of a Value.
	ValDef struct {
		Typ   Type
		Blk   Block
		Instr int32 // index into Func.Instrs, -1 for block parameters
	}

	BlockData struct {
		Params []Value
		Code   []int32 // indices into Func.Instrs, terminator last
	}

	Func struct {
		Name string
		Sig  Signature

		Blocks []BlockData
		Instrs []Instr
		Vals   []ValDef

		Slots []StackSlot
		Ext   []ExtRef
	}
)

const (
	None Value = -1
	NoBlock Block = -1
	NoSym Sym = -1
)

const (
	TypeNone Type = iota
	I1
	I8
	I16
	I32
	I64
	I128
	F32
	F64
	V128
)

const (
	Nop Op = iota

	Iconst
	F32const
	F64const

	Iadd
	Isub
	Imul
	Sdiv
	Udiv
	Srem
	Urem

	Band
	Bor
	Bxor
	Bnot

	Ishl
	Ushr
	Sshr

	Icmp

	Uextend
	Sextend
	Ireduce

	Fadd
	Fsub
	Fmul
	Fdiv
	Fneg
	Fcmp

	Select

	StackAddr
	FuncAddr

	Load
	Store

	Call

	Jump
	Brif
	Return
	TailCall
	Trap

	opsCount
)

var opNames = [...]string{
	Nop:      "nop",
	Iconst:   "iconst",
	F32const: "f32const",
	F64const: "f64const",
	Iadd:     "iadd",
	Isub:     "isub",
	Imul:     "imul",
	Sdiv:     "sdiv",
	Udiv:     "udiv",
	Srem:     "srem",
	Urem:     "urem",
	Band:     "band",
	Bor:      "bor",
	Bxor:     "bxor",
	Bnot:     "bnot",
	Ishl:     "ishl",
	Ushr:     "ushr",
	Sshr:     "sshr",
	Icmp:     "icmp",
	Uextend:  "uextend",
	Sextend:  "sextend",
	Ireduce:  "ireduce",
	Fadd:     "fadd",
	Fsub:     "fsub",
	Fmul:     "fmul",
	Fdiv:     "fdiv",
	Fneg:     "fneg",
	Fcmp:     "fcmp",
	Select:   "select",

	StackAddr: "stack_addr",
	FuncAddr:  "func_addr",

	Load:  "load",
	Store: "store",

	Call: "call",

	Jump:     "jump",
	Brif:     "brif",
	Return:   "return",
	TailCall: "tail_call",
	Trap:     "trap",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}

	return "op?"
}

// Pure reports whether the instruction is referentially transparent:
// safe to deduplicate, rematerialize and reorder.
func (o Op) Pure() bool {
	switch o {
	case Load, Store, Call, TailCall, Trap, Jump, Brif, Return:
		return false
	}

	return true
}

func (o Op) Terminator() bool {
	switch o {
	case Jump, Brif, Return, TailCall, Trap:
		return true
	}

	return false
}

func (t Type) String() string {
	switch t {
	case I1:
		return "i1"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case I128:
		return "i128"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case V128:
		return "v128"
	}

	return "none"
}

// Bits is the width of the type in bits.
func (t Type) Bits() int {
	switch t {
	case I1:
		return 1
	case I8:
		return 8
	case I16:
		return 16
	case I32:
		return 32
	case I64:
		return 64
	case I128, V128:
		return 128
	case F32:
		return 32
	case F64:
		return 64
	}

	return 0
}

func (t Type) Float() bool { return t == F32 || t == F64 }

func TypeByName(s string) Type {
	for t := I1; t <= V128; t++ {
		if t.String() == s {
			return t
		}
	}

	return TypeNone
}

func OpByName(s string) Op {
	for o := Nop; o < opsCount; o++ {
		if o.String() == s {
			return o
		}
	}

	return -1
}

func NewFunc(name string, sig Signature) *Func {
	return &Func{
		Name: name,
		Sig:  sig,
	}
}

func (f *Func) NewBlock() Block {
	b := Block(len(f.Blocks))
	f.Blocks = append(f.Blocks, BlockData{})

	return b
}

// AddParam appends a typed parameter value to the block.
func (f *Func) AddParam(b Block, typ Type) Value {
	v := f.newValue(typ, b, -1)
	f.Blocks[b].Params = append(f.Blocks[b].Params, v)

	return v
}

// Append adds the instruction to the block and allocates its results.
// It returns the first result or None.
func (f *Func) Append(b Block, ins Instr) Value {
	i := int32(len(f.Instrs))

	if ins.Typ != TypeNone && !ins.Op.Terminator() && ins.Op != Store {
		ins.Ret = f.newValue(ins.Typ, b, i)
	} else {
		ins.Ret = None
	}

	ins.Ret2 = None

	f.Instrs = append(f.Instrs, ins)
	f.Blocks[b].Code = append(f.Blocks[b].Code, i)

	return f.Instrs[i].Ret
}

// AddRet2 allocates a second result for the instruction.
func (f *Func) AddRet2(i int32, typ Type) Value {
	v := f.newValue(typ, f.Vals[f.Instrs[i].Ret].Blk, i)
	f.Instrs[i].Ret2 = v

	return v
}

func (f *Func) AddExt(x ExtRef) Sym {
	for i, e := range f.Ext {
		if e.Name == x.Name {
			return Sym(i)
		}
	}

	f.Ext = append(f.Ext, x)

	return Sym(len(f.Ext) - 1)
}

func (f *Func) TypeOf(v Value) Type {
	return f.Vals[v].Typ
}

// DefInstr returns the instruction defining v, or nil for block parameters.
func (f *Func) DefInstr(v Value) *Instr {
	i := f.Vals[v].Instr
	if i < 0 {
		return nil
	}

	return &f.Instrs[i]
}

// Terminator returns the final control-flow instruction of the block.
func (f *Func) Terminator(b Block) *Instr {
	code := f.Blocks[b].Code
	if len(code) == 0 {
		return nil
	}

	return &f.Instrs[code[len(code)-1]]
}

// Succs returns the successor blocks derived from the terminator.
func (f *Func) Succs(b Block) []Block {
	t := f.Terminator(b)
	if t == nil {
		return nil
	}

	r := make([]Block, len(t.Targets))

	for i, tg := range t.Targets {
		r[i] = tg.Blk
	}

	return r
}

// Preds derives predecessor lists for all blocks.
func (f *Func) Preds() [][]Block {
	r := make([][]Block, len(f.Blocks))

	for b := range f.Blocks {
		for _, s := range f.Succs(Block(b)) {
			r[s] = append(r[s], Block(b))
		}
	}

	return r
}

// RefCounts returns the number of uses of each value,
// counting branch arguments.
func (f *Func) RefCounts() []int {
	r := make([]int, len(f.Vals))

	for i := range f.Instrs {
		ins := &f.Instrs[i]

		for _, a := range ins.Args {
			r[a]++
		}

		for _, tg := range ins.Targets {
			for _, a := range tg.Args {
				r[a]++
			}
		}
	}

	return r
}

func (f *Func) newValue(typ Type, b Block, instr int32) Value {
	v := Value(len(f.Vals))
	f.Vals = append(f.Vals, ValDef{
		Typ:   typ,
		Blk:   b,
		Instr: instr,
	})

	return v
}

func (v Value) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendInt(b, int(v))
}
