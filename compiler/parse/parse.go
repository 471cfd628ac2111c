// Package parse reads the line-oriented textual form of IR functions
// used by test fixtures and the command line tool.
//
//	function %name(i64, i64) -> i64 {
//	block0(v0: i64, v1: i64):
//		v2 = iadd v0, v1
//		return v2
//	}
//
// It is a testing surface, not a production wire format.
package parse

import (
	"context"
	"strconv"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
)

type (
	parser struct {
		b []byte
		i int

		f    *ir.Func
		blk  ir.Block
		vals map[string]ir.Value
	}
)

// Funcs parses all functions in the text.
func Funcs(ctx context.Context, b []byte) (fns []*ir.Func, err error) {
	p := &parser{b: b}

	for {
		p.space()

		if p.i == len(p.b) {
			break
		}

		f, err := p.function()
		if err != nil {
			return nil, errors.Wrap(err, "at offset %d (line %d)", p.i, p.line())
		}

		fns = append(fns, f)
	}

	tlog.SpanFromContext(ctx).V("parse").Printw("parsed functions", "funcs", len(fns))

	return fns, nil
}

// Func parses exactly one function.
func Func(ctx context.Context, b []byte) (*ir.Func, error) {
	fns, err := Funcs(ctx, b)
	if err != nil {
		return nil, err
	}

	if len(fns) != 1 {
		return nil, errors.New("expected one function, got %d", len(fns))
	}

	return fns[0], nil
}

func (p *parser) function() (f *ir.Func, err error) {
	if !p.word("function") {
		return nil, errors.New("expected function")
	}

	name, ok := p.symbol()
	if !ok {
		return nil, errors.New("expected %%name")
	}

	var sig ir.Signature

	if !p.lit('(') {
		return nil, errors.New("expected (")
	}

	for !p.lit(')') {
		t, ok := p.typ()
		if !ok {
			return nil, errors.New("expected param type")
		}

		sig.In = append(sig.In, t)
		p.lit(',')
	}

	if p.word("->") {
		for {
			t, ok := p.typ()
			if !ok {
				return nil, errors.New("expected result type")
			}

			sig.Out = append(sig.Out, t)

			if !p.lit(',') {
				break
			}
		}
	}

	if !p.lit('{') {
		return nil, errors.New("expected {")
	}

	p.f = ir.NewFunc(name, sig)
	p.vals = map[string]ir.Value{}

	for {
		p.space()

		if p.lit('}') {
			break
		}

		if p.i == len(p.b) {
			return nil, errors.New("unexpected eof")
		}

		err = p.line2()
		if err != nil {
			return nil, err
		}
	}

	return p.f, nil
}

func (p *parser) line2() (err error) {
	if st := p.i; p.word("ss") {
		ok := p.i < len(p.b) && isDigit(p.b[p.i])
		p.i = st

		if ok {
			return p.slot()
		}
	}

	if st := p.i; p.word("block") {
		p.i = st
		return p.blockHead()
	}

	return p.instr()
}

func (p *parser) slot() error {
	p.word("ss")

	_, ok := p.number()
	if !ok {
		return errors.New("expected slot index")
	}

	if !p.lit('=') || !p.word("slot") {
		return errors.New("expected = slot")
	}

	size, ok := p.number()
	if !ok {
		return errors.New("expected slot size")
	}

	align := int64(8)

	if p.lit(',') {
		if !p.word("align") {
			return errors.New("expected align")
		}

		align, ok = p.number()
		if !ok {
			return errors.New("expected alignment")
		}
	}

	p.f.Slots = append(p.f.Slots, ir.StackSlot{Size: int32(size), Align: int32(align)})

	return nil
}

func (p *parser) blockHead() error {
	p.word("block")

	n, ok := p.number()
	if !ok {
		return errors.New("expected block number")
	}

	b := p.f.NewBlock()
	if int64(b) != n {
		return errors.New("blocks must be numbered in order: got block%d, expected block%d", n, b)
	}

	p.blk = b

	if p.lit('(') {
		for !p.lit(')') {
			vn, ok := p.value()
			if !ok {
				return errors.New("expected block param")
			}

			if !p.lit(':') {
				return errors.New("expected : type")
			}

			t, ok := p.typ()
			if !ok {
				return errors.New("expected param type")
			}

			v := p.f.AddParam(b, t)
			p.vals[vn] = v

			p.lit(',')
		}
	}

	if !p.lit(':') {
		return errors.New("expected :")
	}

	return nil
}

func (p *parser) instr() (err error) {
	if len(p.f.Blocks) == 0 {
		return errors.New("instruction outside of a block")
	}

	var rets []string

	if st := p.i; p.peekValue() {
		for {
			vn, _ := p.value()
			rets = append(rets, vn)

			if !p.lit(',') {
				break
			}
		}

		if !p.lit('=') {
			// an instruction like "store v0, v1" starts with a value too
			rets = nil
			p.i = st
		}
	}

	opn, ok := p.ident()
	if !ok {
		return errors.New("expected opcode")
	}

	var ins ir.Instr

	if j := indexByte(opn, '.'); j >= 0 {
		ins.Typ = ir.TypeByName(opn[j+1:])
		if ins.Typ == ir.TypeNone {
			return errors.New("bad type suffix: %v", opn)
		}

		opn = opn[:j]
	}

	ins.Op = ir.OpByName(opn)
	if ins.Op < 0 {
		return errors.New("unknown opcode: %v", opn)
	}

	ins.Sym = ir.NoSym

	err = p.operands(&ins)
	if err != nil {
		return errors.Wrap(err, "%v", opn)
	}

	p.inferType(&ins)

	ret := p.f.Append(p.blk, ins)

	if len(rets) != 0 {
		if ret == ir.None {
			return errors.New("%v has no result", opn)
		}

		p.vals[rets[0]] = ret

		if len(rets) > 1 {
			return errors.New("multiple results are not expressible: %v", opn)
		}
	}

	return nil
}

func (p *parser) operands(ins *ir.Instr) error {
	switch ins.Op {
	case ir.Iconst, ir.F32const, ir.F64const:
		n, ok := p.number()
		if !ok {
			return errors.New("expected immediate")
		}

		ins.Imm = n

		return nil
	case ir.StackAddr:
		if !p.word("ss") {
			return errors.New("expected stack slot")
		}

		n, ok := p.number()
		if !ok || n >= int64(len(p.f.Slots)) {
			return errors.New("bad stack slot")
		}

		ins.Imm = n
		ins.Typ = ir.I64

		return nil
	case ir.FuncAddr, ir.Call, ir.TailCall:
		name, ok := p.symbol()
		if !ok {
			return errors.New("expected %%name")
		}

		ins.Sym = p.f.AddExt(ir.ExtRef{Name: name, Func: true})

		if ins.Op == ir.FuncAddr {
			ins.Typ = ir.I64
			return nil
		}

		if !p.lit('(') {
			return errors.New("expected (")
		}

		for !p.lit(')') {
			v, err := p.useValue()
			if err != nil {
				return err
			}

			ins.Args = append(ins.Args, v)
			p.lit(',')
		}

		return nil
	case ir.Icmp, ir.Fcmp:
		cond, ok := p.ident()
		if !ok {
			return errors.New("expected condition")
		}

		ins.Cond = ir.Cond(cond)
		p.lit(',')
	case ir.Trap:
		return nil
	case ir.Jump, ir.Brif:
		if ins.Op == ir.Brif {
			v, err := p.useValue()
			if err != nil {
				return err
			}

			ins.Args = append(ins.Args, v)
			p.lit(',')
		}

		for {
			tg, err := p.target()
			if err != nil {
				return err
			}

			ins.Targets = append(ins.Targets, tg)

			if !p.lit(',') {
				break
			}
		}

		return nil
	}

	for p.peekValue() {
		v, err := p.useValue()
		if err != nil {
			return err
		}

		ins.Args = append(ins.Args, v)

		if !p.lit(',') {
			return nil
		}
	}

	// trailing immediate (load/store offset, shift amount and the like)
	if n, ok := p.number(); ok {
		ins.Imm = n
	}

	return nil
}

func (p *parser) target() (tg ir.Target, err error) {
	if !p.word("block") {
		return tg, errors.New("expected block target")
	}

	n, ok := p.number()
	if !ok {
		return tg, errors.New("expected block number")
	}

	tg.Blk = ir.Block(n)

	if p.lit('(') {
		for !p.lit(')') {
			v, err := p.useValue()
			if err != nil {
				return tg, err
			}

			tg.Args = append(tg.Args, v)
			p.lit(',')
		}
	}

	return tg, nil
}

func (p *parser) inferType(ins *ir.Instr) {
	if ins.Typ != ir.TypeNone {
		return
	}

	switch ins.Op {
	case ir.F32const:
		ins.Typ = ir.F32
	case ir.F64const:
		ins.Typ = ir.F64
	case ir.Icmp, ir.Fcmp:
		ins.Typ = ir.I1
	case ir.Call:
		if sig := p.f.Ext[ins.Sym].Sig; len(sig.Out) != 0 {
			ins.Typ = sig.Out[0]
		} else {
			ins.Typ = ir.I64
		}
	default:
		if len(ins.Args) != 0 && !ins.Op.Terminator() && ins.Op != ir.Store {
			ins.Typ = p.f.TypeOf(ins.Args[0])
		}
	}
}

func (p *parser) useValue() (ir.Value, error) {
	vn, ok := p.value()
	if !ok {
		return ir.None, errors.New("expected value")
	}

	v, ok := p.vals[vn]
	if !ok {
		return ir.None, errors.New("undefined value: %v", vn)
	}

	return v, nil
}

// scanning helpers

func (p *parser) space() {
	for p.i < len(p.b) {
		c := p.b[p.i]

		if c == ';' || c == '#' {
			for p.i < len(p.b) && p.b[p.i] != '\n' {
				p.i++
			}

			continue
		}

		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			break
		}

		p.i++
	}
}

func (p *parser) lit(c byte) bool {
	p.space()

	if p.i < len(p.b) && p.b[p.i] == c {
		p.i++
		return true
	}

	return false
}

func (p *parser) word(w string) bool {
	p.space()

	if p.i+len(w) <= len(p.b) && string(p.b[p.i:p.i+len(w)]) == w {
		p.i += len(w)
		return true
	}

	return false
}

func (p *parser) ident() (string, bool) {
	p.space()

	st := p.i

	for p.i < len(p.b) && (isAlnum(p.b[p.i]) || p.b[p.i] == '_' || p.b[p.i] == '.') {
		p.i++
	}

	if p.i == st {
		return "", false
	}

	return string(p.b[st:p.i]), true
}

func (p *parser) symbol() (string, bool) {
	if !p.lit('%') {
		return "", false
	}

	return p.ident()
}

func (p *parser) typ() (ir.Type, bool) {
	st := p.i

	w, ok := p.ident()
	if !ok {
		return ir.TypeNone, false
	}

	t := ir.TypeByName(w)
	if t == ir.TypeNone {
		p.i = st
		return ir.TypeNone, false
	}

	return t, true
}

func (p *parser) value() (string, bool) {
	p.space()

	if p.i >= len(p.b) || p.b[p.i] != 'v' {
		return "", false
	}

	st := p.i
	p.i++

	for p.i < len(p.b) && isDigit(p.b[p.i]) {
		p.i++
	}

	if p.i == st+1 {
		p.i = st
		return "", false
	}

	return string(p.b[st:p.i]), true
}

func (p *parser) peekValue() bool {
	st := p.i
	_, ok := p.value()
	p.i = st

	return ok
}

func (p *parser) number() (int64, bool) {
	p.space()

	st := p.i

	if p.i < len(p.b) && p.b[p.i] == '-' {
		p.i++
	}

	if p.i+1 < len(p.b) && p.b[p.i] == '0' && p.b[p.i+1] == 'x' {
		p.i += 2

		for p.i < len(p.b) && isHex(p.b[p.i]) {
			p.i++
		}

		x, err := strconv.ParseUint(string(p.b[st+2:p.i]), 16, 64)
		if err != nil {
			p.i = st
			return 0, false
		}

		return int64(x), true
	}

	for p.i < len(p.b) && isDigit(p.b[p.i]) {
		p.i++
	}

	if p.i == st || p.i == st+1 && p.b[st] == '-' {
		p.i = st
		return 0, false
	}

	x, err := strconv.ParseInt(string(p.b[st:p.i]), 10, 64)
	if err != nil {
		p.i = st
		return 0, false
	}

	return x, true
}

func (p *parser) line() (l int) {
	l = 1

	for _, c := range p.b[:p.i] {
		if c == '\n' {
			l++
		}
	}

	return l
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func isAlnum(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}

	return -1
}
