// Package regalloc assigns physical registers to the virtual registers
// of machine code. Targets describe their register file through
// RegisterInfo and provide move, spill and reload instructions, the
// allocation itself is target independent.
package regalloc

import (
	"context"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/set"
)

type (
	// RegisterInfo describes the allocatable register file of a target.
	//
	// Allocation order matters: caller-saved registers first keeps
	// callee-saved registers, which cost prologue stores, for values
	// that live across calls. Scratch registers carry spilled values
	// around single instructions and must not appear in the
	// allocatable lists.
	RegisterInfo struct {
		AllocatableInt   []asm.RealReg
		AllocatableFloat []asm.RealReg

		CalleeSavedInt   asm.RegSet
		CalleeSavedFloat asm.RegSet

		ScratchInt   [2]asm.RealReg
		ScratchFloat [2]asm.RealReg
	}

	// Target builds the instructions the allocator inserts.
	Target interface {
		Move(dst, src asm.Reg) asm.Ins
		Spill(src asm.Reg, slot int32) asm.Ins
		Reload(dst asm.Reg, slot int32) asm.Ins
	}

	// Allocator rewrites f in place: virtual operands become physical,
	// spill code is inserted, f.SpillSlots and f.UsedCallee are filled.
	Allocator interface {
		Allocate(ctx context.Context, f *asm.Func, info RegisterInfo, tgt Target) error
	}

	// Linear is a linear scan allocator over whole-function live
	// intervals. Lifetime holes are not exploited. When no register
	// fits, the current interval is spilled.
	Linear struct{}

	alloc struct {
		f    *asm.Func
		info RegisterInfo
		tgt  Target

		base []int // block -> position of its first instruction

		ivals  []interval
		byVreg []int32 // vreg -> interval index, -1

		calls []callSite

		// physical register -> positions referenced as a fixed operand
		fixed map[asm.Reg][]int

		slots int32
		used  asm.RegSet
		usedF asm.RegSet
	}

	interval struct {
		v     int32
		class asm.RegClass

		start, end int

		reg  asm.RealReg
		slot int32
	}

	callSite struct {
		pos       int
		clobbers  asm.RegSet
		clobbersF asm.RegSet
	}
)

func NewLinear() *Linear { return &Linear{} }

func (l *Linear) Allocate(ctx context.Context, f *asm.Func, info RegisterInfo, tgt Target) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "regalloc", "func", f.Name, "vregs", f.NumV)
	defer tr.Finish("err", &err)

	a := &alloc{
		f:     f,
		info:  info,
		tgt:   tgt,
		fixed: map[asm.Reg][]int{},
	}

	liveIn := a.liveness()
	a.intervals(liveIn)
	a.scan(tr)

	err = a.rewrite()
	if err != nil {
		return errors.Wrap(err, "rewrite")
	}

	f.SpillSlots = a.slots
	f.UsedCallee = a.used
	f.UsedCalleeF = a.usedF

	tr.V("regalloc").Printw("allocated", "intervals", len(a.ivals), "spill_slots", a.slots, "callee_saved", a.used.Count())

	return nil
}

// liveness computes live-in vreg sets per block by backward dataflow.
func (a *alloc) liveness() []set.Bitmap {
	f := a.f
	nv := int(f.NumV)

	liveIn := make([]set.Bitmap, len(f.Blocks))
	for b := range liveIn {
		liveIn[b] = set.MakeBitmap(nv)
	}

	for changed := true; changed; {
		changed = false

		for b := len(f.Blocks) - 1; b >= 0; b-- {
			live := set.MakeBitmap(nv)

			for _, s := range f.Blocks[b].Succs {
				live.Or(liveIn[s])
			}

			ins := f.Blocks[b].Ins

			for i := len(ins) - 1; i >= 0; i-- {
				for _, d := range ins[i].Defs {
					if d.IsVirt() {
						live.Clear(int(d.V))
					}
				}

				for _, u := range ins[i].Uses {
					if u.IsVirt() {
						live.Set(int(u.V))
					}
				}
			}

			if !live.Equal(liveIn[b]) {
				liveIn[b] = live
				changed = true
			}
		}
	}

	return liveIn
}

// intervals builds one conservative [first, last] range per vreg and
// records call sites and fixed register references.
func (a *alloc) intervals(liveIn []set.Bitmap) {
	f := a.f

	a.base = make([]int, len(f.Blocks))
	a.byVreg = make([]int32, f.NumV)

	for i := range a.byVreg {
		a.byVreg[i] = -1
	}

	pos := 0

	vclass := make([]asm.RegClass, f.NumV)

	for b := range f.Blocks {
		a.base[b] = pos
		pos += len(f.Blocks[b].Ins)

		for i := range f.Blocks[b].Ins {
			ins := &f.Blocks[b].Ins[i]

			for _, u := range ins.Uses {
				if u.IsVirt() {
					vclass[u.V] = u.Class
				}
			}

			for _, d := range ins.Defs {
				if d.IsVirt() {
					vclass[d.V] = d.Class
				}
			}
		}
	}

	touch := func(v int32, p int) {
		i := a.byVreg[v]
		if i < 0 {
			i = int32(len(a.ivals))
			a.byVreg[v] = i
			a.ivals = append(a.ivals, interval{v: v, class: vclass[v], start: p, end: p, reg: asm.NoReal, slot: -1})

			return
		}

		iv := &a.ivals[i]

		if p < iv.start {
			iv.start = p
		}
		if p > iv.end {
			iv.end = p
		}
	}

	for b := range f.Blocks {
		bend := a.base[b] + len(f.Blocks[b].Ins)

		liveIn[b].Range(func(v int) bool {
			touch(int32(v), a.base[b])
			return true
		})

		for _, s := range f.Blocks[b].Succs {
			liveIn[s].Range(func(v int) bool {
				touch(int32(v), bend-1)
				return true
			})
		}

		for i := range f.Blocks[b].Ins {
			ins := &f.Blocks[b].Ins[i]
			p := a.base[b] + i

			for _, u := range ins.Uses {
				if u.IsVirt() {
					touch(u.V, p)
				} else if u.Real >= 0 {
					a.fixed[asm.Fixed(u.Real, u.Class)] = append(a.fixed[asm.Fixed(u.Real, u.Class)], p)
				}
			}

			for _, d := range ins.Defs {
				if d.IsVirt() {
					touch(d.V, p)
				} else if d.Real >= 0 {
					a.fixed[asm.Fixed(d.Real, d.Class)] = append(a.fixed[asm.Fixed(d.Real, d.Class)], p)
				}
			}

			if ins.Call {
				a.calls = append(a.calls, callSite{pos: p, clobbers: ins.Clobbers, clobbersF: ins.ClobbersF})
			}
		}
	}
}

// scan assigns registers in interval start order.
func (a *alloc) scan(tr tlog.Span) {
	order := make([]*interval, len(a.ivals))
	for i := range a.ivals {
		order[i] = &a.ivals[i]
	}

	sort.SliceStable(order, func(i, j int) bool { return order[i].start < order[j].start })

	var active []*interval

	freeInt := a.freeSet(a.info.AllocatableInt)
	freeFloat := a.freeSet(a.info.AllocatableFloat)

	free := func(c asm.RegClass) *asm.RegSet {
		if c == asm.RegFloat {
			return &freeFloat
		}

		return &freeInt
	}

	for _, iv := range order {
		n := 0

		for _, act := range active {
			if act.end < iv.start {
				*free(act.class) |= 1 << act.reg
				continue
			}

			active[n] = act
			n++
		}

		active = active[:n]

		r, ok := a.pick(iv, *free(iv.class))
		if !ok {
			iv.slot = int32(len(a.f.Slots)) + a.slots
			a.slots++

			if tr.If("regalloc") {
				tr.Printw("spill", "vreg", iv.v, "slot", iv.slot, "start", iv.start, "end", iv.end)
			}

			continue
		}

		iv.reg = r
		*free(iv.class) &^= 1 << r

		if a.calleeSaved(iv.class).Has(r) {
			if iv.class == asm.RegFloat {
				a.usedF = a.usedF.Add(r)
			} else {
				a.used = a.used.Add(r)
			}
		}

		active = append(active, iv)
	}
}

// pick chooses the first allocatable register that is free, is not
// clobbered by a call inside the interval and has no fixed reference
// overlapping it.
func (a *alloc) pick(iv *interval, free asm.RegSet) (asm.RealReg, bool) {
	var forbidden asm.RegSet

	for _, c := range a.calls {
		if c.pos <= iv.start || c.pos >= iv.end {
			continue
		}

		if iv.class == asm.RegFloat {
			forbidden |= c.clobbersF
		} else {
			forbidden |= c.clobbers
		}
	}

	for _, r := range a.allocatable(iv.class) {
		if !free.Has(r) || forbidden.Has(r) {
			continue
		}

		if a.fixedOverlap(asm.Fixed(r, iv.class), iv) {
			continue
		}

		return r, true
	}

	return asm.NoReal, false
}

func (a *alloc) fixedOverlap(r asm.Reg, iv *interval) bool {
	for _, p := range a.fixed[r] {
		if p >= iv.start && p <= iv.end {
			return true
		}
	}

	return false
}

// rewrite replaces virtual operands with their assignment and carries
// spilled values through scratch registers around each instruction.
func (a *alloc) rewrite() error {
	f := a.f

	for b := range f.Blocks {
		var out []asm.Ins

		for _, ins := range f.Blocks[b].Ins {
			var reloads, stores []asm.Ins

			nscr := [2]int{}

			ins.Uses = append([]asm.Reg{}, ins.Uses...)
			ins.Defs = append([]asm.Reg{}, ins.Defs...)

			for i, u := range ins.Uses {
				if !u.IsVirt() {
					continue
				}

				iv := &a.ivals[a.byVreg[u.V]]

				if iv.slot >= 0 {
					scr, err := a.scratch(u.Class, &nscr)
					if err != nil {
						return err
					}

					reloads = append(reloads, a.tgt.Reload(scr, iv.slot))
					ins.Uses[i] = scr

					continue
				}

				ins.Uses[i] = asm.Fixed(iv.reg, u.Class)
			}

			for i, d := range ins.Defs {
				if !d.IsVirt() {
					continue
				}

				iv := &a.ivals[a.byVreg[d.V]]

				if iv.slot >= 0 {
					scr := asm.Fixed(a.scratch0(d.Class), d.Class)

					stores = append(stores, a.tgt.Spill(scr, iv.slot))
					ins.Defs[i] = scr

					continue
				}

				ins.Defs[i] = asm.Fixed(iv.reg, d.Class)
			}

			out = append(out, reloads...)
			out = append(out, ins)
			out = append(out, stores...)
		}

		f.Blocks[b].Ins = out
	}

	return nil
}

func (a *alloc) scratch(c asm.RegClass, nscr *[2]int) (asm.Reg, error) {
	ci := 0
	if c == asm.RegFloat {
		ci = 1
	}

	if nscr[ci] >= 2 {
		return asm.Reg{}, errors.New("more than two spilled operands of one instruction")
	}

	var r asm.RealReg

	if c == asm.RegFloat {
		r = a.info.ScratchFloat[nscr[ci]]
	} else {
		r = a.info.ScratchInt[nscr[ci]]
	}

	nscr[ci]++

	return asm.Fixed(r, c), nil
}

func (a *alloc) scratch0(c asm.RegClass) asm.RealReg {
	if c == asm.RegFloat {
		return a.info.ScratchFloat[0]
	}

	return a.info.ScratchInt[0]
}

func (a *alloc) freeSet(regs []asm.RealReg) (s asm.RegSet) {
	for _, r := range regs {
		s = s.Add(r)
	}

	return s
}

func (a *alloc) allocatable(c asm.RegClass) []asm.RealReg {
	if c == asm.RegFloat {
		return a.info.AllocatableFloat
	}

	return a.info.AllocatableInt
}

func (a *alloc) calleeSaved(c asm.RegClass) asm.RegSet {
	if c == asm.RegFloat {
		return a.info.CalleeSavedFloat
	}

	return a.info.CalleeSavedInt
}
