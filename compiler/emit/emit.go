// Package emit lays out machine code. Branch distances depend on block
// offsets and offsets depend on encoded sizes, so layout iterates to a
// fixed point. Encoders must never shrink an instruction once it was
// encoded wide, which makes the iteration converge.
package emit

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
)

type (
	// Reloc is an unresolved reference to an external symbol.
	// Off is relative to the function start, Kind is target specific.
	Reloc struct {
		Off  int32
		Sym  ir.Sym
		Kind int32
	}

	// Encoder encodes single instructions for one target.
	Encoder interface {
		// Encode appends the encoding of ins. The current position is
		// len(b). off holds block offset estimates, stale by at most
		// one pass for blocks ahead of the position. Branch relaxation
		// state lives on the instruction (asm.Ins.Wide), the encoder
		// itself must be safe to share between concurrent emissions.
		Encode(b []byte, ins *asm.Ins, off []int32, relocs []Reloc) ([]byte, []Reloc, error)
	}
)

// Func encodes the function and returns its text, relocations and final
// block offsets.
func Func(ctx context.Context, enc Encoder, f *asm.Func) (text []byte, relocs []Reloc, off []int32, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "emit", "func", f.Name)
	defer tr.Finish("err", &err)

	off = make([]int32, len(f.Blocks))

	limit := f.NumIns() + 2

	for pass := 0; ; pass++ {
		if pass > limit {
			return nil, nil, nil, errors.New("branch layout did not converge in %d passes", pass)
		}

		text = text[:0]
		relocs = relocs[:0]

		settled := true

		for b := range f.Blocks {
			if off[b] != int32(len(text)) {
				off[b] = int32(len(text))
				settled = false
			}

			for i := range f.Blocks[b].Ins {
				text, relocs, err = enc.Encode(text, &f.Blocks[b].Ins[i], off, relocs)
				if err != nil {
					return nil, nil, nil, errors.Wrap(err, "block%d ins %d", b, i)
				}
			}
		}

		if settled {
			break
		}
	}

	tr.V("emit").Printw("encoded", "size", len(text), "relocs", len(relocs))

	return text, relocs, off, nil
}
