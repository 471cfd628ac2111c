// Package compiler drives the code generation pipeline: optimize,
// lower, allocate registers, encode.
package compiler

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler/arch/arm64"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/arch/vm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/asm/regalloc"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/egraph"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/emit"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/isel"
)

type (
	// Target is a machine backend. The arch packages implement it.
	Target interface {
		Name() string

		isel.Target

		RegInfo() regalloc.RegisterInfo
		regalloc.Target

		// Finish runs after allocation: frame layout, prologue,
		// epilogue, frame pseudo op expansion.
		Finish(f *asm.Func) error

		emit.Encoder
	}

	// Options is the recognized options bag.
	Options struct {
		// OptLevel 0 skips the optimizer entirely.
		OptLevel int

		// SpectreGuard applies speculation mitigations to guarded
		// memory accesses. This IR subset carries no guarded access
		// construct, so the flag is accepted and has no lowering sites.
		SpectreGuard bool

		// NaNCanon rewrites float arithmetic NaN outputs to the
		// canonical quiet NaN.
		NaNCanon bool

		// FramePointer keeps the frame pointer register live on
		// targets that have one.
		FramePointer bool

		// Budget bounds the optimizer, zero fields take defaults.
		Budget egraph.Budget

		// Cost overrides the extraction cost model.
		Cost egraph.CostFn

		// Allocator replaces the built-in linear scan.
		Allocator regalloc.Allocator
	}

	// Object is the compiled artifact of one function.
	Object struct {
		Name string

		Text   []byte
		Relocs []emit.Reloc
		Blocks []int32 // block offsets into Text

		Ext []ir.ExtRef
	}
)

// error taxonomy of the pipeline
type (
	// LimitError is a fatal resource budget overrun.
	LimitError = egraph.LimitError

	// UnsupportedError is an IR construct the target cannot lower.
	UnsupportedError = isel.UnsupportedError
)

// NewTarget builds a named backend configured by the options.
func NewTarget(name string, opts Options) (Target, error) {
	switch name {
	case "arm64":
		t := arm64.New()
		t.FramePointer = opts.FramePointer
		t.NaNCanon = opts.NaNCanon

		return t, nil
	case "vm":
		return vm.New(), nil
	}

	return nil, errors.New("unknown target %q", name)
}

// Targets lists the supported architecture names.
func Targets() []string {
	return []string{"arm64", "vm"}
}

// Optimize runs equality saturation and extracts the cheapest
// equivalent function. The input is not modified.
func Optimize(ctx context.Context, opts Options, f *ir.Func) (_ *ir.Func, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "optimize", "func", f.Name)
	defer tr.Finish("err", &err)

	g := egraph.Build(ctx, f)

	err = g.Saturate(ctx, egraph.Rules(), opts.Budget)
	if err != nil {
		return nil, errors.Wrap(err, "saturate")
	}

	out, err := egraph.Extract(ctx, g, opts.Cost)
	if err != nil {
		return nil, errors.Wrap(err, "extract")
	}

	return out, nil
}

// Compile runs the full pipeline on one function. On any error no
// artifact is produced.
func Compile(ctx context.Context, tgt Target, opts Options, f *ir.Func) (_ *Object, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "func", f.Name, "target", tgt.Name())
	defer tr.Finish("err", &err)

	if opts.OptLevel > 0 {
		f, err = Optimize(ctx, opts, f)
		if err != nil {
			return nil, errors.Wrap(err, "optimize")
		}
	}

	mf, err := isel.Lower(ctx, tgt, f)
	if err != nil {
		return nil, errors.Wrap(err, "isel")
	}

	alloc := opts.Allocator
	if alloc == nil {
		alloc = regalloc.NewLinear()
	}

	err = alloc.Allocate(ctx, mf, tgt.RegInfo(), tgt)
	if err != nil {
		return nil, errors.Wrap(err, "regalloc")
	}

	err = tgt.Finish(mf)
	if err != nil {
		return nil, errors.Wrap(err, "finish")
	}

	text, relocs, off, err := emit.Func(ctx, tgt, mf)
	if err != nil {
		return nil, errors.Wrap(err, "emit")
	}

	return &Object{
		Name:   f.Name,
		Text:   text,
		Relocs: relocs,
		Blocks: off,
		Ext:    f.Ext,
	}, nil
}
