package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/bytecodealliance/wasmtime-sub016/compiler"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/format"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/ir"
	"github.com/bytecodealliance/wasmtime-sub016/compiler/parse"
)

func main() {
	fmtCmd := &cli.Command{
		Name:   "fmt",
		Action: fmtAct,
		Args:   cli.Args{},
	}

	optCmd := &cli.Command{
		Name:   "opt",
		Action: optAct,
		Args:   cli.Args{},
	}

	compileCmd := &cli.Command{
		Name:        "compile",
		Description: "compile <target> <file>...",
		Action:      compileAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "sub016",
		Description: "sub016 compiles textual ir to machine code",
		Commands: []*cli.Command{
			fmtCmd,
			optCmd,
			compileCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func fmtAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		fns, err := parseFile(ctx, a)
		if err != nil {
			return err
		}

		err = printFuncs(fns)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}
	}

	return nil
}

func optAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		fns, err := parseFile(ctx, a)
		if err != nil {
			return err
		}

		for i, f := range fns {
			fns[i], err = compiler.Optimize(ctx, compiler.Options{}, f)
			if err != nil {
				return errors.Wrap(err, "%v: %v", a, f.Name)
			}
		}

		err = printFuncs(fns)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}
	}

	return nil
}

func compileAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	if len(c.Args) < 2 {
		return errors.New("usage: compile <target> <file>...")
	}

	opts := compiler.Options{
		OptLevel:     1,
		FramePointer: true,
	}

	tgt, err := compiler.NewTarget(c.Args[0], opts)
	if err != nil {
		return errors.Wrap(err, "target")
	}

	for _, a := range c.Args[1:] {
		fns, err := parseFile(ctx, a)
		if err != nil {
			return err
		}

		for _, f := range fns {
			obj, err := compiler.Compile(ctx, tgt, opts, f)
			if err != nil {
				return errors.Wrap(err, "%v: %v", a, f.Name)
			}

			fmt.Printf("%s: %d bytes", obj.Name, len(obj.Text))

			for _, rel := range obj.Relocs {
				fmt.Printf("  reloc %x -> %s", rel.Off, obj.Ext[rel.Sym].Name)
			}

			fmt.Printf("\n%s", hex.Dump(obj.Text))
		}
	}

	return nil
}

func parseFile(ctx context.Context, name string) ([]*ir.Func, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read %v", name)
	}

	fns, err := parse.Funcs(ctx, b)
	if err != nil {
		return nil, errors.Wrap(err, "parse %v", name)
	}

	return fns, nil
}

func printFuncs(fns []*ir.Func) error {
	var b []byte

	for _, f := range fns {
		var err error

		b, err = format.Func(b, f)
		if err != nil {
			return errors.Wrap(err, "format %v", f.Name)
		}

		b = append(b, '\n')
	}

	_, err := os.Stdout.Write(b)

	return err
}
