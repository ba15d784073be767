// wasi-virt generates a WASI virtualization adapter from a policy and,
// given a target component, composes the two so that the target's WASI
// imports are served by the adapter.
//
// The command line starts from the deny-all default: every subsystem is
// cut off from the host unless a flag or the policy file says otherwise.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/virt"
)

const adapterEnv = "WASI_VIRT_ADAPTER"

// version is set at link time.
var version = "dev"

// usageError marks a command line mistake; it exits with status 2.
type usageError struct{ error }

func (usageError) ExitCode() int { return 2 }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var o options
	flags := newFlagSet(&o)
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(stderr, flags)
			return nil
		}
		return usageError{err}
	}
	if o.help {
		printHelp(stderr, flags)
		return nil
	}
	if o.version {
		fmt.Fprintf(stdout, "wasi-virt %s\n", version)
		return nil
	}

	o.positional = flags.Args()
	if len(o.positional) > 1 {
		return usageError{fmt.Errorf("unexpected argument %q", o.positional[1])}
	}
	if o.output == "" {
		return usageError{fmt.Errorf("missing -o/--output")}
	}

	logger, flush, err := newLogger(logConfig{Level: o.logLevel, File: o.logFile, JSON: o.logJSON}, stderr)
	if err != nil {
		return usageError{fmt.Errorf("--log-level: %w", err)}
	}
	defer flush()

	cfg, err := buildPolicy(&o, flags)
	if err != nil {
		return err
	}

	template, err := readTemplate(o.adapter)
	if err != nil {
		return err
	}
	b := virt.FromConfig(cfg, template).WithLogger(logger).WasmTools(o.wasmTools)
	title := "adapter only"
	if len(o.positional) == 1 {
		title = o.positional[0]
		target, err := os.ReadFile(title)
		if err != nil {
			return errors.New(errors.PhaseConfig, errors.KindConfig).
				Path(title).Detail("read target component").Cause(err).Build()
		}
		b.Compose(target)
	}
	if o.noReduce {
		b.AllowAllImports()
	}
	if o.validate {
		b.Validate()
	}

	logger.Debug("generating adapter",
		zap.String("target", title),
		zap.Stringer("default", cfg.Default),
		zap.Any("exclude", cfg.Exclude))

	res, err := b.Finish(ctx)
	if err != nil {
		return err
	}

	if o.inspect {
		ok, err := inspect(title, &cfg, res)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(stderr, "aborted, nothing written")
			return nil
		}
	}

	out := res.Adapter
	if res.Component != nil {
		out = res.Component
	}
	if err := writeAtomic(o.output, out); err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "write "+o.output)
	}
	report(stdout, o.output, res)
	logger.Info("wrote output",
		zap.String("path", o.output),
		zap.Int("bytes", len(out)),
		zap.Strings("retained", res.Retained),
		zap.Strings("omitted", res.Omitted))
	return nil
}

// buildPolicy loads the policy file, if any, and layers the flags on top.
func buildPolicy(o *options, flags *pflag.FlagSet) (policy.Config, error) {
	b := policy.NewBuilder(policy.DefaultDeny)
	if o.config != "" {
		cfg, err := policy.LoadFile(o.config, policy.DefaultDeny)
		if err != nil {
			return policy.Config{}, err
		}
		b = policy.BuilderFrom(cfg)
	}
	if err := o.apply(flags, b); err != nil {
		return policy.Config{}, usageError{err}
	}
	return b.Build()
}

func readTemplate(path string) ([]byte, error) {
	if path == "" {
		path = os.Getenv(adapterEnv)
	}
	if path == "" {
		return nil, errors.Config("no adapter template: pass --adapter or set %s", adapterEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(path).Detail("read adapter template").Cause(err).Build()
	}
	return data, nil
}

func report(w io.Writer, output string, res *virt.Result) {
	fmt.Fprintf(w, "wrote %s\n", output)
	if len(res.Retained) > 0 {
		fmt.Fprintf(w, "  retained: %s\n", strings.Join(res.Retained, ", "))
	}
	if len(res.Omitted) > 0 {
		fmt.Fprintf(w, "  omitted:  %s\n", strings.Join(res.Omitted, ", "))
	}
	if len(res.Files) == 0 {
		return
	}
	vpaths := make([]string, 0, len(res.Files))
	for v := range res.Files {
		vpaths = append(vpaths, v)
	}
	sort.Strings(vpaths)
	fmt.Fprintf(w, "  embedded %d file(s):\n", len(vpaths))
	for _, v := range vpaths {
		local := res.Files[v]
		if rel, err := filepath.Rel(".", local); err == nil && !strings.HasPrefix(rel, "..") {
			local = rel
		}
		fmt.Fprintf(w, "    %s <- %s\n", v, local)
	}
}

func printHelp(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprint(w, `wasi-virt generates a WASI virtualization adapter.

Usage:
  wasi-virt [component.wasm] -o OUT [flags]

Without a component only the adapter module is written. Subsystems are
denied unless allowed by a flag or by the policy file.

Examples:
  # Embed ./config as /etc/app and deny everything else
  wasi-virt app.wasm -o app.virt.wasm --mount /etc/app=./config

  # Forward stdio and clocks, set one variable
  wasi-virt app.wasm -o out.wasm --allow-stdio --allow-clocks -e LOG=debug

Flags:
`)
	flags.SetOutput(w)
	flags.PrintDefaults()
}
