package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/wippyai/wasi-virt/policy"
)

type options struct {
	output    string
	config    string
	adapter   string
	wasmTools string

	allowAll   bool
	allow      map[policy.Subsystem]*bool
	env        []string
	allowEnv   string
	denyEnv    string
	mounts     []string
	preopens   []string
	denyHost   bool
	stdio      string
	stdin      string
	stdout     string
	stderr     string
	exclude    string
	noReduce   bool
	cutoff     int
	wasiVer    string
	debug      bool
	validate   bool
	inspect    bool
	logLevel   string
	logFile    string
	logJSON    bool
	version    bool
	help       bool
	positional []string
}

func newFlagSet(o *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("wasi-virt", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringVarP(&o.output, "output", "o", "", "write the composed component (or the adapter without a target) here")
	fs.StringVarP(&o.config, "config", "c", "", "policy file (YAML, JSON or JSONC)")
	fs.StringVar(&o.adapter, "adapter", "", "adapter template module (default $"+adapterEnv+")")

	fs.BoolVar(&o.allowAll, "allow-all", false, "pass every subsystem through to the host")
	o.allow = map[policy.Subsystem]*bool{}
	for _, sub := range []policy.Subsystem{policy.Clocks, policy.Random, policy.Sockets, policy.HTTP, policy.Exit, policy.Stdio, policy.FS} {
		o.allow[sub] = fs.Bool("allow-"+string(sub), false, "pass "+string(sub)+" through to the host")
	}

	fs.StringArrayVarP(&o.env, "env", "e", nil, "set an environment variable (KEY=VALUE, repeatable)")
	fs.StringVar(&o.allowEnv, "allow-env", "", "forward host environment variables (all, or a comma separated list)")
	fs.Lookup("allow-env").NoOptDefVal = "all"
	fs.StringVar(&o.denyEnv, "deny-env", "", "forward every host variable except this comma separated list")

	fs.StringArrayVar(&o.mounts, "mount", nil, "embed a local directory or file (VPATH=LOCAL, repeatable)")
	fs.StringArrayVar(&o.preopens, "preopen", nil, "forward a virtual preopen to a host path at run time (VPATH=HOSTPATH, repeatable)")
	fs.BoolVar(&o.denyHost, "deny-host-preopens", false, "hide the host's own preopens")

	fs.StringVar(&o.stdio, "stdio", "", "mode for all standard streams (allow, deny, ignore)")
	fs.StringVar(&o.stdin, "stdin", "", "stdin mode")
	fs.StringVar(&o.stdout, "stdout", "", "stdout mode")
	fs.StringVar(&o.stderr, "stderr", "", "stderr mode")

	fs.StringVar(&o.exclude, "exclude", "", "remove subsystems from the adapter (comma separated)")
	fs.BoolVar(&o.noReduce, "no-reduce", false, "keep every subsystem regardless of the target's imports")
	fs.IntVar(&o.cutoff, "compress-cutoff", 0, "compress embedded files of at least this many bytes (0 uses the default)")
	fs.StringVar(&o.wasiVer, "wasi-version", "", "interface version the adapter declares (default "+policy.DefaultWASIVersion+")")
	fs.BoolVar(&o.debug, "debug", false, "trace every adapter call")
	fs.BoolVar(&o.validate, "validate", false, "compile the emitted adapter before writing it")
	fs.StringVar(&o.wasmTools, "wasm-tools", "", "wasm-tools binary used for composition")

	fs.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&o.logFile, "log-file", "", "also write JSON logs to this file (rotated)")
	fs.BoolVar(&o.logJSON, "log-json", false, "log JSON to stderr")
	fs.BoolVar(&o.inspect, "inspect", false, "review the policy and reduction before writing (needs a terminal)")
	fs.BoolVar(&o.version, "version", false, "print the version and exit")
	fs.BoolVarP(&o.help, "help", "h", false, "show help")
	return fs
}

// apply layers the command line onto b. Flags are applied in a fixed order
// so that narrower flags win over broader ones: --allow-all, then the
// per-subsystem allows, then the env, fs and stdio details.
func (o *options) apply(fs *pflag.FlagSet, b *policy.Builder) error {
	if o.allowAll {
		b.AllowAll()
	}
	for _, sub := range policy.Subsystems() {
		if on, ok := o.allow[sub]; ok && *on {
			b.Allow(sub)
		}
	}

	for _, kv := range o.env {
		k, v, err := splitPair("env", kv)
		if err != nil {
			return err
		}
		b.Env().Override(k, v)
	}
	if fs.Changed("allow-env") {
		if o.allowEnv == "all" {
			b.Env().AllowAll()
		} else {
			b.Env().Allow(splitList(o.allowEnv)...)
		}
	}
	if fs.Changed("deny-env") {
		b.Env().Deny(splitList(o.denyEnv)...)
	}

	for _, m := range o.mounts {
		vpath, local, err := splitPair("mount", m)
		if err != nil {
			return err
		}
		b.FS().Preopen(vpath, policy.Virtualize(local))
	}
	for _, p := range o.preopens {
		vpath, host, err := splitPair("preopen", p)
		if err != nil {
			return err
		}
		b.FS().HostPreopen(vpath, host)
	}
	if o.denyHost {
		b.FS().DenyHostPreopens()
	}

	if o.stdio != "" {
		m, err := policy.ParseStreamMode(o.stdio)
		if err != nil {
			return err
		}
		b.Stdio().All(m)
	}
	for _, s := range []struct {
		value string
		set   func(*policy.StdioBuilder, policy.StreamMode) *policy.StdioBuilder
	}{
		{o.stdin, (*policy.StdioBuilder).Stdin},
		{o.stdout, (*policy.StdioBuilder).Stdout},
		{o.stderr, (*policy.StdioBuilder).Stderr},
	} {
		if s.value == "" {
			continue
		}
		m, err := policy.ParseStreamMode(s.value)
		if err != nil {
			return err
		}
		s.set(b.Stdio(), m)
	}

	if o.exclude != "" {
		subs, err := policy.ParseSubsystemList(o.exclude)
		if err != nil {
			return err
		}
		b.Exclude(subs...)
	}
	if o.cutoff > 0 {
		b.CompressCutoff(o.cutoff)
	}
	if o.wasiVer != "" {
		b.WASIVersion(o.wasiVer)
	}
	if o.debug {
		b.Debug(true)
	}
	return nil
}

func splitPair(flag, s string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("--%s %q: want NAME=VALUE", flag, s)
	}
	return k, v, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
