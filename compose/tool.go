package compose

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/wippyai/wasi-virt/errors"
)

// DefaultTool is the binary name looked up on PATH.
const DefaultTool = "wasm-tools"

var (
	lookPath    = exec.LookPath
	execCommand = exec.CommandContext
)

// Tool runs the wasm-tools binary. Its stderr is returned verbatim inside
// composition errors.
type Tool struct {
	// Path to the binary; DefaultTool on PATH when empty.
	Path string
}

func (t *Tool) binary() (string, error) {
	name := t.Path
	if name == "" {
		name = DefaultTool
	}
	p, err := lookPath(name)
	if err != nil {
		return "", errors.Composition(name+" not found", err)
	}
	return p, nil
}

// run writes inputs into a scratch directory, runs the tool with args
// (where "{name}" refers to an input file and "{out}" to the output) and
// returns the output file.
func (t *Tool) run(ctx context.Context, inputs map[string][]byte, args ...string) ([]byte, error) {
	bin, err := t.binary()
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "wasi-virt-compose-*")
	if err != nil {
		return nil, errors.Composition("create scratch dir", err)
	}
	defer os.RemoveAll(dir)

	repl := []string{"{out}", filepath.Join(dir, "out.wasm")}
	for name, data := range inputs {
		p := filepath.Join(dir, name+".wasm")
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return nil, errors.Composition("write "+name, err)
		}
		repl = append(repl, "{"+name+"}", p)
	}
	r := strings.NewReplacer(repl...)
	for i, a := range args {
		args[i] = r.Replace(a)
	}

	var stderr bytes.Buffer
	cmd := execCommand(ctx, bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Composition(strings.TrimSpace(stderr.String()), err)
	}
	out, err := os.ReadFile(filepath.Join(dir, "out.wasm"))
	if err != nil {
		return nil, errors.Composition("read tool output", err)
	}
	return out, nil
}

// Encode runs `component new` on a core module.
func (t *Tool) Encode(ctx context.Context, module []byte) ([]byte, error) {
	return t.run(ctx, map[string][]byte{"adapter": module},
		"component", "new", "{adapter}", "-o", "{out}")
}

// Link runs `compose` with the adapter as the definition for target's
// imports.
func (t *Tool) Link(ctx context.Context, adapter, target []byte) ([]byte, error) {
	return t.run(ctx, map[string][]byte{"adapter": adapter, "target": target},
		"compose", "{target}", "-d", "{adapter}", "-o", "{out}")
}
