// Package stdio implements wasi:cli stdin, stdout, stderr and the terminal
// interfaces for the adapter. Each stream is configured independently.
package stdio

import (
	"context"
	goio "io"
	"os"

	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/resource"
	"github.com/wippyai/wasi-virt/state"
)

// Host holds the host's standard streams.
type Host struct {
	Stdin  goio.Reader
	Stdout goio.Writer
	Stderr goio.Writer
}

// OS returns the process standard streams.
func OS() Host {
	return Host{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Streams are the three standard streams after policy resolution.
type Streams struct {
	Stdin  vio.InputStream
	Stdout vio.OutputStream
	Stderr vio.OutputStream
}

// New resolves each stream mode: Allow forwards to the host, Ignore reads
// end of stream and drops writes, Deny traps. A nil cfg denies all three.
func New(cfg *state.Stdio, host Host) *Streams {
	if cfg == nil {
		cfg = &state.Stdio{Stdin: policy.StreamDeny, Stdout: policy.StreamDeny, Stderr: policy.StreamDeny}
	}
	s := &Streams{}
	switch cfg.Stdin {
	case policy.StreamAllow:
		s.Stdin = vio.NewReaderStream(nonNilReader(host.Stdin))
	case policy.StreamIgnore:
		s.Stdin = vio.Empty{}
	default:
		s.Stdin = vio.DeniedInput{Subsystem: "stdio", Name: "stdin"}
	}
	s.Stdout = output(cfg.Stdout, host.Stdout, "stdout")
	s.Stderr = output(cfg.Stderr, host.Stderr, "stderr")
	return s
}

func output(mode policy.StreamMode, w goio.Writer, name string) vio.OutputStream {
	switch mode {
	case policy.StreamAllow:
		if w == nil {
			w = goio.Discard
		}
		return vio.NewWriterStream(w)
	case policy.StreamIgnore:
		return vio.Discard{}
	default:
		return vio.DeniedOutput{Subsystem: "stdio", Name: name}
	}
}

func nonNilReader(r goio.Reader) goio.Reader {
	if r == nil {
		return eofReader{}
	}
	return r
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, goio.EOF }

// StdioHost hands the streams to the guest as resources.
type StdioHost struct {
	table   *resource.Table
	streams *Streams
}

func NewStdioHost(table *resource.Table, streams *Streams) *StdioHost {
	return &StdioHost{table: table, streams: streams}
}

func (h *StdioHost) GetStdin(_ context.Context) uint32 {
	return uint32(h.table.Insert(resource.KindInputStream, h.streams.Stdin))
}

func (h *StdioHost) GetStdout(_ context.Context) uint32 {
	return uint32(h.table.Insert(resource.KindOutputStream, h.streams.Stdout))
}

func (h *StdioHost) GetStderr(_ context.Context) uint32 {
	return uint32(h.table.Insert(resource.KindOutputStream, h.streams.Stderr))
}

// The adapter never reports a terminal: virtual and ignored streams are
// not terminals and forwarded ones are treated as plain byte streams.
func (h *StdioHost) GetTerminalStdin(_ context.Context) *uint32  { return nil }
func (h *StdioHost) GetTerminalStdout(_ context.Context) *uint32 { return nil }
func (h *StdioHost) GetTerminalStderr(_ context.Context) *uint32 { return nil }

func (h *StdioHost) dropTerminal(_ context.Context, self uint32) {
	h.table.Remove(resource.Handle(self))
}

// Register returns the entry points keyed by interface name.
func (h *StdioHost) Register() map[string]map[string]any {
	return map[string]map[string]any{
		"wasi:cli/stdin":           {"get-stdin": h.GetStdin},
		"wasi:cli/stdout":          {"get-stdout": h.GetStdout},
		"wasi:cli/stderr":          {"get-stderr": h.GetStderr},
		"wasi:cli/terminal-input":  {"[resource-drop]terminal-input": h.dropTerminal},
		"wasi:cli/terminal-output": {"[resource-drop]terminal-output": h.dropTerminal},
		"wasi:cli/terminal-stdin":  {"get-terminal-stdin": h.GetTerminalStdin},
		"wasi:cli/terminal-stdout": {"get-terminal-stdout": h.GetTerminalStdout},
		"wasi:cli/terminal-stderr": {"get-terminal-stderr": h.GetTerminalStderr},
	}
}
