package stdio

import (
	"bytes"
	"context"
	goerrors "errors"
	"strings"
	"testing"

	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/resource"
	"github.com/wippyai/wasi-virt/state"
)

// touchReader fails the test if the host stream is read.
type touchReader struct{ t *testing.T }

func (r touchReader) Read([]byte) (int, error) {
	r.t.Error("host stdin must not be touched")
	return 0, goerrors.New("touched")
}

type touchWriter struct{ t *testing.T }

func (w touchWriter) Write(p []byte) (int, error) {
	w.t.Error("host output must not be touched")
	return len(p), nil
}

func TestAllowForwards(t *testing.T) {
	var out, errOut bytes.Buffer
	s := New(&state.Stdio{Stdin: policy.StreamAllow, Stdout: policy.StreamAllow, Stderr: policy.StreamAllow},
		Host{Stdin: strings.NewReader("in"), Stdout: &out, Stderr: &errOut})

	if err := s.Stdout.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := s.Stderr.Write([]byte("oops")); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello" || errOut.String() != "oops" {
		t.Fatalf("got %q / %q", out.String(), errOut.String())
	}

	got, err := s.Stdin.BlockingRead(context.Background(), 10)
	if err != nil || string(got) != "in" {
		t.Fatalf("stdin = %q, %v", got, err)
	}
}

func TestIgnoreNeverTouchesHost(t *testing.T) {
	s := New(&state.Stdio{Stdin: policy.StreamIgnore, Stdout: policy.StreamIgnore, Stderr: policy.StreamIgnore},
		Host{Stdin: touchReader{t}, Stdout: touchWriter{t}, Stderr: touchWriter{t}})

	_, err := s.Stdin.Read(10)
	var se *vio.StreamError
	if !goerrors.As(err, &se) || !se.Closed {
		t.Fatalf("ignored stdin must be at end of stream, got %v", err)
	}
	if err := s.Stdout.Write([]byte("dropped")); err != nil {
		t.Fatalf("ignored stdout must accept writes: %v", err)
	}
}

func TestDenyTraps(t *testing.T) {
	s := New(&state.Stdio{Stdin: policy.StreamDeny, Stdout: policy.StreamAllow, Stderr: policy.StreamDeny},
		Host{Stdout: &bytes.Buffer{}})

	if _, err := s.Stdin.Read(1); !errors.IsTrap(err) {
		t.Fatalf("stdin read should trap, got %v", err)
	}
	err := s.Stderr.Write([]byte("x"))
	if !errors.IsTrap(err) || !strings.Contains(err.Error(), "stderr.write") {
		t.Fatalf("stderr write should trap with a descriptive message, got %v", err)
	}
	if err := s.Stdout.Write([]byte("fine")); err != nil {
		t.Fatal("streams are independent")
	}
}

func TestNilConfigDenies(t *testing.T) {
	s := New(nil, OS())
	if err := s.Stdout.Write(nil); !errors.IsTrap(err) {
		t.Fatal("nil config must deny")
	}
}

func TestStdioHost(t *testing.T) {
	table := resource.NewTable()
	var out bytes.Buffer
	h := NewStdioHost(table, New(&state.Stdio{Stdout: policy.StreamAllow, Stdin: policy.StreamIgnore, Stderr: policy.StreamIgnore}, Host{Stdout: &out}))

	ctx := context.Background()
	handle := h.GetStdout(ctx)
	stream, ok := resource.Lookup[vio.OutputStream](table, resource.Handle(handle), resource.KindOutputStream)
	if !ok {
		t.Fatal("stdout handle not registered")
	}
	_ = stream.Write([]byte("via handle"))
	if out.String() != "via handle" {
		t.Fatalf("got %q", out.String())
	}
	if h.GetTerminalStdout(ctx) != nil {
		t.Fatal("no terminal is reported")
	}
	if len(h.Register()) != 8 {
		t.Fatal("every stdio interface must be registered")
	}
}
