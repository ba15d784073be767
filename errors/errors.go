package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Phase indicates which pipeline stage produced the error
type Phase string

const (
	PhaseConfig   Phase = "config"   // policy construction and validation
	PhaseResolve  Phase = "resolve"  // local filesystem materialization
	PhaseEncode   Phase = "encode"   // state payload encoding and splicing
	PhaseDecode   Phase = "decode"   // payload, module or component decoding
	PhaseReduce   Phase = "reduce"   // import-driven reduction
	PhaseCompose  Phase = "compose"  // composition with the target
	PhaseRuntime  Phase = "runtime"  // adapter behavior at run time
	PhaseValidate Phase = "validate" // wasm validation of emitted modules
)

// Kind categorizes the error
type Kind string

const (
	KindConfig               Kind = "config"
	KindFilesystemResolution Kind = "filesystem_resolution"
	KindReductionConflict    Kind = "reduction_conflict"
	KindComposition          Kind = "composition"
	KindInvalidData          Kind = "invalid_data"
	KindUnsupported          Kind = "unsupported"
	KindNotFound             Kind = "not_found"
	KindInvalidInput         Kind = "invalid_input"
	KindOutOfBounds          Kind = "out_of_bounds"
)

// Error is the structured error type used across the generator
type Error struct {
	Cause     error
	Phase     Phase
	Kind      Kind
	Subsystem string
	Interface string
	Detail    string
	Path      []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Subsystem != "" {
		b.WriteString(" in ")
		b.WriteString(e.Subsystem)
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, " -> "))
	}

	if e.Interface != "" {
		b.WriteString(": interface ")
		b.WriteString(e.Interface)
	}

	if e.Detail != "" {
		if e.Interface != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the path (virtual path first, local path second for resolution errors)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Subsystem names the subsystem the error belongs to
func (b *Builder) Subsystem(name string) *Builder {
	b.err.Subsystem = name
	return b
}

// Interface names the WIT interface involved
func (b *Builder) Interface(name string) *Builder {
	b.err.Interface = name
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is matching across packages.
var (
	ErrConfig               = &Error{Phase: PhaseConfig, Kind: KindConfig}
	ErrFilesystemResolution = &Error{Phase: PhaseResolve, Kind: KindFilesystemResolution}
	ErrComposition          = &Error{Phase: PhaseCompose, Kind: KindComposition}
)

// Config creates a configuration error
func Config(detail string, args ...any) *Error {
	return New(PhaseConfig, KindConfig).Detail(detail, args...).Build()
}

// FilesystemResolution creates an error for a Virtualize node that could not be read
func FilesystemResolution(virtualPath, localPath string, cause error) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindFilesystemResolution,
		Path:   []string{virtualPath, localPath},
		Detail: fmt.Sprintf("cannot materialize %q from %q", virtualPath, localPath),
		Cause:  cause,
	}
}

// Composition creates a composition error; linker output is carried verbatim in detail
func Composition(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompose,
		Kind:   KindComposition,
		Detail: detail,
		Cause:  cause,
	}
}

// InterfaceMismatch creates a composition error for incompatible interface versions
func InterfaceMismatch(iface, imported, exported string) *Error {
	return &Error{
		Phase:     PhaseCompose,
		Kind:      KindComposition,
		Interface: iface,
		Detail:    fmt.Sprintf("target imports version %s but adapter exports %s", imported, exported),
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, offset, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("offset %d out of bounds (length %d)", offset, length),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Coupling records one retained subsystem that structurally needs an excluded peer.
type Coupling struct {
	Required string // retained because the target imports it
	Excluded string // excluded by the caller but sharing a primitive
	Shared   []string
}

// ReductionConflictError is returned when the caller's allow set excludes a
// subsystem that coupling makes mandatory.
type ReductionConflictError struct {
	Conflicts []Coupling
}

// NewReductionConflict builds a conflict error with conflicts sorted by subsystem names.
func NewReductionConflict(conflicts []Coupling) *ReductionConflictError {
	sorted := append([]Coupling(nil), conflicts...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Required != sorted[j].Required {
			return sorted[i].Required < sorted[j].Required
		}
		return sorted[i].Excluded < sorted[j].Excluded
	})
	return &ReductionConflictError{Conflicts: sorted}
}

func (e *ReductionConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "[reduce] reduction_conflict: no conflicts specified"
	}

	var b strings.Builder
	b.WriteString("[reduce] reduction_conflict: ")
	for i, c := range e.Conflicts {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s is required by the target but shares %s with excluded subsystem %s",
			c.Required, strings.Join(c.Shared, ", "), c.Excluded)
	}
	return b.String()
}

// Subsystems returns every subsystem named by the conflict, deduplicated and sorted.
func (e *ReductionConflictError) Subsystems() []string {
	seen := make(map[string]struct{})
	for _, c := range e.Conflicts {
		seen[c.Required] = struct{}{}
		seen[c.Excluded] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Is reports whether target matches this error type
func (e *ReductionConflictError) Is(target error) bool {
	if _, ok := target.(*ReductionConflictError); ok {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Phase == PhaseReduce && t.Kind == KindReductionConflict
	}
	return false
}
