// Package fs implements wasi:filesystem for the adapter.
//
// A virtualized filesystem serves the embedded file tree from adapter state.
// Embedded files are read-only. Runtime files and host preopen remaps
// forward to the host through wazero's sysfs, so host errno values reach
// the guest as filesystem error codes.
package fs

import (
	goerrors "errors"
	"path"
	"strings"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/zeebo/blake3"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
	"github.com/wippyai/wasi-virt/state"
)

// DescriptorType is the wasi:filesystem descriptor-type enum.
type DescriptorType uint8

const (
	TypeUnknown DescriptorType = iota
	TypeBlockDevice
	TypeCharacterDevice
	TypeDirectory
	TypeFIFO
	TypeSymbolicLink
	TypeRegularFile
	TypeSocket
)

// Open flags.
const (
	OpenCreate uint8 = 1 << iota
	OpenDirectory
	OpenExclusive
	OpenTruncate
)

// Descriptor flags.
const (
	DescRead uint8 = 1 << iota
	DescWrite
)

// Stat describes a file or directory.
type Stat struct {
	Type      DescriptorType
	LinkCount uint64
	Size      uint64
	// Mtime is in nanoseconds since the epoch, zero when unknown.
	Mtime int64
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Type DescriptorType
	Name string
}

// MetadataHash identifies a file for equality checks.
type MetadataHash struct {
	Lower uint64
	Upper uint64
}

// Descriptor is an open file or directory. Paths passed to the *At methods
// are relative to the descriptor and may not escape its preopen.
type Descriptor interface {
	Type() DescriptorType
	Stat() (Stat, error)
	MetadataHash() (MetadataHash, error)
	Read(length, offset uint64) ([]byte, bool, error)
	Write(data []byte, offset uint64) (uint64, error)
	ReadDir() ([]DirEntry, error)
	OpenAt(p string, oflags, dflags uint8) (Descriptor, error)
	CreateDirectoryAt(p string) error
	UnlinkFileAt(p string) error
	RemoveDirectoryAt(p string) error
	RenameAt(from string, to Descriptor, toPath string) error
	ReadlinkAt(p string) (string, error)
	Close() error
}

// Preopen is a directory handed to the guest at start-up.
type Preopen struct {
	Path string
	Dir  Descriptor
}

// Filesystem is the adapter's filesystem subsystem.
type Filesystem interface {
	Preopens() ([]Preopen, error)
	// Open resolves an absolute virtual path against the preopens.
	Open(p string, oflags, dflags uint8) (Descriptor, error)
}

// HostPreopen maps a virtual root to a host directory.
type HostPreopen struct {
	Path string
	Dir  string
}

// Host gives the filesystem access to host directories.
type Host interface {
	// Preopens lists the host's own preopens, used when forwarding and for
	// inherited preopens.
	Preopens() []HostPreopen
	// Dir returns a filesystem rooted at a host directory.
	Dir(dir string) experimentalsys.FS
}

type osHost struct{ preopens []HostPreopen }

// OS returns a host backed by the real filesystem with the given preopens.
func OS(preopens ...HostPreopen) Host { return osHost{preopens: preopens} }

func (h osHost) Preopens() []HostPreopen         { return h.preopens }
func (osHost) Dir(dir string) experimentalsys.FS { return sysfs.DirFS(dir) }

// New selects the filesystem for a strategy. Virtual serves the tree
// embedded in st and denies when st carries no filesystem.
func New(strategy policy.Strategy, st *state.State, host Host) Filesystem {
	switch strategy {
	case policy.StrategyForward:
		return &forward{host: host}
	case policy.StrategyVirtual:
		if st != nil && st.FS != nil {
			return &virtualFS{st: st, host: host}
		}
	}
	return deny{}
}

type deny struct{}

func (deny) Preopens() ([]Preopen, error) {
	return nil, errors.Denied("fs", "preopens.get-directories")
}

func (deny) Open(string, uint8, uint8) (Descriptor, error) {
	return nil, errors.Denied("fs", "open")
}

type forward struct{ host Host }

func (f *forward) Preopens() ([]Preopen, error) {
	var out []Preopen
	for _, p := range f.host.Preopens() {
		out = append(out, Preopen{Path: p.Path, Dir: newHostDir(f.host.Dir(p.Dir))})
	}
	return out, nil
}

func (f *forward) Open(p string, oflags, dflags uint8) (Descriptor, error) {
	pre, err := f.Preopens()
	if err != nil {
		return nil, err
	}
	return openAbs(pre, p, oflags, dflags)
}

// openAbs picks the longest preopen prefixing p. Preopen roots and p are
// compared without their leading "/" or "./", so "." and "/" cover every
// path and "data" and "/data" name the same root.
func openAbs(preopens []Preopen, p string, oflags, dflags uint8) (Descriptor, error) {
	key := rootKey(p)
	var best *Preopen
	bestRoot := ""
	for i := range preopens {
		root := rootKey(preopens[i].Path)
		if root == "" || root == key || strings.HasPrefix(key, root+"/") {
			if best == nil || len(root) > len(bestRoot) {
				best, bestRoot = &preopens[i], root
			}
		}
	}
	if best == nil {
		return nil, fail(ErrNoEntry)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(key, bestRoot), "/")
	if rel == "" {
		rel = "."
	}
	return best.Dir.OpenAt(rel, oflags, dflags)
}

func rootKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// resolve joins p onto base, rejecting absolute paths and escapes.
func resolve(base, p string) (string, error) {
	if path.IsAbs(p) {
		return "", fail(ErrNotPermitted)
	}
	c := path.Clean(path.Join(base, p))
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", fail(ErrNotPermitted)
	}
	return c, nil
}

func hashOf(parts ...uint64) MetadataHash {
	h := blake3.New()
	var buf [8]byte
	for _, p := range parts {
		for i := range buf {
			buf[i] = byte(p >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	sum := h.Sum(nil)
	var out MetadataHash
	for i := 0; i < 8; i++ {
		out.Lower |= uint64(sum[i]) << (8 * i)
		out.Upper |= uint64(sum[8+i]) << (8 * i)
	}
	return out
}

// ErrorCode is the wasi:filesystem error-code enum.
type ErrorCode uint8

const (
	ErrAccess ErrorCode = iota
	ErrWouldBlock
	ErrAlready
	ErrBadDescriptor
	ErrBusy
	ErrDeadlock
	ErrQuota
	ErrExist
	ErrFileTooLarge
	ErrIllegalByteSequence
	ErrInProgress
	ErrInterrupted
	ErrInvalid
	ErrIO
	ErrIsDirectory
	ErrLoop
	ErrTooManyLinks
	ErrMessageSize
	ErrNameTooLong
	ErrNoDevice
	ErrNoEntry
	ErrNoLock
	ErrInsufficientMemory
	ErrInsufficientSpace
	ErrNotDirectory
	ErrNotEmpty
	ErrNotRecoverable
	ErrUnsupported
	ErrNoTTY
	ErrNoSuchDevice
	ErrOverflow
	ErrNotPermitted
	ErrPipe
	ErrReadOnly
	ErrInvalidSeek
	ErrTextFileBusy
	ErrCrossDevice
)

var codeNames = map[ErrorCode]string{
	ErrAccess:        "access",
	ErrBadDescriptor: "bad-descriptor",
	ErrExist:         "exist",
	ErrInvalid:       "invalid",
	ErrIO:            "io",
	ErrIsDirectory:   "is-directory",
	ErrLoop:          "loop",
	ErrNameTooLong:   "name-too-long",
	ErrNoEntry:       "no-entry",
	ErrNotDirectory:  "not-directory",
	ErrNotEmpty:      "not-empty",
	ErrUnsupported:   "unsupported",
	ErrNotPermitted:  "not-permitted",
	ErrReadOnly:      "read-only",
	ErrInterrupted:   "interrupted",
	ErrWouldBlock:    "would-block",
	ErrCrossDevice:   "cross-device",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "error"
}

// Error is a filesystem failure with a guest-visible code.
type Error struct {
	Code ErrorCode
}

func (e *Error) Error() string { return "filesystem: " + e.Code.String() }

func fail(code ErrorCode) *Error { return &Error{Code: code} }

// errnoCodes maps wazero errno values onto error codes.
var errnoCodes = map[experimentalsys.Errno]ErrorCode{
	experimentalsys.EACCES:       ErrAccess,
	experimentalsys.EAGAIN:       ErrWouldBlock,
	experimentalsys.EBADF:        ErrBadDescriptor,
	experimentalsys.EEXIST:       ErrExist,
	experimentalsys.EINTR:        ErrInterrupted,
	experimentalsys.EINVAL:       ErrInvalid,
	experimentalsys.EIO:          ErrIO,
	experimentalsys.EISDIR:       ErrIsDirectory,
	experimentalsys.ELOOP:        ErrLoop,
	experimentalsys.ENAMETOOLONG: ErrNameTooLong,
	experimentalsys.ENOENT:       ErrNoEntry,
	experimentalsys.ENOSYS:       ErrUnsupported,
	experimentalsys.ENOTDIR:      ErrNotDirectory,
	experimentalsys.ERANGE:       ErrOverflow,
	experimentalsys.ENOTEMPTY:    ErrNotEmpty,
	experimentalsys.ENOTSUP:      ErrUnsupported,
	experimentalsys.EPERM:        ErrNotPermitted,
	experimentalsys.EROFS:        ErrReadOnly,
}

func errno(e experimentalsys.Errno) error {
	if e == 0 {
		return nil
	}
	if code, ok := errnoCodes[e]; ok {
		return fail(code)
	}
	return fail(ErrIO)
}

// Code extracts the error code carried by err. Traps are raised.
func Code(err error) (ErrorCode, bool) {
	if err == nil {
		return 0, false
	}
	errors.Raise(err)
	var fe *Error
	if goerrors.As(err, &fe) {
		return fe.Code, true
	}
	var en experimentalsys.Errno
	if goerrors.As(err, &en) {
		if code, ok := errnoCodes[en]; ok {
			return code, true
		}
	}
	return ErrIO, true
}
