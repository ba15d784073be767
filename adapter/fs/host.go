package fs

import (
	"context"
	goerrors "errors"
	goio "io"

	vio "github.com/wippyai/wasi-virt/adapter/io"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/resource"
)

// PreopenEntry is one result of get-directories.
type PreopenEntry struct {
	Descriptor uint32
	Path       string
}

type openDescriptor struct{ Descriptor }

func (d openDescriptor) Drop() { _ = d.Close() }

type dirStream struct {
	entries []DirEntry
	pos     int
}

// offsetReader reads a descriptor sequentially from a starting offset.
type offsetReader struct {
	d   Descriptor
	off uint64
}

func (r *offsetReader) Read(p []byte) (int, error) {
	data, eof, err := r.d.Read(uint64(len(p)), r.off)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	r.off += uint64(n)
	if n == 0 && eof {
		return 0, goio.EOF
	}
	return n, nil
}

// offsetWriter writes sequentially from a starting offset. With appending
// set, every write lands at the current end of file.
type offsetWriter struct {
	d         Descriptor
	off       uint64
	appending bool
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	if w.appending {
		st, err := w.d.Stat()
		if err != nil {
			return 0, err
		}
		w.off = st.Size
	}
	n, err := w.d.Write(p, w.off)
	w.off += n
	return int(n), err
}

// FilesystemHost binds wasi:filesystem/types and wasi:filesystem/preopens
// to a resource table.
type FilesystemHost struct {
	table *resource.Table
	fs    Filesystem
}

// NewFilesystemHost creates a filesystem host over table.
func NewFilesystemHost(table *resource.Table, fs Filesystem) *FilesystemHost {
	return &FilesystemHost{table: table, fs: fs}
}

func (h *FilesystemHost) guard(op string) {
	if _, denied := h.fs.(deny); denied {
		panic(errors.Denied("fs", op))
	}
}

func (h *FilesystemHost) descriptor(self uint32) (Descriptor, *Error) {
	d, ok := resource.Lookup[openDescriptor](h.table, resource.Handle(self), resource.KindDescriptor)
	if !ok {
		return nil, fail(ErrBadDescriptor)
	}
	return d.Descriptor, nil
}

// toError converts a descriptor failure for the guest. Traps are raised.
func toError(err error) *Error {
	if err == nil {
		return nil
	}
	code, _ := Code(err)
	return fail(code)
}

func (h *FilesystemHost) insert(d Descriptor) uint32 {
	return uint32(h.table.Insert(resource.KindDescriptor, openDescriptor{d}))
}

func (h *FilesystemHost) MethodDescriptorReadViaStream(_ context.Context, self uint32, offset uint64) (uint32, *Error) {
	h.guard("types.descriptor.read-via-stream")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return 0, ferr
	}
	if d.Type() == TypeDirectory {
		return 0, fail(ErrIsDirectory)
	}
	var stream vio.InputStream
	if vf, ok := d.(*virtualFile); ok {
		data, err := vf.Bytes()
		if err != nil {
			return 0, toError(err)
		}
		if offset > uint64(len(data)) {
			offset = uint64(len(data))
		}
		stream = vio.NewBytesStream(data[offset:])
	} else {
		stream = vio.NewReaderStream(&offsetReader{d: d, off: offset})
	}
	return uint32(h.table.Insert(resource.KindInputStream, stream)), nil
}

func (h *FilesystemHost) MethodDescriptorWriteViaStream(_ context.Context, self uint32, offset uint64) (uint32, *Error) {
	h.guard("types.descriptor.write-via-stream")
	return h.writeStream(self, &offsetWriter{off: offset})
}

func (h *FilesystemHost) MethodDescriptorAppendViaStream(_ context.Context, self uint32) (uint32, *Error) {
	h.guard("types.descriptor.append-via-stream")
	return h.writeStream(self, &offsetWriter{appending: true})
}

func (h *FilesystemHost) writeStream(self uint32, w *offsetWriter) (uint32, *Error) {
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return 0, ferr
	}
	switch d.(type) {
	case *virtualDir, *hostDir:
		return 0, fail(ErrIsDirectory)
	case *virtualFile:
		return 0, fail(ErrUnsupported)
	}
	w.d = d
	return uint32(h.table.Insert(resource.KindOutputStream, vio.NewWriterStream(w))), nil
}

func (h *FilesystemHost) MethodDescriptorGetType(_ context.Context, self uint32) (DescriptorType, *Error) {
	h.guard("types.descriptor.get-type")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return TypeUnknown, ferr
	}
	return d.Type(), nil
}

func (h *FilesystemHost) MethodDescriptorStat(_ context.Context, self uint32) (Stat, *Error) {
	h.guard("types.descriptor.stat")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return Stat{}, ferr
	}
	st, err := d.Stat()
	return st, toError(err)
}

// at opens p relative to self for a one-shot query. Path flags are
// accepted but symlinks are always followed.
func (h *FilesystemHost) at(self uint32, p string) (Descriptor, *Error) {
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return nil, ferr
	}
	target, err := d.OpenAt(p, 0, DescRead)
	if err != nil {
		return nil, toError(err)
	}
	return target, nil
}

func (h *FilesystemHost) MethodDescriptorStatAt(_ context.Context, self uint32, _ uint8, p string) (Stat, *Error) {
	h.guard("types.descriptor.stat-at")
	target, ferr := h.at(self, p)
	if ferr != nil {
		return Stat{}, ferr
	}
	defer target.Close()
	st, err := target.Stat()
	return st, toError(err)
}

func (h *FilesystemHost) MethodDescriptorOpenAt(_ context.Context, self uint32, _ uint8, p string, oflags, dflags uint8) (uint32, *Error) {
	h.guard("types.descriptor.open-at")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return 0, ferr
	}
	opened, err := d.OpenAt(p, oflags, dflags)
	if err != nil {
		return 0, toError(err)
	}
	return h.insert(opened), nil
}

func (h *FilesystemHost) MethodDescriptorRead(_ context.Context, self uint32, length, offset uint64) ([]byte, bool, *Error) {
	h.guard("types.descriptor.read")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return nil, false, ferr
	}
	data, eof, err := d.Read(length, offset)
	return data, eof, toError(err)
}

func (h *FilesystemHost) MethodDescriptorWrite(_ context.Context, self uint32, data []byte, offset uint64) (uint64, *Error) {
	h.guard("types.descriptor.write")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return 0, ferr
	}
	n, err := d.Write(data, offset)
	return n, toError(err)
}

func (h *FilesystemHost) MethodDescriptorReadDirectory(_ context.Context, self uint32) (uint32, *Error) {
	h.guard("types.descriptor.read-directory")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return 0, ferr
	}
	entries, err := d.ReadDir()
	if err != nil {
		return 0, toError(err)
	}
	return uint32(h.table.Insert(resource.KindDirectoryStream, &dirStream{entries: entries})), nil
}

func (h *FilesystemHost) MethodDescriptorCreateDirectoryAt(_ context.Context, self uint32, p string) *Error {
	h.guard("types.descriptor.create-directory-at")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return ferr
	}
	return toError(d.CreateDirectoryAt(p))
}

func (h *FilesystemHost) MethodDescriptorUnlinkFileAt(_ context.Context, self uint32, p string) *Error {
	h.guard("types.descriptor.unlink-file-at")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return ferr
	}
	return toError(d.UnlinkFileAt(p))
}

func (h *FilesystemHost) MethodDescriptorRemoveDirectoryAt(_ context.Context, self uint32, p string) *Error {
	h.guard("types.descriptor.remove-directory-at")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return ferr
	}
	return toError(d.RemoveDirectoryAt(p))
}

func (h *FilesystemHost) MethodDescriptorRenameAt(_ context.Context, self uint32, oldPath string, newDescriptor uint32, newPath string) *Error {
	h.guard("types.descriptor.rename-at")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return ferr
	}
	to, ferr := h.descriptor(newDescriptor)
	if ferr != nil {
		return ferr
	}
	return toError(d.RenameAt(oldPath, to, newPath))
}

func (h *FilesystemHost) MethodDescriptorReadlinkAt(_ context.Context, self uint32, p string) (string, *Error) {
	h.guard("types.descriptor.readlink-at")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return "", ferr
	}
	target, err := d.ReadlinkAt(p)
	return target, toError(err)
}

func (h *FilesystemHost) MethodDescriptorMetadataHash(_ context.Context, self uint32) (MetadataHash, *Error) {
	h.guard("types.descriptor.metadata-hash")
	d, ferr := h.descriptor(self)
	if ferr != nil {
		return MetadataHash{}, ferr
	}
	sum, err := d.MetadataHash()
	return sum, toError(err)
}

func (h *FilesystemHost) MethodDescriptorMetadataHashAt(_ context.Context, self uint32, _ uint8, p string) (MetadataHash, *Error) {
	h.guard("types.descriptor.metadata-hash-at")
	target, ferr := h.at(self, p)
	if ferr != nil {
		return MetadataHash{}, ferr
	}
	defer target.Close()
	sum, err := target.MetadataHash()
	return sum, toError(err)
}

// [method]directory-entry-stream.read-directory-entry returns nil once the
// listing is exhausted.
func (h *FilesystemHost) MethodDirectoryEntryStreamReadDirectoryEntry(_ context.Context, self uint32) (*DirEntry, *Error) {
	h.guard("types.directory-entry-stream.read-directory-entry")
	s, ok := resource.Lookup[*dirStream](h.table, resource.Handle(self), resource.KindDirectoryStream)
	if !ok {
		return nil, fail(ErrBadDescriptor)
	}
	if s.pos >= len(s.entries) {
		return nil, nil
	}
	e := s.entries[s.pos]
	s.pos++
	return &e, nil
}

func (h *FilesystemHost) ResourceDropDescriptor(_ context.Context, self uint32) {
	if _, ok := h.table.GetKind(resource.Handle(self), resource.KindDescriptor); ok {
		h.table.Remove(resource.Handle(self))
	}
}

func (h *FilesystemHost) ResourceDropDirectoryEntryStream(_ context.Context, self uint32) {
	if _, ok := h.table.GetKind(resource.Handle(self), resource.KindDirectoryStream); ok {
		h.table.Remove(resource.Handle(self))
	}
}

// FilesystemErrorCode inspects an io error resource. It returns nil when
// the error did not come from the filesystem.
func (h *FilesystemHost) FilesystemErrorCode(_ context.Context, errHandle uint32) *ErrorCode {
	h.guard("types.filesystem-error-code")
	err, ok := resource.Lookup[error](h.table, resource.Handle(errHandle), resource.KindError)
	if !ok {
		return nil
	}
	var fe *Error
	if goerrors.As(err, &fe) {
		code := fe.Code
		return &code
	}
	return nil
}

// GetDirectories hands every preopen to the guest as a new descriptor.
func (h *FilesystemHost) GetDirectories(_ context.Context) []PreopenEntry {
	pre, err := h.fs.Preopens()
	if err != nil {
		errors.Raise(err)
		return nil
	}
	out := make([]PreopenEntry, 0, len(pre))
	for _, p := range pre {
		out = append(out, PreopenEntry{Descriptor: h.insert(p.Dir), Path: p.Path})
	}
	return out
}

// Register returns the entry points keyed by interface name.
func (h *FilesystemHost) Register() map[string]map[string]any {
	return map[string]map[string]any{
		"wasi:filesystem/types": {
			"[method]descriptor.read-via-stream":                  h.MethodDescriptorReadViaStream,
			"[method]descriptor.write-via-stream":                 h.MethodDescriptorWriteViaStream,
			"[method]descriptor.append-via-stream":                h.MethodDescriptorAppendViaStream,
			"[method]descriptor.get-type":                         h.MethodDescriptorGetType,
			"[method]descriptor.stat":                             h.MethodDescriptorStat,
			"[method]descriptor.stat-at":                          h.MethodDescriptorStatAt,
			"[method]descriptor.open-at":                          h.MethodDescriptorOpenAt,
			"[method]descriptor.read":                             h.MethodDescriptorRead,
			"[method]descriptor.write":                            h.MethodDescriptorWrite,
			"[method]descriptor.read-directory":                   h.MethodDescriptorReadDirectory,
			"[method]descriptor.create-directory-at":              h.MethodDescriptorCreateDirectoryAt,
			"[method]descriptor.unlink-file-at":                   h.MethodDescriptorUnlinkFileAt,
			"[method]descriptor.remove-directory-at":              h.MethodDescriptorRemoveDirectoryAt,
			"[method]descriptor.rename-at":                        h.MethodDescriptorRenameAt,
			"[method]descriptor.readlink-at":                      h.MethodDescriptorReadlinkAt,
			"[method]descriptor.metadata-hash":                    h.MethodDescriptorMetadataHash,
			"[method]descriptor.metadata-hash-at":                 h.MethodDescriptorMetadataHashAt,
			"[method]directory-entry-stream.read-directory-entry": h.MethodDirectoryEntryStreamReadDirectoryEntry,
			"[resource-drop]descriptor":                           h.ResourceDropDescriptor,
			"[resource-drop]directory-entry-stream":               h.ResourceDropDirectoryEntryStream,
			"filesystem-error-code":                               h.FilesystemErrorCode,
		},
		"wasi:filesystem/preopens": {
			"get-directories": h.GetDirectories,
		},
	}
}
