package fs

import (
	iofs "io/fs"
	"sync"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"
)

// maxRead bounds a single read request.
const maxRead = 1 << 20

func typeOf(mode iofs.FileMode) DescriptorType {
	switch {
	case mode.IsDir():
		return TypeDirectory
	case mode.IsRegular():
		return TypeRegularFile
	case mode&iofs.ModeSymlink != 0:
		return TypeSymbolicLink
	case mode&iofs.ModeNamedPipe != 0:
		return TypeFIFO
	case mode&iofs.ModeSocket != 0:
		return TypeSocket
	case mode&iofs.ModeCharDevice != 0:
		return TypeCharacterDevice
	case mode&iofs.ModeDevice != 0:
		return TypeBlockDevice
	}
	return TypeUnknown
}

func statOf(st sys.Stat_t) Stat {
	return Stat{Type: typeOf(st.Mode), LinkCount: st.Nlink, Size: uint64(st.Size), Mtime: st.Mtim}
}

func hashStat(st sys.Stat_t) MetadataHash {
	return hashOf(st.Dev, uint64(st.Ino), uint64(st.Size), uint64(st.Mtim))
}

// hostDir is a directory inside a host filesystem.
type hostDir struct {
	fsys experimentalsys.FS
	rel  string
}

func newHostDir(fsys experimentalsys.FS) *hostDir { return &hostDir{fsys: fsys, rel: "."} }

func (d *hostDir) Type() DescriptorType { return TypeDirectory }

func (d *hostDir) Stat() (Stat, error) {
	st, en := d.fsys.Stat(d.rel)
	if en != 0 {
		return Stat{}, errno(en)
	}
	return statOf(st), nil
}

func (d *hostDir) MetadataHash() (MetadataHash, error) {
	st, en := d.fsys.Stat(d.rel)
	if en != 0 {
		return MetadataHash{}, errno(en)
	}
	return hashStat(st), nil
}

func (d *hostDir) Read(uint64, uint64) ([]byte, bool, error) { return nil, false, fail(ErrIsDirectory) }
func (d *hostDir) Write([]byte, uint64) (uint64, error)      { return 0, fail(ErrIsDirectory) }
func (d *hostDir) Close() error                              { return nil }

func (d *hostDir) ReadDir() ([]DirEntry, error) {
	f, en := d.fsys.OpenFile(d.rel, experimentalsys.O_RDONLY|experimentalsys.O_DIRECTORY, 0)
	if en != 0 {
		return nil, errno(en)
	}
	defer f.Close()
	dirents, en := f.Readdir(-1)
	if en != 0 {
		return nil, errno(en)
	}
	out := make([]DirEntry, 0, len(dirents))
	for _, e := range dirents {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		out = append(out, DirEntry{Type: typeOf(e.Type), Name: e.Name})
	}
	return out, nil
}

func (d *hostDir) OpenAt(p string, oflags, dflags uint8) (Descriptor, error) {
	rel, err := resolve(d.rel, p)
	if err != nil {
		return nil, err
	}
	st, en := d.fsys.Stat(rel)
	exists := en == 0
	if exists && oflags&OpenCreate != 0 && oflags&OpenExclusive != 0 {
		return nil, fail(ErrExist)
	}
	if exists && st.Mode.IsDir() {
		if oflags&OpenTruncate != 0 {
			return nil, fail(ErrIsDirectory)
		}
		return &hostDir{fsys: d.fsys, rel: rel}, nil
	}
	if oflags&OpenDirectory != 0 {
		if !exists {
			return nil, errno(en)
		}
		return nil, fail(ErrNotDirectory)
	}
	if !exists && oflags&OpenCreate == 0 {
		return nil, errno(en)
	}
	return openHostFile(d.fsys, rel, oflags, dflags)
}

func (d *hostDir) CreateDirectoryAt(p string) error {
	rel, err := resolve(d.rel, p)
	if err != nil {
		return err
	}
	return errno(d.fsys.Mkdir(rel, 0o755))
}

func (d *hostDir) UnlinkFileAt(p string) error {
	rel, err := resolve(d.rel, p)
	if err != nil {
		return err
	}
	return errno(d.fsys.Unlink(rel))
}

func (d *hostDir) RemoveDirectoryAt(p string) error {
	rel, err := resolve(d.rel, p)
	if err != nil {
		return err
	}
	return errno(d.fsys.Rmdir(rel))
}

// RenameAt only renames within one host filesystem.
func (d *hostDir) RenameAt(from string, to Descriptor, toPath string) error {
	td, ok := to.(*hostDir)
	if !ok || td.fsys != d.fsys {
		return fail(ErrCrossDevice)
	}
	src, err := resolve(d.rel, from)
	if err != nil {
		return err
	}
	dst, err := resolve(td.rel, toPath)
	if err != nil {
		return err
	}
	return errno(d.fsys.Rename(src, dst))
}

func (d *hostDir) ReadlinkAt(p string) (string, error) {
	rel, err := resolve(d.rel, p)
	if err != nil {
		return "", err
	}
	target, en := d.fsys.Readlink(rel)
	return target, errno(en)
}

func openHostFile(fsys experimentalsys.FS, rel string, oflags, dflags uint8) (Descriptor, error) {
	var flag experimentalsys.Oflag
	switch {
	case dflags&DescWrite != 0 && dflags&DescRead != 0:
		flag = experimentalsys.O_RDWR
	case dflags&DescWrite != 0:
		flag = experimentalsys.O_WRONLY
	default:
		flag = experimentalsys.O_RDONLY
	}
	if oflags&OpenCreate != 0 {
		flag |= experimentalsys.O_CREAT
	}
	if oflags&OpenExclusive != 0 {
		flag |= experimentalsys.O_EXCL
	}
	if oflags&OpenTruncate != 0 {
		flag |= experimentalsys.O_TRUNC
	}
	f, en := fsys.OpenFile(rel, flag, 0o644)
	if en != 0 {
		return nil, errno(en)
	}
	return &hostFile{f: f}, nil
}

// hostFile is an open host file.
type hostFile struct {
	mu sync.Mutex
	f  experimentalsys.File
}

func (h *hostFile) Type() DescriptorType {
	st, en := h.f.Stat()
	if en != 0 {
		return TypeUnknown
	}
	return typeOf(st.Mode)
}

func (h *hostFile) Stat() (Stat, error) {
	st, en := h.f.Stat()
	if en != 0 {
		return Stat{}, errno(en)
	}
	return statOf(st), nil
}

func (h *hostFile) MetadataHash() (MetadataHash, error) {
	st, en := h.f.Stat()
	if en != 0 {
		return MetadataHash{}, errno(en)
	}
	return hashStat(st), nil
}

func (h *hostFile) Read(length, offset uint64) ([]byte, bool, error) {
	if length > maxRead {
		length = maxRead
	}
	buf := make([]byte, length)
	h.mu.Lock()
	n, en := h.f.Pread(buf, int64(offset))
	h.mu.Unlock()
	if en != 0 {
		return nil, false, errno(en)
	}
	return buf[:n], uint64(n) < length, nil
}

func (h *hostFile) Write(data []byte, offset uint64) (uint64, error) {
	h.mu.Lock()
	n, en := h.f.Pwrite(data, int64(offset))
	h.mu.Unlock()
	return uint64(n), errno(en)
}

func (h *hostFile) Close() error { return errno(h.f.Close()) }

func (h *hostFile) ReadDir() ([]DirEntry, error) { return nil, fail(ErrNotDirectory) }

func (h *hostFile) OpenAt(string, uint8, uint8) (Descriptor, error) {
	return nil, fail(ErrNotDirectory)
}

func (h *hostFile) CreateDirectoryAt(string) error            { return fail(ErrNotDirectory) }
func (h *hostFile) UnlinkFileAt(string) error                 { return fail(ErrNotDirectory) }
func (h *hostFile) RemoveDirectoryAt(string) error            { return fail(ErrNotDirectory) }
func (h *hostFile) ReadlinkAt(string) (string, error)         { return "", fail(ErrNotDirectory) }
func (h *hostFile) RenameAt(string, Descriptor, string) error { return fail(ErrNotDirectory) }
