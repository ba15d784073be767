package fs

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"

	"github.com/wippyai/wasi-virt/state"
)

type virtualFS struct {
	st   *state.State
	host Host

	once     sync.Once
	preopens []Preopen
}

// Preopens lists the embedded roots, then host remaps and inherited host
// preopens for roots the embedded tree does not cover. Host access is
// skipped entirely when host preopens are denied.
func (v *virtualFS) Preopens() ([]Preopen, error) {
	v.once.Do(v.buildPreopens)
	return v.preopens, nil
}

func (v *virtualFS) buildPreopens() {
	cfg := v.st.FS
	remap := make(map[string]string, len(cfg.HostPreopens))
	if !cfg.DenyHost {
		for _, hp := range cfg.HostPreopens {
			remap[hp[0]] = hp[1]
		}
	}

	covered := make(map[string]bool)
	for _, p := range cfg.Preopens {
		dir := &virtualDir{fs: v, root: p.Node, node: p.Node, rel: "."}
		if host, ok := remap[p.Path]; ok && v.host != nil {
			dir.fallback = v.host.Dir(host)
		}
		v.preopens = append(v.preopens, Preopen{Path: p.Path, Dir: dir})
		covered[p.Path] = true
	}

	if !cfg.DenyHost && v.host != nil {
		for _, hp := range cfg.HostPreopens {
			if !covered[hp[0]] {
				v.preopens = append(v.preopens, Preopen{Path: hp[0], Dir: newHostDir(v.host.Dir(hp[1]))})
				covered[hp[0]] = true
			}
		}
		if cfg.InheritHost {
			for _, hp := range v.host.Preopens() {
				if !covered[hp.Path] {
					v.preopens = append(v.preopens, Preopen{Path: hp.Path, Dir: newHostDir(v.host.Dir(hp.Dir))})
					covered[hp.Path] = true
				}
			}
		}
	}
	sort.Slice(v.preopens, func(i, j int) bool { return v.preopens[i].Path < v.preopens[j].Path })
}

func (v *virtualFS) Open(p string, oflags, dflags uint8) (Descriptor, error) {
	pre, err := v.Preopens()
	if err != nil {
		return nil, err
	}
	return openAbs(pre, p, oflags, dflags)
}

// maxSymlinks bounds link expansion within one lookup.
const maxSymlinks = 40

// walk follows rel from a preopen root and returns the node and its path
// with every link expanded. A link in the last segment is expanded only when
// follow is set. found is false when a segment is missing, in which case
// resolved is the path still to look up elsewhere. A non-directory in the
// middle of the path is an error.
func (v *virtualFS) walk(root uint32, rel string, follow bool) (node uint32, resolved string, found bool, err error) {
	segs := splitPath(rel)
	node = root
	var cur []string
	hops := 0
	for len(segs) > 0 {
		seg := segs[0]
		segs = segs[1:]
		if v.st.Nodes[node].Kind != state.NodeDir {
			return 0, "", false, fail(ErrNotDirectory)
		}
		child, ok := v.st.Child(node, seg)
		if !ok {
			rest := append(append(append([]string(nil), cur...), seg), segs...)
			return 0, strings.Join(rest, "/"), false, nil
		}
		n := v.st.Nodes[child]
		if n.Kind != state.NodeSymlink || (len(segs) == 0 && !follow) {
			node = child
			cur = append(cur, seg)
			continue
		}

		hops++
		if hops > maxSymlinks {
			return 0, "", false, fail(ErrLoop)
		}
		var target string
		if path.IsAbs(n.Host) {
			target, err = resolve(".", strings.TrimLeft(n.Host, "/"))
		} else {
			target, err = resolve(joinSegs(cur), n.Host)
		}
		if err != nil {
			return 0, "", false, err
		}
		segs = append(splitPath(target), segs...)
		node, cur = root, nil
	}
	return node, joinSegs(cur), true, nil
}

func splitPath(p string) []string {
	if p == "." || p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func joinSegs(segs []string) string {
	if len(segs) == 0 {
		return "."
	}
	return strings.Join(segs, "/")
}

// virtualDir is a directory of the embedded tree. fallback is the host
// directory that serves entries the tree does not contain.
type virtualDir struct {
	fs       *virtualFS
	root     uint32
	node     uint32
	rel      string
	fallback experimentalsys.FS
}

func (d *virtualDir) Type() DescriptorType { return TypeDirectory }

func (d *virtualDir) Stat() (Stat, error) {
	n := d.fs.st.Nodes[d.node]
	return Stat{Type: TypeDirectory, LinkCount: 1, Size: uint64(n.Count)}, nil
}

func (d *virtualDir) MetadataHash() (MetadataHash, error) {
	return hashOf(uint64(d.node), uint64(state.NodeDir)), nil
}

func (d *virtualDir) Read(uint64, uint64) ([]byte, bool, error) { return nil, false, fail(ErrIsDirectory) }
func (d *virtualDir) Write([]byte, uint64) (uint64, error)      { return 0, fail(ErrIsDirectory) }
func (d *virtualDir) Close() error                              { return nil }

func (d *virtualDir) ReadDir() ([]DirEntry, error) {
	first, count, err := d.fs.st.Children(d.node)
	if err != nil {
		return nil, fail(ErrIO)
	}
	seen := make(map[string]bool, count)
	out := make([]DirEntry, 0, count)
	for i := first; i < first+count; i++ {
		n := d.fs.st.Nodes[i]
		t := TypeRegularFile
		switch n.Kind {
		case state.NodeDir:
			t = TypeDirectory
		case state.NodeSymlink:
			t = TypeSymbolicLink
		}
		out = append(out, DirEntry{Type: t, Name: n.Name})
		seen[n.Name] = true
	}
	if d.fallback != nil {
		host, err := (&hostDir{fsys: d.fallback, rel: d.rel}).ReadDir()
		if err == nil {
			for _, e := range host {
				if !seen[e.Name] {
					out = append(out, e)
				}
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out, nil
}

// locate resolves p relative to this directory. A missing entry with a
// fallback yields the host directory and the path within it.
func (d *virtualDir) locate(p string, follow bool) (rel string, node uint32, host *hostDir, err error) {
	rel, err = resolve(d.rel, p)
	if err != nil {
		return "", 0, nil, err
	}
	node, rel, found, err := d.fs.walk(d.root, rel, follow)
	if err != nil {
		return "", 0, nil, err
	}
	if !found {
		if d.fallback != nil {
			return rel, 0, &hostDir{fsys: d.fallback, rel: "."}, nil
		}
		return rel, 0, nil, fail(ErrNoEntry)
	}
	return rel, node, nil, nil
}

func (d *virtualDir) OpenAt(p string, oflags, dflags uint8) (Descriptor, error) {
	rel, node, host, err := d.locate(p, true)
	if host != nil {
		return host.OpenAt(rel, oflags, dflags)
	}
	if err != nil {
		if oflags&OpenCreate != 0 {
			if fe, ok := err.(*Error); ok && fe.Code == ErrNoEntry {
				return nil, fail(ErrUnsupported)
			}
		}
		return nil, err
	}
	if oflags&OpenCreate != 0 && oflags&OpenExclusive != 0 {
		return nil, fail(ErrExist)
	}

	n := d.fs.st.Nodes[node]
	switch n.Kind {
	case state.NodeDir:
		if oflags&OpenTruncate != 0 {
			return nil, fail(ErrIsDirectory)
		}
		return &virtualDir{fs: d.fs, root: d.root, node: node, rel: rel, fallback: d.fallback}, nil
	case state.NodeFile:
		if oflags&OpenDirectory != 0 {
			return nil, fail(ErrNotDirectory)
		}
		if oflags&OpenTruncate != 0 {
			return nil, fail(ErrUnsupported)
		}
		return &virtualFile{fs: d.fs, node: node}, nil
	case state.NodeRuntimeFile:
		if oflags&OpenDirectory != 0 {
			return nil, fail(ErrNotDirectory)
		}
		if d.fs.host == nil {
			return nil, fail(ErrNoEntry)
		}
		dir, base := filepath.Split(n.Host)
		return openHostFile(d.fs.host.Dir(dir), base, oflags&^OpenExclusive, dflags)
	}
	return nil, fail(ErrIO)
}

// mutate forwards a modification to the fallback; the embedded tree
// itself is read-only.
func (d *virtualDir) mutate(p string, op func(h *hostDir, rel string) error) error {
	rel, _, host, err := d.locate(p, false)
	if host != nil {
		return op(host, rel)
	}
	if err != nil {
		return err
	}
	return fail(ErrUnsupported)
}

func (d *virtualDir) CreateDirectoryAt(p string) error {
	rel, _, host, err := d.locate(p, false)
	switch {
	case host != nil:
		return host.CreateDirectoryAt(rel)
	case err == nil:
		return fail(ErrExist)
	}
	if fe, ok := err.(*Error); ok && fe.Code == ErrNoEntry {
		return fail(ErrUnsupported)
	}
	return err
}

func (d *virtualDir) UnlinkFileAt(p string) error {
	return d.mutate(p, func(h *hostDir, rel string) error { return h.UnlinkFileAt(rel) })
}

func (d *virtualDir) RemoveDirectoryAt(p string) error {
	return d.mutate(p, func(h *hostDir, rel string) error { return h.RemoveDirectoryAt(rel) })
}

func (d *virtualDir) RenameAt(from string, to Descriptor, toPath string) error {
	return d.mutate(from, func(h *hostDir, rel string) error {
		if td, ok := to.(*virtualDir); ok && td.fallback == d.fallback {
			target, err := resolve(td.rel, toPath)
			if err != nil {
				return err
			}
			return h.RenameAt(rel, &hostDir{fsys: d.fallback, rel: "."}, target)
		}
		return h.RenameAt(rel, to, toPath)
	})
}

func (d *virtualDir) ReadlinkAt(p string) (string, error) {
	rel, node, host, err := d.locate(p, false)
	if host != nil {
		return host.ReadlinkAt(rel)
	}
	if err != nil {
		return "", err
	}
	if n := d.fs.st.Nodes[node]; n.Kind == state.NodeSymlink {
		return n.Host, nil
	}
	return "", fail(ErrInvalid)
}

// virtualFile is a read-only embedded file. Its contents are decoded on
// first access.
type virtualFile struct {
	fs   *virtualFS
	node uint32

	once sync.Once
	data []byte
	err  error
}

// Bytes returns the full decoded contents.
func (f *virtualFile) Bytes() ([]byte, error) {
	f.once.Do(func() {
		f.data, f.err = f.fs.st.File(f.node)
		if f.err != nil {
			f.err = fail(ErrIO)
		}
	})
	return f.data, f.err
}

func (f *virtualFile) Type() DescriptorType { return TypeRegularFile }

func (f *virtualFile) Stat() (Stat, error) {
	return Stat{Type: TypeRegularFile, LinkCount: 1, Size: uint64(f.fs.st.Nodes[f.node].Size)}, nil
}

func (f *virtualFile) MetadataHash() (MetadataHash, error) {
	return hashOf(uint64(f.node), uint64(f.fs.st.Nodes[f.node].Size)), nil
}

func (f *virtualFile) Read(length, offset uint64) ([]byte, bool, error) {
	data, err := f.Bytes()
	if err != nil {
		return nil, false, err
	}
	if offset >= uint64(len(data)) {
		return nil, true, nil
	}
	end := offset + length
	if end > uint64(len(data)) || end < offset {
		end = uint64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), end == uint64(len(data)), nil
}

func (f *virtualFile) Write([]byte, uint64) (uint64, error) { return 0, fail(ErrUnsupported) }
func (f *virtualFile) ReadDir() ([]DirEntry, error)         { return nil, fail(ErrNotDirectory) }
func (f *virtualFile) Close() error                         { return nil }

func (f *virtualFile) OpenAt(string, uint8, uint8) (Descriptor, error) {
	return nil, fail(ErrNotDirectory)
}

func (f *virtualFile) CreateDirectoryAt(string) error            { return fail(ErrNotDirectory) }
func (f *virtualFile) UnlinkFileAt(string) error                 { return fail(ErrNotDirectory) }
func (f *virtualFile) RemoveDirectoryAt(string) error            { return fail(ErrNotDirectory) }
func (f *virtualFile) ReadlinkAt(string) (string, error)         { return "", fail(ErrNotDirectory) }
func (f *virtualFile) RenameAt(string, Descriptor, string) error { return fail(ErrNotDirectory) }
