package policy

import (
	"fmt"
	"strings"

	"github.com/tidwall/btree"
)

// EntryKind tags the filesystem entry variant.
type EntryKind uint8

const (
	EntrySource      EntryKind = iota // literal contents
	EntryVirtualize                   // local path captured at generation time
	EntryRuntimeFile                  // host path forwarded at run time
	EntryDir                          // ordered children
	EntrySymlink                      // link to another path of the tree
)

func (k EntryKind) String() string {
	switch k {
	case EntrySource:
		return "source"
	case EntryVirtualize:
		return "virtualize"
	case EntryRuntimeFile:
		return "runtime"
	case EntryDir:
		return "dir"
	case EntrySymlink:
		return "symlink"
	default:
		return fmt.Sprintf("entry(%d)", uint8(k))
	}
}

// Entry is one node of the virtual filesystem description. Directory
// children are kept in name order; a tree only grows downward, so adding an
// ancestor as a child is rejected.
type Entry struct {
	kind     EntryKind
	data     []byte
	path     string
	children *btree.Map[string, *Entry]
}

// Source creates a file entry with literal contents.
func Source(data []byte) *Entry {
	return &Entry{kind: EntrySource, data: append([]byte(nil), data...)}
}

// SourceString creates a file entry from a string.
func SourceString(s string) *Entry {
	return &Entry{kind: EntrySource, data: []byte(s)}
}

// Virtualize creates an entry read from localPath when the adapter is generated.
func Virtualize(localPath string) *Entry {
	return &Entry{kind: EntryVirtualize, path: localPath}
}

// RuntimeFile creates an entry forwarded to hostPath at run time.
func RuntimeFile(hostPath string) *Entry {
	return &Entry{kind: EntryRuntimeFile, path: hostPath}
}

// Symlink creates a link resolved inside the virtual tree when opened. An
// absolute target starts at the preopen root; a relative one at the
// directory holding the link.
func Symlink(target string) *Entry {
	return &Entry{kind: EntrySymlink, path: target}
}

// Dir creates an empty directory entry.
func Dir() *Entry {
	return &Entry{kind: EntryDir, children: btree.NewMap[string, *Entry](0)}
}

func (e *Entry) Kind() EntryKind { return e.kind }

// Bytes returns the contents of a Source entry.
func (e *Entry) Bytes() []byte { return e.data }

// Path returns the local path of a Virtualize entry, the host path of a
// RuntimeFile or the target of a Symlink.
func (e *Entry) Path() string { return e.path }

// Len returns the number of children of a directory.
func (e *Entry) Len() int {
	if e.children == nil {
		return 0
	}
	return e.children.Len()
}

// Add inserts a named child into a directory.
func (e *Entry) Add(name string, child *Entry) error {
	if e.kind != EntryDir {
		return fmt.Errorf("cannot add %q: %s entry is not a directory", name, e.kind)
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if child == nil {
		return fmt.Errorf("cannot add %q: nil entry", name)
	}
	if child == e || child.contains(e) {
		return fmt.Errorf("cannot add %q: entry would contain itself", name)
	}
	if _, exists := e.children.Get(name); exists {
		return fmt.Errorf("duplicate entry name %q", name)
	}
	e.children.Set(name, child)
	return nil
}

// With adds children and returns the directory, collecting the first error.
func (e *Entry) With(children map[string]*Entry) (*Entry, error) {
	for name, child := range children {
		if err := e.Add(name, child); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Child looks up a direct child by name.
func (e *Entry) Child(name string) (*Entry, bool) {
	if e.children == nil {
		return nil, false
	}
	return e.children.Get(name)
}

// Each visits children in name order until fn returns false.
func (e *Entry) Each(fn func(name string, child *Entry) bool) {
	if e.children == nil {
		return
	}
	e.children.Scan(fn)
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	out := &Entry{kind: e.kind, path: e.path}
	if e.data != nil {
		out.data = append([]byte(nil), e.data...)
	}
	if e.children != nil {
		out.children = btree.NewMap[string, *Entry](0)
		e.children.Scan(func(name string, child *Entry) bool {
			out.children.Set(name, child.Clone())
			return true
		})
	}
	return out
}

// Walk visits the entry and its descendants depth-first in name order.
func (e *Entry) Walk(fn func(path []string, entry *Entry) error) error {
	return e.walk(nil, fn)
}

func (e *Entry) walk(path []string, fn func([]string, *Entry) error) error {
	if err := fn(path, e); err != nil {
		return err
	}
	var err error
	e.Each(func(name string, child *Entry) bool {
		next := append(append([]string(nil), path...), name)
		err = child.walk(next, fn)
		return err == nil
	})
	return err
}

func (e *Entry) contains(target *Entry) bool {
	found := false
	e.Each(func(_ string, child *Entry) bool {
		if child == target || child.contains(target) {
			found = true
		}
		return !found
	})
	return found
}

// ValidateName rejects names that cannot appear as a single path segment.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty entry name")
	case name == "." || name == "..":
		return fmt.Errorf("invalid entry name %q", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("entry name %q contains a path separator", name)
	}
	return nil
}
