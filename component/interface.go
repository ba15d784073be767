package component

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/tidwall/btree"
	"go.bytecodealliance.org/wit"
)

// Interface identifies a WIT interface, e.g. wasi:cli/environment@0.2.3.
type Interface struct {
	Namespace string
	Package   string
	Name      string
	Version   *semver.Version
}

// ParseInterface parses a fully qualified interface id. Package-level ids
// without an interface name are rejected.
func ParseInterface(s string) (Interface, error) {
	id, err := wit.ParseIdent(s)
	if err != nil {
		return Interface{}, err
	}
	if id.Extension == "" {
		return Interface{}, fmt.Errorf("%q names a package, not an interface", s)
	}
	return Interface{
		Namespace: id.Namespace,
		Package:   id.Package,
		Name:      id.Extension,
		Version:   id.Version,
	}, nil
}

// Key is the unversioned id, ns:pkg/name.
func (i Interface) Key() string {
	return i.Namespace + ":" + i.Package + "/" + i.Name
}

func (i Interface) String() string {
	if i.Version == nil {
		return i.Key()
	}
	return i.Key() + "@" + i.Version.String()
}

// VersionString returns the version or "unversioned".
func (i Interface) VersionString() string {
	if i.Version == nil {
		return "unversioned"
	}
	return i.Version.String()
}

// IsWASI reports whether the interface belongs to the wasi namespace.
func (i Interface) IsWASI() bool {
	return i.Namespace == "wasi"
}

// ImportSet is a set of interfaces keyed by unversioned id. Iteration is in
// key order.
type ImportSet struct {
	m btree.Map[string, Interface]
}

// NewImportSet creates a set holding ifaces.
func NewImportSet(ifaces ...Interface) *ImportSet {
	s := &ImportSet{}
	for _, i := range ifaces {
		s.Add(i)
	}
	return s
}

// ParseImportSet builds a set from interface ids.
func ParseImportSet(names ...string) (*ImportSet, error) {
	s := NewImportSet()
	for _, n := range names {
		i, err := ParseInterface(n)
		if err != nil {
			return nil, err
		}
		s.Add(i)
	}
	return s, nil
}

// Add inserts or replaces an interface.
func (s *ImportSet) Add(i Interface) {
	s.m.Set(i.Key(), i)
}

// Lookup finds an interface by unversioned id.
func (s *ImportSet) Lookup(key string) (Interface, bool) {
	if s == nil {
		return Interface{}, false
	}
	return s.m.Get(key)
}

// Has reports whether the set contains key.
func (s *ImportSet) Has(key string) bool {
	_, ok := s.Lookup(key)
	return ok
}

// Len returns the number of interfaces.
func (s *ImportSet) Len() int {
	if s == nil {
		return 0
	}
	return s.m.Len()
}

// Interfaces returns the members in key order.
func (s *ImportSet) Interfaces() []Interface {
	if s == nil {
		return nil
	}
	return s.m.Values()
}

// Keys returns the unversioned ids in order.
func (s *ImportSet) Keys() []string {
	if s == nil {
		return nil
	}
	return s.m.Keys()
}
