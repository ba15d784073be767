package state

import (
	"fmt"
	"math"
	"sort"

	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

// NodeKind tags an index entry. Values are part of the payload format.
type NodeKind uint8

const (
	NodeDir         NodeKind = 0
	NodeFile        NodeKind = 1
	NodeRuntimeFile NodeKind = 2
	NodeSymlink     NodeKind = 3
)

func (k NodeKind) String() string {
	switch k {
	case NodeDir:
		return "dir"
	case NodeFile:
		return "file"
	case NodeRuntimeFile:
		return "runtime-file"
	case NodeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Node is one entry of the flat filesystem index. Every node carries the same
// fields; their meaning depends on Kind:
//
//	dir:          First = index of first child, Count = number of children
//	file:         First = blob offset, Count = stored length, Size = file length
//	runtime-file: Host = host path
//	symlink:      Host = link target
type Node struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Kind  NodeKind
	First uint32
	Count uint32
	Size  uint32
	Codec Codec
	Host  string
}

// Env is the embedded environment configuration.
type Env struct {
	Overrides []policy.Override     `cbor:"overrides"`
	Host      policy.HostPolicyKind `cbor:"host"`
	Names     []string              `cbor:"names,omitempty"`
}

// Preopen binds a virtual root path to its index node.
type Preopen struct {
	Path string `cbor:"path"`
	Node uint32 `cbor:"node"`
}

// FS is the embedded filesystem configuration.
type FS struct {
	Preopens     []Preopen   `cbor:"preopens"`
	HostPreopens [][2]string `cbor:"host_preopens,omitempty"`
	InheritHost  bool        `cbor:"inherit_host,omitempty"`
	DenyHost     bool        `cbor:"deny_host,omitempty"`
}

// Stdio holds the resolved mode of each stream.
type Stdio struct {
	Stdin  policy.StreamMode `cbor:"stdin"`
	Stdout policy.StreamMode `cbor:"stdout"`
	Stderr policy.StreamMode `cbor:"stderr"`
}

// State is everything the adapter reads at start-up. Subsystems missing from
// Strategies were removed from the adapter.
type State struct {
	WASIVersion string                               `cbor:"wasi_version"`
	Debug       bool                                 `cbor:"debug,omitempty"`
	Strategies  map[policy.Subsystem]policy.Strategy `cbor:"strategies"`
	Env         *Env                                 `cbor:"env,omitempty"`
	FS          *FS                                  `cbor:"fs,omitempty"`
	Stdio       *Stdio                               `cbor:"stdio,omitempty"`
	Nodes       []Node                               `cbor:"nodes,omitempty"`

	// Blob holds file contents and is stored after the CBOR index.
	Blob []byte `cbor:"-"`
}

// FromPolicy flattens a validated policy into adapter state. fs replaces
// cfg.FS when non-nil and must already be materialized.
func FromPolicy(cfg *policy.Config, fs *policy.FSConfig) (*State, error) {
	if fs == nil {
		fs = cfg.FS
	}
	s := &State{
		WASIVersion: cfg.Version(),
		Debug:       cfg.Debug,
		Strategies:  make(map[policy.Subsystem]policy.Strategy),
	}
	for _, sub := range policy.Subsystems() {
		s.Strategies[sub] = cfg.Strategy(sub)
	}

	if s.Strategies[policy.Env] == policy.StrategyVirtual {
		env := &Env{
			Overrides: append([]policy.Override(nil), cfg.Env.Overrides...),
			Host:      cfg.Env.Host.Kind,
		}
		if len(cfg.Env.Host.Names) > 0 {
			env.Names = append([]string(nil), cfg.Env.Host.Names...)
			sort.Strings(env.Names)
		}
		s.Env = env
	}

	switch s.Strategies[policy.Stdio] {
	case policy.StrategyVirtual:
		s.Stdio = &Stdio{
			Stdin:  cfg.StreamMode(cfg.Stdio.Stdin),
			Stdout: cfg.StreamMode(cfg.Stdio.Stdout),
			Stderr: cfg.StreamMode(cfg.Stdio.Stderr),
		}
	case policy.StrategyForward:
		s.Stdio = &Stdio{Stdin: policy.StreamAllow, Stdout: policy.StreamAllow, Stderr: policy.StreamAllow}
	default:
		s.Stdio = &Stdio{Stdin: policy.StreamDeny, Stdout: policy.StreamDeny, Stderr: policy.StreamDeny}
	}

	if s.Strategies[policy.FS] == policy.StrategyVirtual && fs != nil {
		if err := s.flatten(fs, cfg.CompressCutoff); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type pending struct {
	entry *policy.Entry
	index int
	path  string
}

// flatten lays the preopen trees out breadth-first so that the children of
// every directory occupy a contiguous run of the index.
func (s *State) flatten(fs *policy.FSConfig, cutoff int) error {
	preopens := fs.Preopens()
	s.FS = &FS{
		HostPreopens: fs.HostPreopenList(),
		InheritHost:  fs.InheritHostPreopens,
		DenyHost:     fs.DenyHostPreopens,
	}
	s.Nodes = make([]Node, 0, len(preopens))
	queue := make([]pending, 0, len(preopens))
	for _, p := range preopens {
		s.FS.Preopens = append(s.FS.Preopens, Preopen{Path: p.Path, Node: uint32(len(s.Nodes))})
		s.Nodes = append(s.Nodes, Node{Name: p.Path})
		queue = append(queue, pending{entry: p.Entry, index: len(s.Nodes) - 1, path: p.Path})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		switch item.entry.Kind() {
		case policy.EntryDir:
			first := len(s.Nodes)
			item.entry.Each(func(name string, child *policy.Entry) bool {
				s.Nodes = append(s.Nodes, Node{Name: name})
				queue = append(queue, pending{entry: child, index: len(s.Nodes) - 1, path: joinPath(item.path, name)})
				return true
			})
			s.Nodes[item.index].Kind = NodeDir
			s.Nodes[item.index].First = uint32(first)
			s.Nodes[item.index].Count = uint32(len(s.Nodes) - first)

		case policy.EntrySource:
			if err := s.store(item, cutoff); err != nil {
				return err
			}

		case policy.EntryRuntimeFile:
			s.Nodes[item.index].Kind = NodeRuntimeFile
			s.Nodes[item.index].Host = item.entry.Path()

		case policy.EntrySymlink:
			s.Nodes[item.index].Kind = NodeSymlink
			s.Nodes[item.index].Host = item.entry.Path()

		default:
			return errors.New(errors.PhaseEncode, errors.KindInvalidInput).
				Subsystem(string(policy.FS)).
				Path(item.path).
				Detail("entry of kind %s must be materialized before encoding", item.entry.Kind()).
				Build()
		}
	}
	return nil
}

func (s *State) store(item pending, cutoff int) error {
	data := item.entry.Bytes()
	stored, codec := data, CodecNone
	if cutoff > 0 && len(data) >= cutoff {
		var err error
		stored, codec, err = compress(data)
		if err != nil {
			return errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Subsystem(string(policy.FS)).
				Path(item.path).
				Detail("compress file").
				Cause(err).
				Build()
		}
	}
	offset := len(s.Blob)
	if uint64(offset)+uint64(len(stored)) > math.MaxUint32 {
		return errors.OutOfBounds(errors.PhaseEncode, []string{item.path}, offset, len(stored))
	}
	s.Blob = append(s.Blob, stored...)
	n := &s.Nodes[item.index]
	n.Kind = NodeFile
	n.First = uint32(offset)
	n.Count = uint32(len(stored))
	n.Size = uint32(len(data))
	n.Codec = codec
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// HostFS reports whether the embedded filesystem reaches the host through
// remaps, inherited preopens or runtime files.
func (s *State) HostFS() bool {
	if s.FS == nil {
		return false
	}
	if !s.FS.DenyHost && (s.FS.InheritHost || len(s.FS.HostPreopens) > 0) {
		return true
	}
	for _, n := range s.Nodes {
		if n.Kind == NodeRuntimeFile {
			return true
		}
	}
	return false
}

// Has reports whether sub is still part of the adapter.
func (s *State) Has(sub policy.Subsystem) bool {
	_, ok := s.Strategies[sub]
	return ok
}

// Strategy returns the strategy of sub and whether the subsystem is present.
func (s *State) Strategy(sub policy.Subsystem) (policy.Strategy, bool) {
	st, ok := s.Strategies[sub]
	return st, ok
}

// Drop removes a subsystem together with its embedded configuration.
func (s *State) Drop(sub policy.Subsystem) {
	delete(s.Strategies, sub)
	switch sub {
	case policy.Env:
		s.Env = nil
	case policy.Stdio:
		s.Stdio = nil
	case policy.FS:
		s.FS = nil
		s.Nodes = nil
		s.Blob = nil
	}
}

// Subsystems lists the subsystems present, sorted.
func (s *State) Subsystems() []policy.Subsystem {
	out := make([]policy.Subsystem, 0, len(s.Strategies))
	for sub := range s.Strategies {
		out = append(out, sub)
	}
	return policy.SortSubsystems(out)
}

// Children returns the index range of a directory's children.
func (s *State) Children(node uint32) (first, count uint32, err error) {
	if int(node) >= len(s.Nodes) {
		return 0, 0, errors.OutOfBounds(errors.PhaseRuntime, nil, int(node), len(s.Nodes))
	}
	n := s.Nodes[node]
	if n.Kind != NodeDir {
		return 0, 0, errors.InvalidData(errors.PhaseRuntime, []string{n.Name}, "not a directory")
	}
	return n.First, n.Count, nil
}

// Child finds name among the children of a directory node.
func (s *State) Child(node uint32, name string) (uint32, bool) {
	first, count, err := s.Children(node)
	if err != nil {
		return 0, false
	}
	kids := s.Nodes[first : first+count]
	i := sort.Search(len(kids), func(i int) bool { return kids[i].Name >= name })
	if i < len(kids) && kids[i].Name == name {
		return first + uint32(i), true
	}
	return 0, false
}

// File returns the contents of a file node, decompressing as needed.
func (s *State) File(node uint32) ([]byte, error) {
	if int(node) >= len(s.Nodes) {
		return nil, errors.OutOfBounds(errors.PhaseRuntime, nil, int(node), len(s.Nodes))
	}
	n := s.Nodes[node]
	if n.Kind != NodeFile {
		return nil, errors.InvalidData(errors.PhaseRuntime, []string{n.Name}, "not an embedded file")
	}
	stored := s.Blob[n.First : n.First+n.Count]
	data, err := decompress(stored, n.Codec, int(n.Size))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, n.Name)
	}
	return data, nil
}
