package policy

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasi-virt/errors"
)

// Format names a config file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json" // comments and trailing commas allowed
)

// FormatFor picks a format from a file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// LoadFile reads a policy file. Relative Virtualize paths are resolved
// against the file's directory.
func LoadFile(path string, def Default) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(path).Detail("read policy file").Cause(err).Build()
	}
	return Parse(data, FormatFor(path), def, filepath.Dir(path))
}

// Parse decodes a policy document. baseDir anchors relative Virtualize paths;
// an empty baseDir leaves them untouched.
func Parse(data []byte, format Format, def Default, baseDir string) (Config, error) {
	if format == FormatJSON {
		data = jsonc.ToJSON(data)
	}

	var doc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return Config{}, errors.New(errors.PhaseConfig, errors.KindConfig).
			Detail("parse %s policy", format).Cause(err).Build()
	}

	b := NewBuilder(def)
	if doc.Default != "" {
		d, err := ParseDefault(doc.Default)
		if err != nil {
			return Config{}, configError("", "%v", err)
		}
		b.Default(d)
	}

	if doc.Env != nil {
		env := b.Env()
		for i, pair := range doc.Env.Overrides {
			if len(pair) != 2 {
				return Config{}, configError(Env, "override %d must be a [key, value] pair", i)
			}
			env.Override(pair[0], pair[1])
		}
		if doc.Env.Host != nil {
			env.env.Host = *doc.Env.Host
		}
	}

	if doc.FS != nil {
		fs := b.FS()
		for _, p := range doc.FS.Preopens.items {
			entry, err := p.entry.resolve(baseDir)
			if err != nil {
				return Config{}, errors.New(errors.PhaseConfig, errors.KindConfig).
					Subsystem(string(FS)).Path(p.name).Detail("%v", err).Build()
			}
			fs.Preopen(p.name, entry)
		}
		for v, h := range doc.FS.HostPreopens {
			fs.HostPreopen(v, h)
		}
		if doc.FS.InheritHostPreopens {
			fs.InheritHostPreopens()
		}
		if doc.FS.DenyHostPreopens {
			fs.DenyHostPreopens()
		}
	}

	if doc.Stdio != nil {
		*b.Stdio().stdio = StdioConfig(*doc.Stdio)
	}

	for _, s := range Toggles() {
		if v := doc.toggle(s); v != nil {
			b.cfg.SetToggle(s, *v)
		}
	}

	for _, name := range doc.Exclude {
		s, err := ParseSubsystem(name)
		if err != nil {
			return Config{}, configError("", "exclude: %v", err)
		}
		b.Exclude(s)
	}

	b.Debug(doc.Debug).WASIVersion(doc.WASIVersion).CompressCutoff(doc.CompressCutoff)
	return b.Build()
}

type fileConfig struct {
	Default        string     `yaml:"default"`
	Env            *fileEnv   `yaml:"env"`
	FS             *fileFS    `yaml:"fs"`
	Stdio          *fileStdio `yaml:"stdio"`
	Clocks         *bool      `yaml:"clocks"`
	Random         *bool      `yaml:"random"`
	Sockets        *bool      `yaml:"sockets"`
	HTTP           *bool      `yaml:"http"`
	Exit           *bool      `yaml:"exit"`
	Exclude        []string   `yaml:"exclude"`
	Debug          bool       `yaml:"debug"`
	WASIVersion    string     `yaml:"wasi_version"`
	CompressCutoff int        `yaml:"compress_cutoff"`
}

func (f *fileConfig) toggle(s Subsystem) *bool {
	switch s {
	case Clocks:
		return f.Clocks
	case Random:
		return f.Random
	case Sockets:
		return f.Sockets
	case HTTP:
		return f.HTTP
	case Exit:
		return f.Exit
	}
	return nil
}

type fileEnv struct {
	Overrides [][]string  `yaml:"overrides"`
	Host      *HostPolicy `yaml:"host"`
}

type fileFS struct {
	Preopens            fileEntries       `yaml:"preopens"`
	HostPreopens        map[string]string `yaml:"host_preopens"`
	InheritHostPreopens bool              `yaml:"inherit_host_preopens"`
	DenyHostPreopens    bool              `yaml:"deny_host_preopens"`
}

// fileStdio accepts either a single mode for all streams or a mapping.
type fileStdio StdioConfig

func (s *fileStdio) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		m, err := ParseStreamMode(node.Value)
		if err != nil {
			return err
		}
		s.Stdin, s.Stdout, s.Stderr = m, m, m
		return nil
	}
	var raw struct {
		Stdin  string `yaml:"stdin"`
		Stdout string `yaml:"stdout"`
		Stderr string `yaml:"stderr"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for _, f := range []struct {
		value string
		dst   *StreamMode
	}{{raw.Stdin, &s.Stdin}, {raw.Stdout, &s.Stdout}, {raw.Stderr, &s.Stderr}} {
		if f.value == "" {
			continue
		}
		m, err := ParseStreamMode(f.value)
		if err != nil {
			return err
		}
		*f.dst = m
	}
	return nil
}

// UnmarshalYAML accepts "all", "none", {allow: [...]} or {deny: [...]}.
func (h *HostPolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		switch strings.ToLower(node.Value) {
		case "all", "allow-all", "true":
			*h = AllowAllHost()
		case "none", "deny-all", "false":
			*h = DenyAllHost()
		default:
			return fmt.Errorf("line %d: unknown host policy %q", node.Line, node.Value)
		}
		return nil
	}
	var raw struct {
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch {
	case raw.Allow != nil && raw.Deny != nil:
		return fmt.Errorf("line %d: host policy cannot both allow and deny", node.Line)
	case raw.Allow != nil:
		*h = AllowHost(raw.Allow...)
	case raw.Deny != nil:
		*h = DenyHost(raw.Deny...)
	default:
		return fmt.Errorf("line %d: empty host policy", node.Line)
	}
	return nil
}

type namedEntry struct {
	name  string
	entry *fileEntry
}

// fileEntries keeps mapping order so errors point at the first offending key.
type fileEntries struct {
	items []namedEntry
}

func (f *fileEntries) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of paths to entries", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var e fileEntry
		if err := node.Content[i+1].Decode(&e); err != nil {
			return err
		}
		f.items = append(f.items, namedEntry{name: node.Content[i].Value, entry: &e})
	}
	return nil
}

// fileEntry is one of {source: ..}, {virtualize: ..}, {runtime: ..},
// {symlink: ..}, {dir: {...}}.
type fileEntry struct {
	kind     EntryKind
	value    string
	children fileEntries
	line     int
}

func (e *fileEntry) UnmarshalYAML(node *yaml.Node) error {
	e.line = node.Line
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: entry must have exactly one of source, virtualize, runtime, symlink, dir", node.Line)
	}
	key, val := node.Content[0].Value, node.Content[1]
	switch key {
	case "source":
		e.kind = EntrySource
		e.value = val.Value
	case "virtualize":
		e.kind = EntryVirtualize
		e.value = val.Value
	case "runtime", "runtime_file":
		e.kind = EntryRuntimeFile
		e.value = val.Value
	case "symlink":
		e.kind = EntrySymlink
		e.value = val.Value
	case "dir":
		e.kind = EntryDir
		if val.Kind == yaml.MappingNode && len(val.Content) == 0 {
			return nil
		}
		return val.Decode(&e.children)
	default:
		return fmt.Errorf("line %d: unknown entry kind %q", node.Line, key)
	}
	return nil
}

func (e *fileEntry) resolve(baseDir string) (*Entry, error) {
	switch e.kind {
	case EntrySource:
		return SourceString(e.value), nil
	case EntryVirtualize:
		p := e.value
		if baseDir != "" && p != "" && !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		return Virtualize(p), nil
	case EntryRuntimeFile:
		return RuntimeFile(e.value), nil
	case EntrySymlink:
		return Symlink(e.value), nil
	default:
		dir := Dir()
		for _, c := range e.children.items {
			child, err := c.entry.resolve(baseDir)
			if err != nil {
				return nil, err
			}
			if err := dir.Add(c.name, child); err != nil {
				return nil, fmt.Errorf("line %d: %w", c.entry.line, err)
			}
		}
		return dir, nil
	}
}
