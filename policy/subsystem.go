package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Subsystem names one capability area the adapter can interpose on.
type Subsystem string

const (
	Env     Subsystem = "env"
	FS      Subsystem = "fs"
	Stdio   Subsystem = "stdio"
	Clocks  Subsystem = "clocks"
	Random  Subsystem = "random"
	Sockets Subsystem = "sockets"
	HTTP    Subsystem = "http"
	Exit    Subsystem = "exit"
)

var allSubsystems = []Subsystem{Clocks, Env, Exit, FS, HTTP, Random, Sockets, Stdio}

// Subsystems returns every known subsystem in name order.
func Subsystems() []Subsystem {
	return append([]Subsystem(nil), allSubsystems...)
}

// Toggles returns the subsystems configured with a plain enable flag.
func Toggles() []Subsystem {
	return []Subsystem{Clocks, Exit, HTTP, Random, Sockets}
}

// ParseSubsystem validates a subsystem name.
func ParseSubsystem(name string) (Subsystem, error) {
	s := Subsystem(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range allSubsystems {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown subsystem %q", name)
}

// ParseSubsystemList parses a comma separated subsystem list.
func ParseSubsystemList(list string) ([]Subsystem, error) {
	var out []Subsystem
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := ParseSubsystem(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return SortSubsystems(out), nil
}

// SortSubsystems sorts and deduplicates in place order.
func SortSubsystems(subs []Subsystem) []Subsystem {
	if len(subs) == 0 {
		return subs
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	out := subs[:1]
	for _, s := range subs[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

// Strategy is the behavior the adapter selects for a subsystem at start-up.
type Strategy uint8

const (
	StrategyDeny    Strategy = iota // every entry point traps
	StrategyForward                 // calls pass to the host unchanged
	StrategyVirtual                 // calls are answered from embedded state
)

func (s Strategy) String() string {
	switch s {
	case StrategyDeny:
		return "deny"
	case StrategyForward:
		return "forward"
	case StrategyVirtual:
		return "virtual"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Default decides what an unconfigured subsystem does.
type Default uint8

const (
	DefaultDeny        Default = iota // command-line default
	DefaultPassthrough                // library default
)

func (d Default) String() string {
	if d == DefaultPassthrough {
		return "passthrough"
	}
	return "deny"
}

// ParseDefault parses "deny" or "passthrough".
func ParseDefault(s string) (Default, error) {
	switch strings.ToLower(s) {
	case "", "deny":
		return DefaultDeny, nil
	case "passthrough", "allow":
		return DefaultPassthrough, nil
	}
	return 0, fmt.Errorf("unknown default mode %q", s)
}

// StreamMode selects per-stream stdio behavior.
type StreamMode uint8

const (
	StreamDefault StreamMode = iota // resolved from the policy default
	StreamAllow
	StreamDeny
	StreamIgnore
)

func (m StreamMode) String() string {
	switch m {
	case StreamAllow:
		return "allow"
	case StreamDeny:
		return "deny"
	case StreamIgnore:
		return "ignore"
	default:
		return "default"
	}
}

// ParseStreamMode parses allow, deny or ignore.
func ParseStreamMode(s string) (StreamMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return StreamAllow, nil
	case "deny":
		return StreamDeny, nil
	case "ignore":
		return StreamIgnore, nil
	}
	return StreamDefault, fmt.Errorf("unknown stdio mode %q (want allow, deny or ignore)", s)
}
