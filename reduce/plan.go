package reduce

import (
	"sort"

	"github.com/wippyai/wasi-virt/component"
	"github.com/wippyai/wasi-virt/errors"
	"github.com/wippyai/wasi-virt/policy"
)

// Plan is the outcome of reduction: which surface entries stay in the
// adapter and which are dropped.
type Plan struct {
	Retained []string
	Omitted  []string
	// Direct are retained because the target imports one of their interfaces.
	Direct []string
}

// Retains reports whether sub survives the plan.
func (p *Plan) Retains(sub string) bool {
	for _, r := range p.Retained {
		if r == sub {
			return true
		}
	}
	return false
}

// unionFind is a disjoint set over node indexes with path halving.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// NewPlan reduces a surface against a target's imports. A nil import set
// skips reduction and every allowed entry is direct. A nil allow list
// permits every subsystem. The io entry is never subject to allow.
func NewPlan(s *Surface, imports *component.ImportSet, allow []policy.Subsystem) (*Plan, error) {
	allowed := func(name string) bool {
		if allow == nil || name == IO {
			return true
		}
		for _, a := range allow {
			if string(a) == name {
				return true
			}
		}
		return false
	}

	var entries []Entry
	var io *Entry
	for i := range s.Entries {
		if s.Entries[i].Subsystem == IO {
			io = &s.Entries[i]
			continue
		}
		entries = append(entries, s.Entries[i])
	}

	// Nodes 0..n-1 are entries, the rest are primitives.
	prims := make(map[string]int)
	for _, e := range entries {
		for _, p := range e.Shared {
			if _, ok := prims[p]; !ok {
				prims[p] = len(entries) + len(prims)
			}
		}
	}
	uf := newUnionFind(len(entries) + len(prims))
	for i, e := range entries {
		for _, p := range e.Shared {
			uf.union(i, prims[p])
		}
	}

	direct := make(map[int]bool)
	for i, e := range entries {
		if allowed(e.Subsystem) && (imports == nil || importsAny(e, imports)) {
			direct[i] = true
		}
	}

	required := make(map[int]bool)
	var conflicts []errors.Coupling
	for d := range direct {
		root := uf.find(d)
		for i, e := range entries {
			if uf.find(i) != root {
				continue
			}
			required[i] = true
			if !allowed(e.Subsystem) {
				conflicts = append(conflicts, errors.Coupling{
					Required: entries[d].Subsystem,
					Excluded: e.Subsystem,
					Shared:   sharedPrimitives(entries[d], e),
				})
			}
		}
	}
	if len(conflicts) > 0 {
		return nil, errors.NewReductionConflict(conflicts)
	}

	p := &Plan{}
	bindsPrimitive := false
	for i, e := range entries {
		if required[i] {
			p.Retained = append(p.Retained, e.Subsystem)
			if len(e.Shared) > 0 {
				bindsPrimitive = true
			}
			if direct[i] {
				p.Direct = append(p.Direct, e.Subsystem)
			}
		} else {
			p.Omitted = append(p.Omitted, e.Subsystem)
		}
	}
	if io != nil {
		if bindsPrimitive {
			p.Retained = append(p.Retained, IO)
		} else {
			p.Omitted = append(p.Omitted, IO)
		}
	}
	sort.Strings(p.Retained)
	sort.Strings(p.Omitted)
	sort.Strings(p.Direct)
	return p, nil
}

func importsAny(e Entry, imports *component.ImportSet) bool {
	for _, name := range e.Exports {
		iface, err := component.ParseInterface(name)
		if err != nil {
			continue
		}
		if imports.Has(iface.Key()) {
			return true
		}
	}
	return false
}

// sharedPrimitives names the primitives linking a and b. Peers reached
// through a third entry share nothing directly, so b's own bindings are
// reported instead.
func sharedPrimitives(a, b Entry) []string {
	var out []string
	for _, pa := range a.Shared {
		for _, pb := range b.Shared {
			if pa == pb {
				out = append(out, pa)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, b.Shared...)
	}
	return out
}
