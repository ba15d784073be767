package resource

import (
	"sync"
)

// Handle is an opaque reference to a resource in a table.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Kind identifies the resource type behind a handle.
type Kind uint8

const (
	KindPollable Kind = iota + 1
	KindInputStream
	KindOutputStream
	KindError
	KindDescriptor
	KindDirectoryStream
	KindNetwork
	KindTCPSocket
	KindUDPSocket
	KindResolveStream
	KindFields
	KindOutgoingRequest
	KindOutgoingBody
	KindFutureResponse
	KindIncomingResponse
	KindIncomingBody
)

var kindNames = map[Kind]string{
	KindPollable:         "pollable",
	KindInputStream:      "input-stream",
	KindOutputStream:     "output-stream",
	KindError:            "error",
	KindDescriptor:       "descriptor",
	KindDirectoryStream:  "directory-entry-stream",
	KindNetwork:          "network",
	KindTCPSocket:        "tcp-socket",
	KindUDPSocket:        "udp-socket",
	KindResolveStream:    "resolve-address-stream",
	KindFields:           "fields",
	KindOutgoingRequest:  "outgoing-request",
	KindOutgoingBody:     "outgoing-body",
	KindFutureResponse:   "future-incoming-response",
	KindIncomingResponse: "incoming-response",
	KindIncomingBody:     "incoming-body",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// EventType distinguishes lifecycle notifications.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

// Event is a resource lifecycle notification.
type Event struct {
	Value  any
	Handle Handle
	Kind   Kind
	Type   EventType
}

// Observer receives lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// Dropper is optionally implemented by values that need cleanup.
type Dropper interface {
	Drop()
}

type entry struct {
	value any
	kind  Kind
	valid bool
}

// Table maps handles to adapter-side values. Freed handles are reused.
// Safe for concurrent use.
type Table struct {
	mu        sync.RWMutex
	entries   []entry
	freeList  []Handle
	observers []Observer
	closed    bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries:  make([]entry, 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

// Insert stores a value and returns its handle, or 0 once the table is closed.
func (t *Table) Insert(kind Kind, value any) Handle {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	e := entry{value: value, kind: kind, valid: true}
	var h Handle
	if n := len(t.freeList); n > 0 {
		h = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[h-1] = e
	} else {
		t.entries = append(t.entries, e)
		h = Handle(len(t.entries))
	}
	observers := t.observers
	t.mu.Unlock()

	notify(observers, Event{Type: EventCreated, Handle: h, Kind: kind, Value: value})
	return h
}

func (t *Table) lookup(h Handle) (entry, bool) {
	if h == 0 {
		return entry{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(h) > len(t.entries) {
		return entry{}, false
	}
	e := t.entries[h-1]
	return e, e.valid
}

// Get returns the value behind h.
func (t *Table) Get(h Handle) (any, bool) {
	e, ok := t.lookup(h)
	return e.value, ok
}

// GetKind returns the value behind h only when it has the expected kind.
func (t *Table) GetKind(h Handle, kind Kind) (any, bool) {
	e, ok := t.lookup(h)
	if !ok || e.kind != kind {
		return nil, false
	}
	return e.value, true
}

// Remove drops the value behind h, calling Drop when implemented.
func (t *Table) Remove(h Handle) (any, bool) {
	if h == 0 {
		return nil, false
	}
	t.mu.Lock()
	if int(h) > len(t.entries) || !t.entries[h-1].valid {
		t.mu.Unlock()
		return nil, false
	}
	e := t.entries[h-1]
	t.entries[h-1] = entry{}
	t.freeList = append(t.freeList, h)
	observers := t.observers
	t.mu.Unlock()

	if d, ok := e.value.(Dropper); ok {
		d.Drop()
	}
	notify(observers, Event{Type: EventDropped, Handle: h, Kind: e.kind, Value: e.value})
	return e.value, true
}

// Subscribe adds an observer.
func (t *Table) Subscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers[:len(t.observers):len(t.observers)], o)
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.valid {
			n++
		}
	}
	return n
}

// Close drops every live value and rejects further inserts.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	entries := t.entries
	t.entries = nil
	t.freeList = nil
	t.mu.Unlock()

	for _, e := range entries {
		if !e.valid {
			continue
		}
		if d, ok := e.value.(Dropper); ok {
			d.Drop()
		}
	}
	return nil
}

func notify(observers []Observer, e Event) {
	for _, o := range observers {
		o.OnResourceEvent(e)
	}
}

// Lookup returns the value behind h as T when it has the expected kind.
func Lookup[T any](t *Table, h Handle, kind Kind) (T, bool) {
	var zero T
	v, ok := t.GetKind(h, kind)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
