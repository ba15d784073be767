package resource

import (
	"sync"
	"testing"
)

type dropCounter struct {
	count int
}

func (d *dropCounter) Drop() {
	d.count++
}

func TestTable_Basic(t *testing.T) {
	table := NewTable()

	h := table.Insert(KindInputStream, "test")
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, ok := table.Get(h)
	if !ok || val != "test" {
		t.Fatalf("Get = %v, %v", val, ok)
	}

	if _, ok := table.GetKind(h, KindInputStream); !ok {
		t.Fatal("GetKind with correct kind failed")
	}
	if _, ok := table.GetKind(h, KindOutputStream); ok {
		t.Fatal("GetKind with wrong kind should fail")
	}

	val, ok = table.Remove(h)
	if !ok || val != "test" {
		t.Fatalf("Remove = %v, %v", val, ok)
	}
	if table.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}
	if _, ok := table.Remove(h); ok {
		t.Fatal("double Remove should fail")
	}
}

func TestTable_ZeroHandle(t *testing.T) {
	table := NewTable()
	if _, ok := table.Get(0); ok {
		t.Fatal("handle 0 must be invalid")
	}
	if _, ok := table.Get(42); ok {
		t.Fatal("out of range handle must be invalid")
	}
}

func TestTable_ReusesHandles(t *testing.T) {
	table := NewTable()
	a := table.Insert(KindPollable, 1)
	table.Insert(KindPollable, 2)
	table.Remove(a)
	if c := table.Insert(KindPollable, 3); c != a {
		t.Fatalf("expected freed handle %d to be reused, got %d", a, c)
	}
}

func TestTable_Observer(t *testing.T) {
	table := NewTable()
	var events []Event
	table.Subscribe(ObserverFunc(func(e Event) { events = append(events, e) }))

	h := table.Insert(KindDescriptor, "d")
	table.Remove(h)

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventCreated || events[0].Handle != h || events[0].Kind != KindDescriptor {
		t.Fatalf("unexpected create event %+v", events[0])
	}
	if events[1].Type != EventDropped {
		t.Fatal("Expected EventDropped")
	}
}

func TestTable_Close(t *testing.T) {
	table := NewTable()
	d := &dropCounter{}
	table.Insert(KindInputStream, d)
	table.Insert(KindInputStream, "b")

	if err := table.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if d.count != 1 {
		t.Fatalf("Expected Drop() once on Close, got %d", d.count)
	}
	if h := table.Insert(KindInputStream, "c"); h != 0 {
		t.Fatal("Expected Insert to fail after Close")
	}
}

func TestTable_Dropper(t *testing.T) {
	table := NewTable()
	d := &dropCounter{}
	h := table.Insert(KindOutputStream, d)
	table.Remove(h)
	if d.count != 1 {
		t.Fatalf("Expected Drop() to be called once, called %d times", d.count)
	}
}

func TestLookup(t *testing.T) {
	table := NewTable()
	d := &dropCounter{}
	h := table.Insert(KindFields, d)

	got, ok := Lookup[*dropCounter](table, h, KindFields)
	if !ok || got != d {
		t.Fatal("Lookup failed")
	}
	if _, ok := Lookup[string](table, h, KindFields); ok {
		t.Fatal("Lookup with wrong Go type should fail")
	}
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h := table.Insert(KindPollable, j)
				table.Get(h)
				table.Remove(h)
			}
		}()
	}
	wg.Wait()
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d", table.Len())
	}
}
