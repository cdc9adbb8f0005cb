package bus

import (
	"sync"
	"testing"
)

// TestBroker_Broadcast verifies that every subscriber receives each
// broadcast event.
func TestBroker_Broadcast(t *testing.T) {
	b := NewBroker()

	var mu sync.Mutex
	got := map[string]int{}
	b.Subscribe("a", func(evt Event) {
		mu.Lock()
		got["a"]++
		mu.Unlock()
	})
	b.Subscribe("b", func(evt Event) {
		mu.Lock()
		got["b"]++
		mu.Unlock()
	})

	b.Broadcast(Event{Name: "test.event"})
	b.Broadcast(Event{Name: "test.event"})

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 2 || got["b"] != 2 {
		t.Fatalf("expected both subscribers to see 2 events, got a=%d b=%d", got["a"], got["b"])
	}
}

// TestBroker_Unsubscribe verifies that an unsubscribed handler stops
// receiving events and unsubscribing an unknown id is harmless.
func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()

	var mu sync.Mutex
	count := 0
	b.Subscribe("a", func(evt Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Broadcast(Event{Name: "one"})
	b.Unsubscribe("a")
	b.Unsubscribe("never-registered")
	b.Broadcast(Event{Name: "two"})

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

// TestBroker_ResubscribeReplaces verifies that subscribing twice under
// one id keeps only the latest handler.
func TestBroker_ResubscribeReplaces(t *testing.T) {
	b := NewBroker()

	var mu sync.Mutex
	first, second := 0, 0
	b.Subscribe("a", func(evt Event) {
		mu.Lock()
		first++
		mu.Unlock()
	})
	b.Subscribe("a", func(evt Event) {
		mu.Lock()
		second++
		mu.Unlock()
	})

	b.Broadcast(Event{Name: "test.event"})

	mu.Lock()
	defer mu.Unlock()
	if first != 0 {
		t.Errorf("expected replaced handler to see 0 events, got %d", first)
	}
	if second != 1 {
		t.Errorf("expected active handler to see 1 event, got %d", second)
	}
}
