package bus

import "sync"

// Broker is an in-process EventPublisher backed by a subscriber map.
// Subscribing again under the same id replaces the previous handler.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]EventHandler)}
}

func (b *Broker) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers evt to every subscriber on the caller's goroutine.
// Subscribers that need isolation hand off to their own goroutine.
func (b *Broker) Broadcast(evt Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}
