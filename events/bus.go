package events

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Well-known event keys emitted by the core services.
const (
	SessionConnected string = "session_connected"
	SessionClosed    string = "session_closed"
	ProfileUpdated   string = "profile_updated"
	ReplicaCreated   string = "replica_created"
	ReplicaDeleted   string = "replica_deleted"
)

type Event struct {
	Key     string
	Payload interface{}
}

type handler struct {
	id int
	fn func(Event)
}

// Bus is a tiny in-process pub/sub used for observability events.
// Handlers run synchronously on the emitter's goroutine and must not
// block.
type Bus struct {
	mtx    sync.Mutex
	nextID int
	state  *iradix.Tree
}

func NewBus() *Bus {
	return &Bus{state: iradix.New()}
}

// Subscribe registers a handler for key and returns a cancel func.
func (b *Bus) Subscribe(key string, fn func(Event)) func() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.nextID++
	id := b.nextID
	var handlers []handler
	if v, ok := b.state.Get([]byte(key)); ok {
		handlers = v.([]handler)
	}
	copied := make([]handler, len(handlers), len(handlers)+1)
	copy(copied, handlers)
	copied = append(copied, handler{id: id, fn: fn})
	b.state, _, _ = b.state.Insert([]byte(key), copied)
	return func() {
		b.unsubscribe(key, id)
	}
}

func (b *Bus) unsubscribe(key string, id int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	v, ok := b.state.Get([]byte(key))
	if !ok {
		return
	}
	handlers := v.([]handler)
	kept := make([]handler, 0, len(handlers))
	for _, h := range handlers {
		if h.id != id {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		b.state, _, _ = b.state.Delete([]byte(key))
		return
	}
	b.state, _, _ = b.state.Insert([]byte(key), kept)
}

func (b *Bus) Emit(ev Event) {
	b.mtx.Lock()
	state := b.state
	b.mtx.Unlock()
	if v, ok := state.Get([]byte(ev.Key)); ok {
		for _, h := range v.([]handler) {
			h.fn(ev)
		}
	}
}
