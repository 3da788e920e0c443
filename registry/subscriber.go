package registry

import (
	"sync"
	"sync/atomic"

	"github.com/vx-labs/crdt-sync/crdt"
)

const minQueueDepth = 16

// A Broadcast carries the converged state of a key after a committed
// mutation.
type Broadcast struct {
	Key   string
	State crdt.State
}

// A Subscriber is the send-side handle the registry delivers
// broadcasts to. Delivery never blocks: when the queue is full the
// frame is dropped, and a closed subscriber is reaped by the store.
type Subscriber struct {
	id      string
	frames  chan Broadcast
	quit    chan struct{}
	once    sync.Once
	dropped uint64
}

func NewSubscriber(id string, depth int) *Subscriber {
	if depth < minQueueDepth {
		depth = minQueueDepth
	}
	return &Subscriber{
		id:     id,
		frames: make(chan Broadcast, depth),
		quit:   make(chan struct{}),
	}
}

func (s *Subscriber) ID() string {
	return s.id
}

// Frames is consumed by the owning session's outbound writer.
func (s *Subscriber) Frames() <-chan Broadcast {
	return s.frames
}

func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.quit)
	})
}

func (s *Subscriber) Done() <-chan struct{} {
	return s.quit
}

// Dropped counts frames discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Subscriber) offer(b Broadcast) (delivered bool, alive bool) {
	select {
	case <-s.quit:
		return false, false
	default:
	}
	select {
	case s.frames <- b:
		return true, true
	default:
		atomic.AddUint64(&s.dropped, 1)
		return false, true
	}
}
