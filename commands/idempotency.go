package commands

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/vx-labs/crdt-sync/crdt"
)

// DefaultIdempotencyWindow bounds the per-session request_id cache.
// The window is size-based: the 10 000 most recent request ids are
// remembered, older ones are evicted. A result is recorded here only
// after the command's registry transition committed. The cache is the
// only duplicate gate: once an id is evicted, a redelivery of it is
// treated as a new command and executes again.
const DefaultIdempotencyWindow = 10000

// A result is recorded once the command's state transition committed.
type result struct {
	done  chan struct{}
	state crdt.State
	err   error
}

func (r *result) complete(state crdt.State, err error) {
	r.state = state
	r.err = err
	close(r.done)
}

func (r *result) wait() (crdt.State, error) {
	<-r.done
	return r.state, r.err
}

// An IdempotencyCache gates duplicate deliveries of one request_id
// within a session. Reservation is atomic, so a redelivery racing the
// first execution waits for it instead of executing again.
type IdempotencyCache struct {
	mtx     sync.Mutex
	entries *lru.Cache
}

func NewIdempotencyCache(window int) *IdempotencyCache {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	entries, err := lru.New(window)
	if err != nil {
		panic(err)
	}
	return &IdempotencyCache{entries: entries}
}

// reserve returns the result slot for requestID and whether the
// caller is the first delivery and must execute.
func (c *IdempotencyCache) reserve(requestID string) (*result, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if cached, ok := c.entries.Get(requestID); ok {
		return cached.(*result), false
	}
	slot := &result{done: make(chan struct{})}
	c.entries.Add(requestID, slot)
	return slot, true
}

func (c *IdempotencyCache) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.entries.Len()
}
