package registry

import (
	"errors"
	"sync"

	memdb "github.com/hashicorp/go-memdb"
	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/events"
)

const (
	replicasTable      = "replicas"
	subscriptionsTable = "subscriptions"
)

var (
	ErrReplicaNotFound = errors.New("replica not found")
)

// Store is the process-wide registry of CRDT replicas. Single-key
// operations are serializable: mutation and broadcast happen under a
// per-key critical section, so every subscriber observes commits of
// one key in order.
type Store interface {
	Get(key string) (crdt.State, error)
	GetOrCreate(key string, kind crdt.Kind) (crdt.State, error)
	Put(key string, state crdt.State, origin *Subscriber) error
	Update(key string, origin *Subscriber, op func(crdt.State) (crdt.State, error)) (crdt.State, error)
	Merge(key string, incoming crdt.State, origin *Subscriber) (crdt.State, error)
	Delta(key string, clientState crdt.State) (crdt.State, error)
	Subscribe(key string, sub *Subscriber) error
	Unsubscribe(key string, sub *Subscriber) error
	UnsubscribeAll(sub *Subscriber) error
	Delete(key string) error
	Keys() ([]string, error)
}

type storedReplica struct {
	ID    string
	State crdt.State
}

type storedSubscription struct {
	ID         string
	Key        string
	SessionID  string
	Subscriber *Subscriber
}

type memDBStore struct {
	db     *memdb.MemDB
	mtx    sync.Mutex
	locks  map[string]*sync.Mutex
	logger *zap.Logger
	bus    *events.Bus
}

func NewMemDBStore(logger *zap.Logger, bus *events.Bus) Store {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			replicasTable: {
				Name: replicasTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:         "id",
						AllowMissing: false,
						Unique:       true,
						Indexer: &memdb.StringFieldIndex{
							Field: "ID",
						},
					},
				},
			},
			subscriptionsTable: {
				Name: subscriptionsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:         "id",
						AllowMissing: false,
						Unique:       true,
						Indexer: &memdb.StringFieldIndex{
							Field: "ID",
						},
					},
					"key": {
						Name:         "key",
						AllowMissing: false,
						Unique:       false,
						Indexer:      &memdb.StringFieldIndex{Field: "Key"},
					},
					"session": {
						Name:         "session",
						AllowMissing: false,
						Unique:       false,
						Indexer:      &memdb.StringFieldIndex{Field: "SessionID"},
					},
				},
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return &memDBStore{
		db:     db,
		locks:  map[string]*sync.Mutex{},
		logger: logger,
		bus:    bus,
	}
}

// lockKey returns the critical section guarding key. Locks are never
// reclaimed; the key space is bounded by the application.
func (m *memDBStore) lockKey(key string) *sync.Mutex {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

func (m *memDBStore) Get(key string) (crdt.State, error) {
	var state crdt.State
	return state, m.read(func(tx *memdb.Txn) error {
		replica, err := m.first(tx, key)
		if err != nil {
			return err
		}
		state = replica.State.Clone()
		return nil
	})
}

func (m *memDBStore) GetOrCreate(key string, kind crdt.Kind) (crdt.State, error) {
	lock := m.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	var state crdt.State
	created := false
	err := m.write(func(tx *memdb.Txn) error {
		replica, err := m.first(tx, key)
		if err == nil {
			if replica.State.Kind() != kind {
				return crdt.ErrKindMismatch
			}
			state = replica.State.Clone()
			return nil
		}
		state, err = crdt.Empty(kind)
		if err != nil {
			return err
		}
		created = true
		return tx.Insert(replicasTable, &storedReplica{ID: key, State: state})
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.bus.Emit(events.Event{Key: events.ReplicaCreated, Payload: key})
	}
	return state, nil
}

func (m *memDBStore) Put(key string, state crdt.State, origin *Subscriber) error {
	lock := m.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	err := m.write(func(tx *memdb.Txn) error {
		return tx.Insert(replicasTable, &storedReplica{ID: key, State: state.Clone()})
	})
	if err != nil {
		return err
	}
	m.broadcast(key, state, origin)
	return nil
}

func (m *memDBStore) Update(key string, origin *Subscriber, op func(crdt.State) (crdt.State, error)) (crdt.State, error) {
	lock := m.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	var out crdt.State
	err := m.write(func(tx *memdb.Txn) error {
		replica, err := m.first(tx, key)
		if err != nil {
			return err
		}
		out, err = op(replica.State.Clone())
		if err != nil {
			return err
		}
		return tx.Insert(replicasTable, &storedReplica{ID: key, State: out})
	})
	if err != nil {
		return nil, err
	}
	m.broadcast(key, out, origin)
	return out, nil
}

func (m *memDBStore) Merge(key string, incoming crdt.State, origin *Subscriber) (crdt.State, error) {
	lock := m.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	var out crdt.State
	created := false
	err := m.write(func(tx *memdb.Txn) error {
		replica, err := m.first(tx, key)
		if err == ErrReplicaNotFound {
			created = true
			out = incoming.Clone()
			return tx.Insert(replicasTable, &storedReplica{ID: key, State: out})
		}
		if err != nil {
			return err
		}
		if replica.State.Kind() != incoming.Kind() {
			return crdt.ErrKindMismatch
		}
		out, err = replica.State.Merge(incoming)
		if err != nil {
			return err
		}
		return tx.Insert(replicasTable, &storedReplica{ID: key, State: out})
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.bus.Emit(events.Event{Key: events.ReplicaCreated, Payload: key})
	}
	m.broadcast(key, out, origin)
	return out, nil
}

func (m *memDBStore) Delta(key string, clientState crdt.State) (crdt.State, error) {
	current, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	if current.Kind() != clientState.Kind() {
		return nil, crdt.ErrKindMismatch
	}
	return clientState.Delta(current)
}

func (m *memDBStore) Subscribe(key string, sub *Subscriber) error {
	return m.write(func(tx *memdb.Txn) error {
		return tx.Insert(subscriptionsTable, &storedSubscription{
			ID:         subscriptionID(key, sub),
			Key:        key,
			SessionID:  sub.ID(),
			Subscriber: sub,
		})
	})
}

func (m *memDBStore) Unsubscribe(key string, sub *Subscriber) error {
	return m.write(func(tx *memdb.Txn) error {
		stored, err := tx.First(subscriptionsTable, "id", subscriptionID(key, sub))
		if err != nil || stored == nil {
			return nil
		}
		return tx.Delete(subscriptionsTable, stored)
	})
}

func (m *memDBStore) UnsubscribeAll(sub *Subscriber) error {
	return m.write(func(tx *memdb.Txn) error {
		iterator, err := tx.Get(subscriptionsTable, "session", sub.ID())
		if err != nil {
			return err
		}
		stale := []*storedSubscription{}
		for {
			payload := iterator.Next()
			if payload == nil {
				break
			}
			stale = append(stale, payload.(*storedSubscription))
		}
		for _, subscription := range stale {
			if err := tx.Delete(subscriptionsTable, subscription); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *memDBStore) Delete(key string) error {
	lock := m.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	err := m.write(func(tx *memdb.Txn) error {
		replica, err := m.first(tx, key)
		if err == nil {
			if err := tx.Delete(replicasTable, replica); err != nil {
				return err
			}
		}
		_, err = tx.DeleteAll(subscriptionsTable, "key", key)
		return err
	})
	if err != nil {
		return err
	}
	m.bus.Emit(events.Event{Key: events.ReplicaDeleted, Payload: key})
	return nil
}

func (m *memDBStore) Keys() ([]string, error) {
	keys := []string{}
	return keys, m.read(func(tx *memdb.Txn) error {
		iterator, err := tx.Get(replicasTable, "id")
		if err != nil {
			return err
		}
		for {
			payload := iterator.Next()
			if payload == nil {
				return nil
			}
			keys = append(keys, payload.(*storedReplica).ID)
		}
	})
}

// broadcast runs inside the key's critical section, after commit.
// Origin is skipped: the command reply already carries the state.
func (m *memDBStore) broadcast(key string, state crdt.State, origin *Subscriber) {
	subscribers := []*storedSubscription{}
	m.read(func(tx *memdb.Txn) error {
		iterator, err := tx.Get(subscriptionsTable, "key", key)
		if err != nil {
			return err
		}
		for {
			payload := iterator.Next()
			if payload == nil {
				return nil
			}
			subscribers = append(subscribers, payload.(*storedSubscription))
		}
	})
	frame := Broadcast{Key: key, State: state.Clone()}
	for _, subscription := range subscribers {
		if origin != nil && subscription.Subscriber == origin {
			continue
		}
		delivered, alive := subscription.Subscriber.offer(frame)
		if !alive {
			m.logger.Debug("removing dead subscriber",
				zap.String("key", key),
				zap.String("session_id", subscription.SessionID))
			m.Unsubscribe(key, subscription.Subscriber)
			continue
		}
		if !delivered {
			broadcastsDropped.Inc()
			m.logger.Warn("dropped broadcast for slow subscriber",
				zap.String("key", key),
				zap.String("session_id", subscription.SessionID))
			continue
		}
		broadcastsSent.Inc()
	}
}

func subscriptionID(key string, sub *Subscriber) string {
	return key + "/" + sub.ID()
}

func (m *memDBStore) read(statement func(tx *memdb.Txn) error) error {
	tx := m.db.Txn(false)
	return m.run(tx, statement)
}
func (m *memDBStore) write(statement func(tx *memdb.Txn) error) error {
	tx := m.db.Txn(true)
	return m.run(tx, statement)
}
func (m *memDBStore) run(tx *memdb.Txn, statement func(tx *memdb.Txn) error) error {
	defer tx.Abort()
	err := statement(tx)
	if err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (m *memDBStore) first(tx *memdb.Txn, key string) (*storedReplica, error) {
	data, err := tx.First(replicasTable, "id", key)
	if err != nil || data == nil {
		return nil, ErrReplicaNotFound
	}
	return data.(*storedReplica), nil
}
