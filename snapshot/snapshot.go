package snapshot

import (
	"context"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/pool"
	"github.com/vx-labs/crdt-sync/registry"
)

const dbFileMode = 0600

var bucketName = []byte("replicas")

type Options struct {
	// Path is the file path to the BoltDB to use
	Path string

	// Interval between two snapshot passes
	Interval time.Duration

	// BoltOptions contains any specific BoltDB options you might
	// want to specify [e.g. open timeout]
	BoltOptions *bolt.Options
}

// Snapshotter periodically persists every replica to a bolt bucket
// and merges the persisted states back on start. It only sees the
// registry through its public operations, like any other caller.
type Snapshotter struct {
	conn     *bolt.DB
	path     string
	interval time.Duration
	store    registry.Store
	logger   *zap.Logger
	workers  *pool.Pool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(options Options, store registry.Store, logger *zap.Logger) (*Snapshotter, error) {
	handle, err := bolt.Open(options.Path, dbFileMode, options.BoltOptions)
	if err != nil {
		return nil, err
	}
	interval := options.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	snapshotter := &Snapshotter{
		conn:     handle,
		path:     options.Path,
		interval: interval,
		store:    store,
		logger:   logger,
		workers:  pool.NewPool(4),
		done:     make(chan struct{}),
	}
	return snapshotter, nil
}

// Restore merges every persisted state back into the registry. Merge
// rather than put: a stale snapshot can only add information to a
// replica, never roll it back.
func (s *Snapshotter) Restore() error {
	tx, err := s.conn.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	bucket := tx.Bucket(bucketName)
	if bucket == nil {
		return nil
	}
	restored := 0
	err = bucket.ForEach(func(key, payload []byte) error {
		state, err := crdt.Decode(payload)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot entry",
				zap.String("key", string(key)), zap.Error(err))
			return nil
		}
		if _, err := s.store.Merge(string(key), state, nil); err != nil {
			s.logger.Warn("failed to restore replica",
				zap.String("key", string(key)), zap.Error(err))
			return nil
		}
		restored++
		return nil
	})
	if err != nil {
		return err
	}
	if restored > 0 {
		s.logger.Info("restored replicas from snapshot", zap.Int("count", restored))
	}
	return nil
}

// Start runs snapshot passes until the context is cancelled. Each
// pass retries transient bolt failures with capped backoff.
func (s *Snapshotter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
				err := backoff.Retry(func() error {
					return s.snapshot()
				}, policy)
				if err != nil {
					s.logger.Error("snapshot pass failed", zap.Error(err))
				}
			}
		}
	}()
}

func (s *Snapshotter) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.workers.Cancel()
	return s.conn.Close()
}

// snapshot encodes every replica concurrently, then commits the
// whole pass in one bolt transaction.
func (s *Snapshotter) snapshot() error {
	keys, err := s.store.Keys()
	if err != nil {
		return err
	}
	type entry struct {
		key     string
		payload []byte
	}
	results := make(chan entry, len(keys))
	for _, key := range keys {
		key := key
		err := s.workers.Call(func() error {
			state, err := s.store.Get(key)
			if err != nil {
				results <- entry{key: key}
				return nil
			}
			payload, err := crdt.Encode(state)
			if err != nil {
				s.logger.Warn("failed to encode replica", zap.String("key", key), zap.Error(err))
				results <- entry{key: key}
				return nil
			}
			results <- entry{key: key, payload: payload}
			return nil
		})
		if err != nil {
			return err
		}
	}
	tx, err := s.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	bucket, err := tx.CreateBucketIfNotExists(bucketName)
	if err != nil {
		return err
	}
	for range keys {
		result := <-results
		if result.payload == nil {
			continue
		}
		if err := bucket.Put([]byte(result.key), result.payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}
