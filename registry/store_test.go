package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/events"
)

func testStore() Store {
	return NewMemDBStore(zap.NewNop(), events.NewBus())
}

func TestMemDBStore(t *testing.T) {
	t.Run("get never creates", func(t *testing.T) {
		store := testStore()
		_, err := store.Get("missing")
		require.Equal(t, ErrReplicaNotFound, err)
	})
	t.Run("get or create installs the identity", func(t *testing.T) {
		store := testStore()
		state, err := store.GetOrCreate("counter", crdt.KindGCounter)
		require.NoError(t, err)
		require.Equal(t, uint64(0), state.(crdt.GCounter).Value())

		_, err = store.GetOrCreate("counter", crdt.KindORSet)
		require.Equal(t, crdt.ErrKindMismatch, err)
	})
	t.Run("update is a read-modify-write", func(t *testing.T) {
		store := testStore()
		_, err := store.Update("missing", nil, func(state crdt.State) (crdt.State, error) {
			return state, nil
		})
		require.Equal(t, ErrReplicaNotFound, err)

		_, err = store.GetOrCreate("counter", crdt.KindGCounter)
		require.NoError(t, err)
		out, err := store.Update("counter", nil, func(state crdt.State) (crdt.State, error) {
			counter, err := state.(crdt.GCounter).IncrementBy("node-a", 3)
			return counter, err
		})
		require.NoError(t, err)
		require.Equal(t, uint64(3), out.(crdt.GCounter).Value())
	})
	t.Run("merge installs an absent replica", func(t *testing.T) {
		store := testStore()
		incoming, _ := crdt.NewGCounter().IncrementBy("node-b", 5)
		out, err := store.Merge("counter", incoming, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(5), out.(crdt.GCounter).Value())
	})
	t.Run("merge rejects a kind mismatch", func(t *testing.T) {
		store := testStore()
		_, err := store.GetOrCreate("counter", crdt.KindGCounter)
		require.NoError(t, err)
		_, err = store.Merge("counter", crdt.NewORSet(), nil)
		require.Equal(t, crdt.ErrKindMismatch, err)

		state, err := store.Get("counter")
		require.NoError(t, err)
		require.Equal(t, crdt.KindGCounter, state.Kind())
	})
	t.Run("delta against a client state", func(t *testing.T) {
		store := testStore()
		current, _ := crdt.NewGCounter().IncrementBy("A", 3)
		current, _ = current.IncrementBy("B", 5)
		require.NoError(t, store.Put("counter", current, nil))

		client, _ := crdt.NewGCounter().IncrementBy("A", 3)
		client, _ = client.IncrementBy("B", 2)
		delta, err := store.Delta("counter", client)
		require.NoError(t, err)
		counter := delta.(crdt.GCounter)
		require.Equal(t, uint64(5), counter.Count("B"))
		require.Len(t, counter.Nodes(), 1)

		merged, err := client.Merge(delta)
		require.NoError(t, err)
		require.True(t, crdt.Equal(current, merged))
	})
	t.Run("keys snapshot", func(t *testing.T) {
		store := testStore()
		store.GetOrCreate("a", crdt.KindGCounter)
		store.GetOrCreate("b", crdt.KindORSet)
		keys, err := store.Keys()
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"a", "b"}, keys)
	})
	t.Run("delete removes replica and subscribers", func(t *testing.T) {
		store := testStore()
		store.GetOrCreate("counter", crdt.KindGCounter)
		sub := NewSubscriber("session-1", 4)
		require.NoError(t, store.Subscribe("counter", sub))
		require.NoError(t, store.Delete("counter"))
		_, err := store.Get("counter")
		require.Equal(t, ErrReplicaNotFound, err)

		incoming, _ := crdt.NewGCounter().IncrementBy("node-a", 1)
		_, err = store.Merge("counter", incoming, nil)
		require.NoError(t, err)
		select {
		case <-sub.Frames():
			t.Fatal("deleted subscriber received a frame")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestBroadcast(t *testing.T) {
	t.Run("subscribers observe committed state", func(t *testing.T) {
		store := testStore()
		store.GetOrCreate("counter", crdt.KindGCounter)
		sub := NewSubscriber("session-1", 4)
		require.NoError(t, store.Subscribe("counter", sub))

		_, err := store.Update("counter", nil, func(state crdt.State) (crdt.State, error) {
			return state.(crdt.GCounter).IncrementBy("node-a", 2)
		})
		require.NoError(t, err)

		select {
		case frame := <-sub.Frames():
			require.Equal(t, "counter", frame.Key)
			require.Equal(t, uint64(2), frame.State.(crdt.GCounter).Value())
		case <-time.After(time.Second):
			t.Fatal("no broadcast received")
		}
	})
	t.Run("origin does not hear its own mutation", func(t *testing.T) {
		store := testStore()
		store.GetOrCreate("counter", crdt.KindGCounter)
		origin := NewSubscriber("origin", 4)
		other := NewSubscriber("other", 4)
		require.NoError(t, store.Subscribe("counter", origin))
		require.NoError(t, store.Subscribe("counter", other))

		_, err := store.Update("counter", origin, func(state crdt.State) (crdt.State, error) {
			return state.(crdt.GCounter).IncrementBy("node-a", 1)
		})
		require.NoError(t, err)

		select {
		case <-other.Frames():
		case <-time.After(time.Second):
			t.Fatal("other subscriber starved")
		}
		select {
		case <-origin.Frames():
			t.Fatal("origin received an echo")
		default:
		}
	})
	t.Run("a full queue drops frames without blocking", func(t *testing.T) {
		store := testStore()
		store.GetOrCreate("counter", crdt.KindGCounter)
		slow := NewSubscriber("slow", minQueueDepth)
		require.NoError(t, store.Subscribe("counter", slow))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < minQueueDepth*3; i++ {
				store.Update("counter", nil, func(state crdt.State) (crdt.State, error) {
					return state.(crdt.GCounter).IncrementBy("node-a", 1)
				})
			}
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("mutation blocked on a slow subscriber")
		}
		require.True(t, slow.Dropped() > 0)
	})
	t.Run("a closed subscriber is reaped", func(t *testing.T) {
		store := testStore()
		store.GetOrCreate("counter", crdt.KindGCounter)
		dead := NewSubscriber("dead", 4)
		live := NewSubscriber("live", 4)
		require.NoError(t, store.Subscribe("counter", dead))
		require.NoError(t, store.Subscribe("counter", live))
		dead.Close()

		_, err := store.Update("counter", nil, func(state crdt.State) (crdt.State, error) {
			return state.(crdt.GCounter).IncrementBy("node-a", 1)
		})
		require.NoError(t, err)
		select {
		case <-live.Frames():
		case <-time.After(time.Second):
			t.Fatal("live subscriber starved by a dead one")
		}
	})
}

func TestSerializabilityPerKey(t *testing.T) {
	store := testStore()
	store.GetOrCreate("counter", crdt.KindGCounter)

	workers := 8
	increments := 50
	wg := sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			node := fmt.Sprintf("node-%d", worker)
			for j := 0; j < increments; j++ {
				_, err := store.Update("counter", nil, func(state crdt.State) (crdt.State, error) {
					return state.(crdt.GCounter).Increment(node)
				})
				require.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	state, err := store.Get("counter")
	require.NoError(t, err)
	require.Equal(t, uint64(workers*increments), state.(crdt.GCounter).Value())
}
