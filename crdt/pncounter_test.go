package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPNCounter(t *testing.T) {
	t.Run("value can go negative", func(t *testing.T) {
		counter, err := NewPNCounter().DecrementBy("node-a", 4)
		require.NoError(t, err)
		counter, err = counter.IncrementBy("node-b", 1)
		require.NoError(t, err)
		require.Equal(t, int64(-3), counter.Value())
	})
	t.Run("decrement rejects an empty node id", func(t *testing.T) {
		_, err := NewPNCounter().Decrement("")
		require.Equal(t, ErrInvalidNode, err)
	})
	t.Run("merge combines both sides entry-wise", func(t *testing.T) {
		left, _ := NewPNCounter().IncrementBy("node-a", 3)
		left, _ = left.DecrementBy("node-a", 1)
		right, _ := NewPNCounter().IncrementBy("node-b", 2)
		merged, err := left.Merge(right)
		require.NoError(t, err)
		require.Equal(t, int64(4), merged.(PNCounter).Value())
	})
}
