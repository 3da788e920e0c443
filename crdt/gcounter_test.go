package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGCounter(t *testing.T) {
	t.Run("value sums all entries", func(t *testing.T) {
		counter := NewGCounter()
		counter, err := counter.IncrementBy("node-a", 3)
		require.NoError(t, err)
		counter, err = counter.IncrementBy("node-b", 5)
		require.NoError(t, err)
		require.Equal(t, uint64(8), counter.Value())
		require.Equal(t, uint64(3), counter.Count("node-a"))
	})
	t.Run("increment rejects an empty node id", func(t *testing.T) {
		_, err := NewGCounter().Increment("")
		require.Equal(t, ErrInvalidNode, err)
	})
	t.Run("mutation does not alias the input", func(t *testing.T) {
		counter, _ := NewGCounter().IncrementBy("node-a", 1)
		mutated, _ := counter.IncrementBy("node-a", 1)
		require.Equal(t, uint64(1), counter.Value())
		require.Equal(t, uint64(2), mutated.Value())
	})
	t.Run("merge takes the entry-wise maximum", func(t *testing.T) {
		left, _ := NewGCounter().IncrementBy("node-a", 3)
		left, _ = left.IncrementBy("node-b", 2)
		right, _ := NewGCounter().IncrementBy("node-b", 5)
		merged, err := left.Merge(right)
		require.NoError(t, err)
		counter := merged.(GCounter)
		require.Equal(t, uint64(3), counter.Count("node-a"))
		require.Equal(t, uint64(5), counter.Count("node-b"))
		require.Equal(t, uint64(8), counter.Value())
	})
	t.Run("delta contains only entries the old state lacks", func(t *testing.T) {
		old, _ := NewGCounter().IncrementBy("A", 3)
		old, _ = old.IncrementBy("B", 2)
		current, _ := NewGCounter().IncrementBy("A", 3)
		current, _ = current.IncrementBy("B", 5)
		delta, err := old.Delta(current)
		require.NoError(t, err)
		counter := delta.(GCounter)
		require.Equal(t, uint64(0), counter.Count("A"))
		require.Equal(t, uint64(5), counter.Count("B"))
		require.Len(t, counter.Nodes(), 1)
	})
	t.Run("partial order", func(t *testing.T) {
		small, _ := NewGCounter().IncrementBy("node-a", 1)
		large, _ := small.IncrementBy("node-b", 1)
		require.True(t, small.LE(large))
		require.False(t, large.LE(small))
	})
	t.Run("merge rejects another kind", func(t *testing.T) {
		_, err := NewGCounter().Merge(NewORSet())
		require.Equal(t, ErrKindMismatch, err)
	})
}
