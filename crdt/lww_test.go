package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLWWRegister(t *testing.T) {
	t.Run("set stamps strictly increasing timestamps", func(t *testing.T) {
		savedNow := nowMicro
		defer func() { nowMicro = savedNow }()
		nowMicro = func() int64 { return 100 }

		register, err := NewLWWRegister().Set("first", "node-a")
		require.NoError(t, err)
		require.Equal(t, int64(100), register.Timestamp())

		register, err = register.Set("second", "node-a")
		require.NoError(t, err)
		require.Equal(t, int64(101), register.Timestamp())
		require.Equal(t, "second", register.Value())
	})
	t.Run("set rejects an empty node id", func(t *testing.T) {
		_, err := NewLWWRegister().Set("value", "")
		require.Equal(t, ErrInvalidNode, err)
	})
	t.Run("larger timestamp wins", func(t *testing.T) {
		old := LWWRegister{value: "old", timestamp: 50, author: "node-z"}
		recent := LWWRegister{value: "recent", timestamp: 100, author: "node-a"}
		merged, err := old.Merge(recent)
		require.NoError(t, err)
		require.Equal(t, "recent", merged.(LWWRegister).Value())
	})
	t.Run("timestamp ties break on the larger author", func(t *testing.T) {
		left := LWWRegister{value: "alpha", timestamp: 100, author: "nA"}
		right := LWWRegister{value: "beta", timestamp: 100, author: "nB"}

		merged, err := left.Merge(right)
		require.NoError(t, err)
		require.Equal(t, "beta", merged.(LWWRegister).Value())

		merged, err = right.Merge(left)
		require.NoError(t, err)
		require.Equal(t, "beta", merged.(LWWRegister).Value())
	})
	t.Run("empty author loses any tie", func(t *testing.T) {
		anonymous := LWWRegister{value: "anonymous", timestamp: 100, author: ""}
		named := LWWRegister{value: "named", timestamp: 100, author: "node-a"}
		merged, err := anonymous.Merge(named)
		require.NoError(t, err)
		require.Equal(t, "named", merged.(LWWRegister).Value())
	})
	t.Run("delta is empty when the old side wins", func(t *testing.T) {
		old := LWWRegister{value: "old", timestamp: 100, author: "node-a"}
		delta, err := old.Delta(old)
		require.NoError(t, err)
		require.Equal(t, int64(0), delta.(LWWRegister).Timestamp())
	})
}
