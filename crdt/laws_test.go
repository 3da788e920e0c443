package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const lawIterations = 200

var lawAuthors = []string{"node-a", "node-b", "node-c", "node-d"}

func TestSemilatticeLaws(t *testing.T) {
	kinds := []Kind{KindGCounter, KindPNCounter, KindLWWRegister, KindORSet}
	rnd := rand.New(rand.NewSource(42))
	for _, kind := range kinds {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			t.Run("merge is commutative", func(t *testing.T) {
				for i := 0; i < lawIterations; i++ {
					a, err := Generate(kind, rnd, lawAuthors)
					require.NoError(t, err)
					b, err := Generate(kind, rnd, lawAuthors)
					require.NoError(t, err)
					left, err := a.Merge(b)
					require.NoError(t, err)
					right, err := b.Merge(a)
					require.NoError(t, err)
					require.True(t, Equal(left, right))
				}
			})
			t.Run("merge is associative", func(t *testing.T) {
				for i := 0; i < lawIterations; i++ {
					a, _ := Generate(kind, rnd, lawAuthors)
					b, _ := Generate(kind, rnd, lawAuthors)
					c, _ := Generate(kind, rnd, lawAuthors)
					ab, err := a.Merge(b)
					require.NoError(t, err)
					left, err := ab.Merge(c)
					require.NoError(t, err)
					bc, err := b.Merge(c)
					require.NoError(t, err)
					right, err := a.Merge(bc)
					require.NoError(t, err)
					require.True(t, Equal(left, right))
				}
			})
			t.Run("merge is idempotent", func(t *testing.T) {
				for i := 0; i < lawIterations; i++ {
					a, _ := Generate(kind, rnd, lawAuthors)
					merged, err := a.Merge(a)
					require.NoError(t, err)
					require.True(t, Equal(a, merged))
				}
			})
			t.Run("merge with identity is a no-op", func(t *testing.T) {
				identity, err := Empty(kind)
				require.NoError(t, err)
				for i := 0; i < lawIterations; i++ {
					a, _ := Generate(kind, rnd, lawAuthors)
					merged, err := a.Merge(identity)
					require.NoError(t, err)
					require.True(t, Equal(a, merged))
				}
			})
			t.Run("encoding round-trips", func(t *testing.T) {
				for i := 0; i < lawIterations; i++ {
					a, _ := Generate(kind, rnd, lawAuthors)
					buf, err := Encode(a)
					require.NoError(t, err)
					decoded, err := Decode(buf)
					require.NoError(t, err)
					require.True(t, Equal(a, decoded))
				}
			})
		})
	}
}

func TestInflationaryMutators(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	t.Run("g_counter increment", func(t *testing.T) {
		for i := 0; i < lawIterations; i++ {
			a := GenerateGCounter(rnd, lawAuthors)
			mutated, err := a.IncrementBy(lawAuthors[rnd.Intn(len(lawAuthors))], uint64(rnd.Intn(5)+1))
			require.NoError(t, err)
			merged, err := a.Merge(mutated)
			require.NoError(t, err)
			require.True(t, Equal(mutated, merged))
			require.True(t, a.LE(mutated))
		}
	})
	t.Run("pn_counter decrement", func(t *testing.T) {
		for i := 0; i < lawIterations; i++ {
			a := GeneratePNCounter(rnd, lawAuthors)
			mutated, err := a.DecrementBy(lawAuthors[rnd.Intn(len(lawAuthors))], uint64(rnd.Intn(5)+1))
			require.NoError(t, err)
			merged, err := a.Merge(mutated)
			require.NoError(t, err)
			require.True(t, Equal(mutated, merged))
		}
	})
	t.Run("lww_register set", func(t *testing.T) {
		for i := 0; i < lawIterations; i++ {
			a := GenerateLWWRegister(rnd, lawAuthors)
			mutated, err := a.Set("fresh", lawAuthors[rnd.Intn(len(lawAuthors))])
			require.NoError(t, err)
			merged, err := a.Merge(mutated)
			require.NoError(t, err)
			require.True(t, Equal(mutated, merged))
		}
	})
	t.Run("or_set add", func(t *testing.T) {
		for i := 0; i < lawIterations; i++ {
			a := GenerateORSet(rnd, lawAuthors)
			mutated, err := a.Add("fresh", lawAuthors[rnd.Intn(len(lawAuthors))])
			require.NoError(t, err)
			merged, err := a.Merge(mutated)
			require.NoError(t, err)
			require.True(t, Equal(mutated, merged))
		}
	})
}

func TestDeltaCorrectness(t *testing.T) {
	rnd := rand.New(rand.NewSource(21))
	t.Run("g_counter", func(t *testing.T) {
		for i := 0; i < lawIterations; i++ {
			old := GenerateGCounter(rnd, lawAuthors)
			newer := old
			for j := 0; j < rnd.Intn(5); j++ {
				newer, _ = newer.IncrementBy(lawAuthors[rnd.Intn(len(lawAuthors))], uint64(rnd.Intn(5)+1))
			}
			delta, err := old.Delta(newer)
			require.NoError(t, err)
			merged, err := old.Merge(delta)
			require.NoError(t, err)
			require.True(t, Equal(newer, merged))
		}
	})
	t.Run("pn_counter", func(t *testing.T) {
		for i := 0; i < lawIterations; i++ {
			old := GeneratePNCounter(rnd, lawAuthors)
			newer := old
			for j := 0; j < rnd.Intn(5); j++ {
				if rnd.Intn(2) == 0 {
					newer, _ = newer.IncrementBy(lawAuthors[rnd.Intn(len(lawAuthors))], uint64(rnd.Intn(5)+1))
				} else {
					newer, _ = newer.DecrementBy(lawAuthors[rnd.Intn(len(lawAuthors))], uint64(rnd.Intn(5)+1))
				}
			}
			delta, err := old.Delta(newer)
			require.NoError(t, err)
			merged, err := old.Merge(delta)
			require.NoError(t, err)
			require.True(t, Equal(newer, merged))
		}
	})
	t.Run("lww_register", func(t *testing.T) {
		for i := 0; i < lawIterations; i++ {
			old := GenerateLWWRegister(rnd, lawAuthors)
			newer := old
			for j := 0; j < rnd.Intn(3); j++ {
				newer, _ = newer.Set(rnd.Intn(100), lawAuthors[rnd.Intn(len(lawAuthors))])
			}
			delta, err := old.Delta(newer)
			require.NoError(t, err)
			merged, err := old.Merge(delta)
			require.NoError(t, err)
			require.True(t, Equal(newer, merged))
		}
	})
	t.Run("or_set additions", func(t *testing.T) {
		for i := 0; i < lawIterations; i++ {
			old := GenerateORSet(rnd, lawAuthors)
			newer := old
			for j := 0; j < rnd.Intn(5); j++ {
				newer, _ = newer.Add("delta-element", lawAuthors[rnd.Intn(len(lawAuthors))])
			}
			delta, err := old.Delta(newer)
			require.NoError(t, err)
			merged, err := old.Merge(delta)
			require.NoError(t, err)
			require.True(t, Equal(newer, merged))
		}
	})
}
