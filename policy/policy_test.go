package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/events"
)

func TestAssignProfile(t *testing.T) {
	t.Run("full needs workers, sab, memory and a good link", func(t *testing.T) {
		require.Equal(t, ProfileFull, AssignProfile(CapabilityReport{
			HasWorkers: true,
			HasSAB:     true,
			MemoryMB:   4096,
			Connection: ConnectionWifi,
		}))
		require.Equal(t, ProfileFull, AssignProfile(CapabilityReport{
			HasWorkers: true,
			HasSAB:     true,
			MemoryMB:   2048,
			Connection: ConnectionCellular,
			Effective:  "4g",
		}))
	})
	t.Run("constrained needs workers and some memory", func(t *testing.T) {
		require.Equal(t, ProfileConstrained, AssignProfile(CapabilityReport{
			HasWorkers: true,
			MemoryMB:   512,
			Connection: ConnectionCellular,
			Effective:  "3g",
		}))
		require.Equal(t, ProfileConstrained, AssignProfile(CapabilityReport{
			HasWorkers: true,
			HasSAB:     true,
			MemoryMB:   1024,
			Connection: ConnectionWifi,
		}))
	})
	t.Run("minimal is the fallback", func(t *testing.T) {
		require.Equal(t, ProfileMinimal, AssignProfile(CapabilityReport{}))
		require.Equal(t, ProfileMinimal, AssignProfile(CapabilityReport{
			HasWorkers: true,
			MemoryMB:   256,
		}))
	})
}

func TestProfileConfigs(t *testing.T) {
	full := Config(ProfileFull)
	require.Equal(t, 16, full.UpdateFrequencyMs)
	require.True(t, full.DeltaSync)
	require.Equal(t, 1, full.MaxBatchSize)

	minimal := Config(ProfileMinimal)
	require.Equal(t, 1000, minimal.UpdateFrequencyMs)
	require.False(t, minimal.DeltaSync)
	require.True(t, minimal.ServerRender)
	require.Equal(t, 50, minimal.MaxBatchSize)
}

func TestTable(t *testing.T) {
	bus := events.NewBus()
	table := NewTable(zap.NewNop(), bus)

	t.Run("register assigns a profile", func(t *testing.T) {
		registration := table.Register("node-a", CapabilityReport{HasWorkers: true, MemoryMB: 1024})
		require.Equal(t, ProfileConstrained, registration.Profile)
		require.False(t, registration.RegisteredAt.IsZero())
	})
	t.Run("update emits a profile change event", func(t *testing.T) {
		notified := make(chan events.Event, 1)
		cancel := bus.Subscribe(events.ProfileUpdated, func(ev events.Event) {
			notified <- ev
		})
		defer cancel()

		registration, err := table.Update("node-a", CapabilityReport{
			HasWorkers: true,
			HasSAB:     true,
			MemoryMB:   4096,
			Connection: ConnectionEthernet,
		})
		require.NoError(t, err)
		require.Equal(t, ProfileFull, registration.Profile)
		require.Equal(t, "node-a", (<-notified).Payload)
	})
	t.Run("update rejects an unknown node", func(t *testing.T) {
		_, err := table.Update("node-z", CapabilityReport{})
		require.Equal(t, ErrNodeNotRegistered, err)
	})
	t.Run("unregister forgets the node", func(t *testing.T) {
		table.Unregister("node-a")
		_, err := table.Get("node-a")
		require.Equal(t, ErrNodeNotRegistered, err)
	})
}
