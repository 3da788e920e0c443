package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/commands"
	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/events"
	"github.com/vx-labs/crdt-sync/policy"
	"github.com/vx-labs/crdt-sync/protocol"
	"github.com/vx-labs/crdt-sync/registry"
	"github.com/vx-labs/crdt-sync/transport"
)

// Broker owns the three long-lived services: the replica registry,
// the capability policy table and the command processor. Sessions
// reach them only through the handle they were constructed with.
type Broker struct {
	ID          string
	logger      *zap.Logger
	Events      *events.Bus
	Registry    registry.Store
	Policy      *policy.Table
	processor   *commands.Processor
	defaultKind crdt.Kind

	mtx      sync.Mutex
	sessions map[string]string
}

func New(id string, logger *zap.Logger, config Config) *Broker {
	bus := events.NewBus()
	store := registry.NewMemDBStore(logger, bus)
	broker := &Broker{
		ID:          id,
		logger:      logger,
		Events:      bus,
		Registry:    store,
		Policy:      policy.NewTable(logger, bus),
		processor:   commands.NewProcessor(store, logger),
		defaultKind: config.DefaultKind,
		sessions:    map[string]string{},
	}
	broker.observe()
	return broker
}

// observe keeps the key gauge current and logs lifecycle events.
func (b *Broker) observe() {
	b.Events.Subscribe(events.ReplicaCreated, func(ev events.Event) {
		registryKeys.Inc()
		b.logger.Debug("replica created", zap.Any("key", ev.Payload))
	})
	b.Events.Subscribe(events.ReplicaDeleted, func(ev events.Event) {
		registryKeys.Dec()
		b.logger.Debug("replica deleted", zap.Any("key", ev.Payload))
	})
}

func (b *Broker) Connect(ctx context.Context, metadata transport.Metadata, connect protocol.ConnectPayload) (string, policy.Registration, error) {
	if connect.NodeID == "" {
		return "", policy.Registration{}, protocol.NewError(protocol.ErrUnauthorized, "missing node_id")
	}
	report := policy.CapabilityReport{}
	if connect.Capabilities != nil {
		report = *connect.Capabilities
	}
	registration := b.Policy.Register(connect.NodeID, report)
	sessionID := uuid.New().String()
	b.mtx.Lock()
	b.sessions[sessionID] = connect.NodeID
	b.mtx.Unlock()
	b.Events.Emit(events.Event{Key: events.SessionConnected, Payload: sessionID})
	b.logger.Info("peer connected",
		zap.String("session_id", sessionID),
		zap.String("node_id", connect.NodeID),
		zap.String("profile", string(registration.Profile)),
		zap.String("remote_address", metadata.RemoteAddress))
	return sessionID, registration, nil
}

// Join subscribes before reading so the subscriber misses no commit
// past the state returned in the acknowledgment. An unknown key is
// acknowledged with the empty default-kind state without installing
// it: the first command decides the replica's kind.
func (b *Broker) Join(ctx context.Context, key string, sub *registry.Subscriber) (crdt.State, error) {
	if err := b.Registry.Subscribe(key, sub); err != nil {
		return nil, err
	}
	state, err := b.Registry.Get(key)
	if err == registry.ErrReplicaNotFound {
		state, err = crdt.Empty(b.defaultKind)
	}
	if err != nil {
		b.Registry.Unsubscribe(key, sub)
		return nil, err
	}
	return state, nil
}

func (b *Broker) Leave(ctx context.Context, key string, sub *registry.Subscriber) error {
	return b.Registry.Unsubscribe(key, sub)
}

func (b *Broker) Command(ctx context.Context, cache *commands.IdempotencyCache, cmd commands.Command, origin *registry.Subscriber) (crdt.State, bool, error) {
	return b.processor.Execute(cache, cmd, origin)
}

func (b *Broker) Sync(ctx context.Context, key string, clientState crdt.State, profile policy.Profile) (crdt.State, error) {
	if policy.Config(profile).DeltaSync {
		state, err := b.Registry.Delta(key, clientState)
		return state, mapStoreError(err)
	}
	state, err := b.Registry.Get(key)
	return state, mapStoreError(err)
}

func (b *Broker) CloseSession(ctx context.Context, sessionID string, sub *registry.Subscriber) error {
	if sub != nil {
		sub.Close()
		b.Registry.UnsubscribeAll(sub)
	}
	b.mtx.Lock()
	nodeID, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mtx.Unlock()
	if ok {
		b.Policy.Unregister(nodeID)
		b.Events.Emit(events.Event{Key: events.SessionClosed, Payload: sessionID})
	}
	return nil
}

func mapStoreError(err error) error {
	switch err {
	case nil:
		return nil
	case registry.ErrReplicaNotFound:
		return protocol.NewError(protocol.ErrNotFound, "replica not found")
	case crdt.ErrKindMismatch:
		return protocol.NewError(protocol.ErrKindMismatch, "replica is bound to another crdt kind")
	default:
		return err
	}
}
