package commands

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/protocol"
	"github.com/vx-labs/crdt-sync/registry"
)

// Processor validates mutation envelopes and applies them to the
// registry. It owns no state of its own beyond metrics.
type Processor struct {
	store  registry.Store
	logger *zap.Logger
}

func NewProcessor(store registry.Store, logger *zap.Logger) *Processor {
	return &Processor{store: store, logger: logger}
}

// Execute runs one command. Duplicate deliveries (same request_id
// within the cache window) echo the first result without a second
// state transition; the duplicate flag reports that an echo happened.
func (p *Processor) Execute(cache *IdempotencyCache, cmd Command, origin *registry.Subscriber) (state crdt.State, duplicate bool, err error) {
	if cmd.RequestID == "" || cache == nil {
		state, err = p.apply(cmd, origin)
		return state, false, err
	}
	slot, first := cache.reserve(cmd.RequestID)
	if !first {
		state, err = slot.wait()
		commandsProcessed.WithLabelValues(cmd.Type, "duplicate").Inc()
		return state, true, err
	}
	state, err = p.apply(cmd, origin)
	slot.complete(state, err)
	return state, false, err
}

func (p *Processor) apply(cmd Command, origin *registry.Subscriber) (crdt.State, error) {
	if perr := Validate(cmd); perr != nil {
		commandsProcessed.WithLabelValues(cmd.Type, "invalid").Inc()
		return nil, perr
	}
	kind, err := KindFor(cmd.Type, cmd.Payload)
	if err != nil {
		commandsProcessed.WithLabelValues(cmd.Type, "invalid").Inc()
		return nil, err
	}
	key := cmd.Payload["key"].(string)
	if _, err := p.store.GetOrCreate(key, kind); err != nil {
		commandsProcessed.WithLabelValues(cmd.Type, "error").Inc()
		return nil, mapStoreError(err)
	}
	out, err := p.run(key, kind, cmd, origin)
	if err != nil {
		commandsProcessed.WithLabelValues(cmd.Type, "error").Inc()
		return nil, mapStoreError(err)
	}
	commandsProcessed.WithLabelValues(cmd.Type, "ok").Inc()
	return out, nil
}

func (p *Processor) run(key string, kind crdt.Kind, cmd Command, origin *registry.Subscriber) (crdt.State, error) {
	switch cmd.Type {
	case TypeMerge:
		incoming, err := decodeMergeState(cmd.Payload)
		if err != nil {
			return nil, err
		}
		return p.store.Merge(key, incoming, origin)
	default:
		return p.store.Update(key, origin, func(state crdt.State) (crdt.State, error) {
			return mutate(state, cmd)
		})
	}
}

func mutate(state crdt.State, cmd Command) (crdt.State, error) {
	node, _ := cmd.Payload["node_id"].(string)
	switch cmd.Type {
	case TypeIncrement:
		return state.(crdt.GCounter).Increment(node)
	case TypeIncrementBy:
		amount := uint64(cmd.Payload["amount"].(float64))
		return state.(crdt.GCounter).IncrementBy(node, amount)
	case TypeDecrement:
		return state.(crdt.PNCounter).Decrement(node)
	case TypeSet:
		return state.(crdt.LWWRegister).Set(cmd.Payload["value"], node)
	case TypeAdd:
		return state.(crdt.ORSet).Add(cmd.Payload["element"].(string), node)
	case TypeRemove:
		return state.(crdt.ORSet).Remove(cmd.Payload["element"].(string))
	default:
		return nil, protocol.NewError(protocol.ErrUnknownCommand, fmt.Sprintf("unknown command type %q", cmd.Type))
	}
}

func mapStoreError(err error) error {
	switch err {
	case crdt.ErrKindMismatch:
		return protocol.NewError(protocol.ErrKindMismatch, "replica is bound to another crdt kind")
	case registry.ErrReplicaNotFound:
		return protocol.NewError(protocol.ErrNotFound, "replica not found")
	case crdt.ErrInvalidNode, crdt.ErrUnknownKind:
		return protocol.NewError(protocol.ErrInvalidCommand, err.Error())
	default:
		if _, ok := err.(*protocol.Error); ok {
			return err
		}
		return protocol.NewError(protocol.ErrInternal, err.Error())
	}
}
