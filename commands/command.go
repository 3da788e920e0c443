package commands

import (
	"encoding/json"
	"fmt"

	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/protocol"
)

const (
	TypeIncrement   = "crdt.increment"
	TypeIncrementBy = "crdt.increment_by"
	TypeDecrement   = "crdt.decrement"
	TypeSet         = "crdt.set"
	TypeAdd         = "crdt.add"
	TypeRemove      = "crdt.remove"
	TypeMerge       = "crdt.merge"
)

// A Command is one validated-on-entry mutation envelope.
type Command struct {
	Type      string
	Payload   map[string]interface{}
	RequestID string
	Timestamp int64
}

// KindFor derives the CRDT kind a command type operates on. For
// crdt.merge the kind travels inside the payload state.
func KindFor(commandType string, payload map[string]interface{}) (crdt.Kind, error) {
	switch commandType {
	case TypeIncrement, TypeIncrementBy:
		return crdt.KindGCounter, nil
	case TypeDecrement:
		return crdt.KindPNCounter, nil
	case TypeSet:
		return crdt.KindLWWRegister, nil
	case TypeAdd, TypeRemove:
		return crdt.KindORSet, nil
	case TypeMerge:
		state, err := decodeMergeState(payload)
		if err != nil {
			return "", err
		}
		return state.Kind(), nil
	default:
		return "", protocol.NewError(protocol.ErrUnknownCommand, fmt.Sprintf("unknown command type %q", commandType))
	}
}

// Validate is a pure check over the envelope shape. It never touches
// the registry.
func Validate(cmd Command) *protocol.Error {
	switch cmd.Type {
	case TypeIncrement, TypeDecrement:
		return requireFields(cmd.Payload, stringField("key"), stringField("node_id"))
	case TypeIncrementBy:
		if err := requireFields(cmd.Payload, stringField("key"), stringField("node_id")); err != nil {
			return err
		}
		return validAmount(cmd.Payload)
	case TypeSet:
		if err := requireFields(cmd.Payload, stringField("key"), stringField("node_id")); err != nil {
			return err
		}
		if _, ok := cmd.Payload["value"]; !ok {
			return protocol.NewError(protocol.ErrMissingField, "missing field value")
		}
		return nil
	case TypeAdd:
		return requireFields(cmd.Payload, stringField("key"), stringField("node_id"), stringField("element"))
	case TypeRemove:
		return requireFields(cmd.Payload, stringField("key"), stringField("element"))
	case TypeMerge:
		if err := requireFields(cmd.Payload, stringField("key")); err != nil {
			return err
		}
		if _, err := decodeMergeState(cmd.Payload); err != nil {
			if perr, ok := err.(*protocol.Error); ok {
				return perr
			}
			return protocol.NewError(protocol.ErrInvalidCommand, err.Error())
		}
		return nil
	default:
		return protocol.NewError(protocol.ErrUnknownCommand, fmt.Sprintf("unknown command type %q", cmd.Type))
	}
}

type fieldCheck struct {
	name  string
	check func(interface{}) bool
}

func stringField(name string) fieldCheck {
	return fieldCheck{name: name, check: func(v interface{}) bool {
		s, ok := v.(string)
		return ok && s != ""
	}}
}

func requireFields(payload map[string]interface{}, fields ...fieldCheck) *protocol.Error {
	for _, field := range fields {
		value, ok := payload[field.name]
		if !ok {
			return protocol.NewError(protocol.ErrMissingField, fmt.Sprintf("missing field %s", field.name))
		}
		if !field.check(value) {
			return protocol.NewError(protocol.ErrInvalidCommand, fmt.Sprintf("bad type for field %s", field.name))
		}
	}
	return nil
}

func validAmount(payload map[string]interface{}) *protocol.Error {
	value, ok := payload["amount"]
	if !ok {
		return protocol.NewError(protocol.ErrMissingField, "missing field amount")
	}
	amount, ok := value.(float64)
	if !ok {
		return protocol.NewError(protocol.ErrInvalidCommand, "bad type for field amount")
	}
	if amount < 0 {
		return protocol.NewError(protocol.ErrInvalidCommand, "amount must not be negative")
	}
	return nil
}

// decodeMergeState re-encodes the payload's state member through the
// CRDT wire codec.
func decodeMergeState(payload map[string]interface{}) (crdt.State, error) {
	raw, ok := payload["state"]
	if !ok {
		return nil, protocol.NewError(protocol.ErrMissingField, "missing field state")
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidCommand, "bad type for field state")
	}
	state, err := crdt.Decode(buf)
	if err == crdt.ErrUnknownKind {
		return nil, protocol.NewError(protocol.ErrInvalidCommand, "unknown crdt kind in state")
	}
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidCommand, err.Error())
	}
	return state, nil
}
