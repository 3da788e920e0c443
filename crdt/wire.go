package crdt

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// wire envelope shared by every kind: {kind, payload, version}.
// Field names match the peer protocol and are stable.
type wireState struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Version uint64          `json:"version"`
}

type gCounterPayload struct {
	Counts map[string]uint64 `json:"counts"`
}

type pnCounterPayload struct {
	Positive map[string]uint64 `json:"positive"`
	Negative map[string]uint64 `json:"negative"`
}

type lwwRegisterPayload struct {
	Value     interface{} `json:"value"`
	Timestamp int64       `json:"timestamp"`
	Author    string      `json:"author,omitempty"`
}

type orSetTag struct {
	Author string `json:"author"`
	Seq    uint64 `json:"seq"`
}

type orSetPayload struct {
	Elements map[string][]orSetTag `json:"elements"`
}

func Encode(state State) ([]byte, error) {
	var payload interface{}
	switch replica := state.(type) {
	case GCounter:
		payload = gCounterPayload{Counts: replica.counts}
	case PNCounter:
		payload = pnCounterPayload{
			Positive: replica.positive.counts,
			Negative: replica.negative.counts,
		}
	case LWWRegister:
		payload = lwwRegisterPayload{
			Value:     replica.value,
			Timestamp: replica.timestamp,
			Author:    replica.author,
		}
	case ORSet:
		elements := make(map[string][]orSetTag, len(replica.elements))
		for element, tags := range replica.elements {
			encoded := make([]orSetTag, 0, len(tags))
			for tag := range tags {
				encoded = append(encoded, orSetTag{Author: tag.Author, Seq: tag.Sequence})
			}
			elements[element] = encoded
		}
		payload = orSetPayload{Elements: elements}
	default:
		return nil, ErrUnknownKind
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode crdt payload")
	}
	return json.Marshal(wireState{Kind: state.Kind(), Payload: buf, Version: state.Version()})
}

// Decode is tolerant to absent optional fields (version, author) and
// rejects unknown kinds.
func Decode(buf []byte) (State, error) {
	envelope := wireState{}
	if err := json.Unmarshal(buf, &envelope); err != nil {
		return nil, errors.Wrap(err, "failed to decode crdt envelope")
	}
	return decodePayload(envelope)
}

func decodePayload(envelope wireState) (State, error) {
	switch envelope.Kind {
	case KindGCounter:
		payload := gCounterPayload{}
		if err := unmarshalPayload(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		counts := payload.Counts
		if counts == nil {
			counts = map[string]uint64{}
		}
		return GCounter{counts: counts, version: envelope.Version}, nil
	case KindPNCounter:
		payload := pnCounterPayload{}
		if err := unmarshalPayload(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		positive := payload.Positive
		if positive == nil {
			positive = map[string]uint64{}
		}
		negative := payload.Negative
		if negative == nil {
			negative = map[string]uint64{}
		}
		return PNCounter{
			positive: GCounter{counts: positive},
			negative: GCounter{counts: negative},
			version:  envelope.Version,
		}, nil
	case KindLWWRegister:
		payload := lwwRegisterPayload{}
		if err := unmarshalPayload(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		return LWWRegister{
			value:     payload.Value,
			timestamp: payload.Timestamp,
			author:    payload.Author,
			version:   envelope.Version,
		}, nil
	case KindORSet:
		payload := orSetPayload{}
		if err := unmarshalPayload(envelope.Payload, &payload); err != nil {
			return nil, err
		}
		elements := make(map[string]map[Tag]struct{}, len(payload.Elements))
		for element, tags := range payload.Elements {
			decoded := make(map[Tag]struct{}, len(tags))
			for _, tag := range tags {
				decoded[Tag{Author: tag.Author, Sequence: tag.Seq}] = struct{}{}
			}
			elements[element] = decoded
		}
		return ORSet{elements: elements, version: envelope.Version}, nil
	default:
		return nil, ErrUnknownKind
	}
}

func unmarshalPayload(buf json.RawMessage, out interface{}) error {
	if len(buf) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(buf, out), "failed to decode crdt payload")
}
