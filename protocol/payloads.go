package protocol

import (
	"encoding/json"

	"github.com/vx-labs/crdt-sync/policy"
)

const TopicPrefix = "crdt:"

// ConnectPayload is the first frame a peer must send.
type ConnectPayload struct {
	NodeID       string                   `json:"node_id"`
	Capabilities *policy.CapabilityReport `json:"capabilities,omitempty"`
}

type JoinPayload struct {
	Topic string `json:"topic"`
}

// JoinData acknowledges a join with the current replica state and the
// peer's delivery profile.
type JoinData struct {
	State   json.RawMessage      `json:"state"`
	Profile string               `json:"profile"`
	Config  policy.ProfileConfig `json:"config"`
}

type StatePayload struct {
	State json.RawMessage `json:"state"`
}

// ClosePayload tells the peer why the server is hanging up, so a
// protocol failure is distinguishable from network loss.
type ClosePayload struct {
	Reason string `json:"reason"`
}

// A Frame is what a peer reads off the stream: either a reply to one
// of its requests or a server-pushed message.
type Frame struct {
	Status  string          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (f Frame) IsReply() bool {
	return f.Status != ""
}
