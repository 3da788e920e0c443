package crdt

import "time"

var nowMicro = func() int64 {
	return time.Now().UnixNano() / int64(time.Microsecond)
}

// An LWWRegister holds an opaque value stamped with the microsecond
// timestamp and author of its last write. Merge keeps the side with
// the larger timestamp; author breaks ties.
type LWWRegister struct {
	value     interface{}
	timestamp int64
	author    string
	version   uint64
}

func NewLWWRegister() LWWRegister {
	return LWWRegister{}
}

func (r LWWRegister) Kind() Kind      { return KindLWWRegister }
func (r LWWRegister) Version() uint64 { return r.version }

func (r LWWRegister) Value() interface{} { return r.value }
func (r LWWRegister) Timestamp() int64   { return r.timestamp }
func (r LWWRegister) Author() string     { return r.author }

// Set stamps the new value with a timestamp strictly greater than
// anything observed locally, so a later write at the same replica
// can never tie with an earlier one.
func (r LWWRegister) Set(value interface{}, node string) (LWWRegister, error) {
	if node == "" {
		return r, ErrInvalidNode
	}
	timestamp := nowMicro()
	if timestamp <= r.timestamp {
		timestamp = r.timestamp + 1
	}
	return LWWRegister{
		value:     value,
		timestamp: timestamp,
		author:    node,
		version:   r.version + 1,
	}, nil
}

// wins reports whether the remote write supersedes the local one.
// On a full (timestamp, author) tie the receiver is kept; both sides
// are then interchangeable, so either merge order yields the same
// value.
func (r LWWRegister) wins(remote LWWRegister) bool {
	if remote.timestamp != r.timestamp {
		return remote.timestamp > r.timestamp
	}
	return remote.author > r.author
}

func (r LWWRegister) Merge(other State) (State, error) {
	remote, ok := other.(LWWRegister)
	if !ok {
		return r, ErrKindMismatch
	}
	version := r.version
	if remote.version > version {
		version = remote.version
	}
	out := r
	if r.wins(remote) {
		out = remote
	}
	out.version = version
	return out, nil
}

func (r LWWRegister) Delta(newer State) (State, error) {
	remote, ok := newer.(LWWRegister)
	if !ok {
		return nil, ErrKindMismatch
	}
	if !r.wins(remote) {
		return NewLWWRegister(), nil
	}
	return remote, nil
}

func (r LWWRegister) Clone() State { return r }

func (r LWWRegister) equal(other LWWRegister) bool {
	return r.timestamp == other.timestamp &&
		r.author == other.author &&
		valueEqual(r.value, other.value)
}
