package transport

import (
	"crypto/tls"
	"io"
	"time"
)

// TimeoutReadWriteCloser is the duplex channel a session reads frames
// from and writes frames to. Deadlines drive the session keepalive.
type TimeoutReadWriteCloser interface {
	SetDeadline(time.Time) error
	io.ReadWriteCloser
}

type Metadata struct {
	Name            string
	Encrypted       bool
	EncryptionState *tls.ConnectionState
	RemoteAddress   string
	Channel         TimeoutReadWriteCloser
	Endpoint        string
}
