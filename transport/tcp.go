package transport

import (
	"fmt"
	"net"
	"time"

	proxyproto "github.com/armon/go-proxyproto"
	"go.uber.org/zap"
)

type tcp struct {
	listener net.Listener
	logger   *zap.Logger
}

// NewTCPTransport listens for raw TCP peers. The listener understands
// the PROXY protocol, so peer addresses survive a load balancer.
func NewTCPTransport(port int, logger *zap.Logger, handler func(Metadata) error) (net.Listener, error) {
	listener := &tcp{logger: logger}
	tcp, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	proxyListener := &proxyproto.Listener{Listener: tcp}
	listener.listener = proxyListener
	go listener.acceptLoop(handler)
	return proxyListener, nil
}

func (t *tcp) acceptLoop(handler func(Metadata) error) {
	var tempDelay time.Duration
	for {
		c, err := t.listener.Accept()
		if err != nil {
			if err.Error() == fmt.Sprintf("accept tcp %v: use of closed network connection", t.listener.Addr()) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				t.logger.Warn("accept failed, retrying",
					zap.Error(err), zap.Duration("retry_in", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			t.logger.Error("accept failed", zap.Error(err))
			t.listener.Close()
			return
		}
		tempDelay = 0
		t.queueSession(c, handler)
	}
}

func (t *tcp) queueSession(c net.Conn, handler func(Metadata) error) {
	go handler(Metadata{
		Channel:         c,
		Encrypted:       false,
		EncryptionState: nil,
		Name:            "tcp",
		RemoteAddress:   c.RemoteAddr().String(),
	})
}
