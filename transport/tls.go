package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	proxyproto "github.com/armon/go-proxyproto"
	"go.uber.org/zap"
)

type tlsListener struct {
	listener net.Listener
	logger   *zap.Logger
}

// LoadTLSConfig builds a server TLS config from a certificate and key
// on disk.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func NewTLSTransport(config *tls.Config, port int, logger *zap.Logger, handler func(Metadata) error) (net.Listener, error) {
	listener := &tlsListener{logger: logger}

	tcp, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	proxyList := &proxyproto.Listener{Listener: tcp}

	l := tls.NewListener(proxyList, config)
	listener.listener = l
	go listener.acceptLoop(handler)
	return l, nil
}

func (t *tlsListener) acceptLoop(handler func(Metadata) error) {
	var tempDelay time.Duration
	for {
		rawConn, err := t.listener.Accept()
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
		c, ok := rawConn.(*tls.Conn)
		if !ok {
			rawConn.Close()
			continue
		}
		err = c.Handshake()
		if err != nil {
			t.logger.Warn("tls handshake failed", zap.Error(err))
			c.Close()
			continue
		}
		t.queueSession(c, handler)
	}
}

func (t *tlsListener) queueSession(c *tls.Conn, handler func(Metadata) error) {
	state := c.ConnectionState()
	go handler(Metadata{
		Channel:         c,
		Encrypted:       true,
		EncryptionState: &state,
		Name:            "tls",
		RemoteAddress:   c.RemoteAddr().String(),
	})
}
