package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"go.uber.org/zap"
)

type wssListener struct {
	listener net.Listener
	logger   *zap.Logger
}

func NewWSSTransport(config *tls.Config, port int, logger *zap.Logger, handler func(Metadata) error) (net.Listener, error) {
	listener := &wssListener{logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			logger.Warn("websocket negociation failed",
				zap.String("remote_address", r.RemoteAddr), zap.Error(err))
			return
		}

		tlsConn := conn.(*tls.Conn)
		listener.queueSession(&Conn{
			conn:  conn,
			state: tlsConn.ConnectionState(),
		}, handler)
	})
	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", port), config)
	if err != nil {
		return nil, err
	}
	listener.listener = ln
	go http.Serve(ln, mux)
	return ln, nil
}

func (t *wssListener) queueSession(c *Conn, handler func(Metadata) error) {
	state := c.state
	go handler(Metadata{
		Channel:         c,
		Encrypted:       true,
		EncryptionState: &state,
		Name:            "wss",
		RemoteAddress:   c.RemoteAddr().String(),
	})
}
