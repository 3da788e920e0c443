package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type clientConn struct {
	conn   net.Conn
	reader io.Reader
}

// DialWS opens the client side of the websocket transport.
func DialWS(ctx context.Context, url string) (TimeoutReadWriteCloser, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &clientConn{conn: conn}, nil
}

func (c *clientConn) nextFrame() error {
	buf, _, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		return err
	}
	c.reader = bytes.NewBuffer(buf)
	return nil
}

func (c *clientConn) Read(b []byte) (int, error) {
	n := 0
	var err error
	for {
		if c.reader == nil {
			err := c.nextFrame()
			if err != nil {
				return 0, err
			}
		}
		n, err = c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if len(b) > n {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (c *clientConn) Write(b []byte) (int, error) {
	return len(b), wsutil.WriteClientText(c.conn, b)
}

func (c *clientConn) Close() error {
	return c.conn.Close()
}

func (c *clientConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}
