package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one duplex message connection. ReadMessage is only ever called
// from the transport's read loop; WriteMessage calls are serialized by the
// transport.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new Conn. It is called again after every connection loss.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// WebSocketDialer returns a Dialer that opens a WebSocket to url and
// exchanges binary messages. header, if non-nil, is called before every
// dial so refreshed cookies and tokens ride on the upgrade request.
func WebSocketDialer(url string, header func() http.Header) Dialer {
	return DialerFunc(func(ctx context.Context) (Conn, error) {
		d := ws.Dialer{}
		if header != nil {
			d.Header = ws.HandshakeHeaderHTTP(header())
		}
		conn, br, _, err := d.Dial(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		return newWSConn(conn, br), nil
	})
}

// wsConn frames messages on the client side of a WebSocket.
type wsConn struct {
	conn net.Conn
	rw   io.ReadWriter
}

func newWSConn(conn net.Conn, br *bufio.Reader) *wsConn {
	c := &wsConn{conn: conn, rw: conn}
	if br != nil {
		// The handshake may have read past the response into br.
		c.rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	return c
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			return nil, err
		}
		if op == ws.OpBinary || op == ws.OpText {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	return wsutil.WriteClientBinary(c.conn, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }
