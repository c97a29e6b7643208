package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials the control connection over a WebSocket, for peers that
// can only reach each other through an HTTP relay.
type WSDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d *WSDialer) Dial(ctx context.Context, wsURL string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, d.Header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, body)
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return newWSConn(conn), nil
}

// WSUpgrader turns an incoming HTTP request into a transport Conn, for a
// relay or host serving WebSocket peers.
type WSUpgrader struct {
	upgrader websocket.Upgrader
}

func (u *WSUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn), nil
}

// WSListener serves WebSocket upgrades and yields the resulting
// connections through Accept.
type WSListener struct {
	srv   *http.Server
	ln    net.Listener
	upg   WSUpgrader
	conns chan Conn
}

func ListenWS(addr string) (*WSListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WSListener{ln: ln, conns: make(chan Conn, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)
	return l, nil
}

func (l *WSListener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upg.Upgrade(w, r)
	if err != nil {
		return
	}
	select {
	case l.conns <- conn:
	default:
		conn.Close() // nobody accepting
	}
}

func (l *WSListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WSListener) Addr() net.Addr { return l.ln.Addr() }
func (l *WSListener) Close() error   { return l.srv.Close() }

// wsConn adapts a message-oriented WebSocket to the byte-stream Conn
// interface. Writes go out as binary messages; reads drain messages into a
// remainder buffer so callers can read arbitrary lengths.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	rest    []byte
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.rest) == 0 {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.rest = msg
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
