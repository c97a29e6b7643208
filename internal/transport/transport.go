// Package transport provides the byte-stream connections the session
// engine runs over: TCP, QUIC, and WebSocket, plus an in-memory pair for
// tests. The engine is agnostic to which one carried the bytes; it only
// requires an ordered reliable duplex stream.
package transport

import (
	"context"
	"io"
	"net"
)

// Conn is one ordered, reliable, duplex byte stream between two peers.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
	RemoteAddr() net.Addr
}

// Dialer establishes outbound connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}
