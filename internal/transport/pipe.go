package transport

import "net"

// Pipe returns an in-memory connected Conn pair, for tests and in-process
// loopback sessions.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return pipeConn{a}, pipeConn{b}
}

type pipeConn struct {
	net.Conn
}

func (p pipeConn) RemoteAddr() net.Addr { return p.Conn.RemoteAddr() }
