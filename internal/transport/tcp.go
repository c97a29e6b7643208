package transport

import (
	"context"
	"net"
	"time"
)

// TCPDialer dials plain TCP connections.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means the dialer's
	// default of ten seconds.
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true) // input latency matters more than throughput
	}
	return conn.(*net.TCPConn), nil
}

// TCPListener accepts plain TCP connections.
type TCPListener struct {
	ln *net.TCPListener
}

func ListenTCP(addr string) (*TCPListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.ln.SetDeadline(deadline)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.SetDeadline(time.Now())
		case <-done:
		}
	}()

	conn, err := l.ln.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	conn.SetNoDelay(true)
	return conn, nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }
func (l *TCPListener) Close() error   { return l.ln.Close() }
