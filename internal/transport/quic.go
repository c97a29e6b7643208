package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol identifies the deskwire control protocol over QUIC.
const ALPNProtocol = "deskwire-v1"

const (
	minQuicConnWindow   = 1 << 20
	maxQuicConnWindow   = 1 << 30
	minQuicStreamWindow = 1 << 20
	maxQuicStreamWindow = 256 << 20
)

// QuicTuning sizes the QUIC receive windows. Zero fields take defaults
// suited to a video-heavy session.
type QuicTuning struct {
	ConnWindow   int
	StreamWindow int
}

func buildQuicConfig(t QuicTuning) *quic.Config {
	connWin := clampInt(t.ConnWindow, minQuicConnWindow, maxQuicConnWindow, 64<<20)
	streamWin := clampInt(t.StreamWindow, minQuicStreamWindow, maxQuicStreamWindow, 16<<20)
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             4,
		InitialConnectionReceiveWindow: uint64(connWin),
		MaxConnectionReceiveWindow:     uint64(connWin),
		InitialStreamReceiveWindow:     uint64(streamWin),
		MaxStreamReceiveWindow:         uint64(streamWin),
	}
}

func clampInt(v, lo, hi, def int) int {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// QUICDialer dials a QUIC connection and opens the single control stream
// the session runs over.
type QUICDialer struct {
	Tuning QuicTuning

	// TLS overrides the client TLS config. Nil accepts any certificate;
	// peer identity is authenticated at the session layer, not the
	// transport layer.
	TLS *tls.Config
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	tlsConf := d.TLS
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPNProtocol}}
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, buildQuicConfig(d.Tuning))
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

// QUICListener accepts QUIC connections carrying a single control stream.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC listens with a freshly generated self-signed certificate.
// Session-layer authentication covers peer identity.
func ListenQUIC(addr string, tuning QuicTuning) (*QUICListener, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, buildQuicConfig(tuning))
	if err != nil {
		return nil, err
	}
	return &QUICListener{ln: ln}, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }
func (l *QUICListener) Close() error   { return l.ln.Close() }

type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"deskwire"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
