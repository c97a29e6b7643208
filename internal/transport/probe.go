package transport

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/stun"
)

// DefaultStunServers is used when the prober gets no explicit list.
var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// Prober discovers the public address of this peer so a direct QUIC path
// can be attempted before falling back to a relay.
type Prober struct {
	servers []string
	log     *slog.Logger
	timeout time.Duration
}

func NewProber(servers []string, log *slog.Logger) *Prober {
	if len(servers) == 0 {
		servers = DefaultStunServers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{servers: servers, log: log, timeout: 3 * time.Second}
}

// PublicAddr resolves this peer's reflexive address via STUN. Servers are
// tried in order; the first binding response wins.
func (p *Prober) PublicAddr() (*net.UDPAddr, error) {
	var lastErr error
	for _, server := range p.servers {
		addr, err := p.query(server)
		if err != nil {
			p.log.Debug("stun query failed", "server", server, "err", err)
			lastErr = err
			continue
		}
		p.log.Info("public address resolved", "addr", addr, "server", server)
		return addr, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no stun servers configured")
	}
	return nil, fmt.Errorf("stun resolution failed: %w", lastErr)
}

func (p *Prober) query(server string) (*net.UDPAddr, error) {
	conn, err := net.Dial("udp", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(p.timeout))

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(msg.Raw); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		return nil, err
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(resp); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}
