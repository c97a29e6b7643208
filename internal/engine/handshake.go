package engine

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/sheerbytes/deskwire/pkg/caps"
	"github.com/sheerbytes/deskwire/pkg/wire"
)

// inbound is one read-loop result: a decoded message or the error that
// ended the connection.
type inbound struct {
	msg any
	err error
}

// authToken derives the challenge answer. The key binds the shared secret
// to the challenge salt, so a captured answer is useless against a fresh
// challenge.
func authToken(secret string, salt, nonce [16]byte) [32]byte {
	key := sha256.Sum256(append(salt[:], secret...))
	mac := hmac.New(sha256.New, key[:])
	mac.Write(nonce[:])
	var tok [32]byte
	copy(tok[:], mac.Sum(nil))
	return tok
}

func randomHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		panic("engine: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// awaitMsg waits for the next inbound message within the handshake
// deadline.
func awaitMsg(ctx context.Context, in <-chan inbound, deadline <-chan time.Time) (any, error) {
	select {
	case m, ok := <-in:
		if !ok {
			return nil, io.EOF
		}
		if m.err != nil {
			return nil, m.err
		}
		return m.msg, nil
	case <-deadline:
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expect waits for a message of one exact type. Anything else, including
// channel traffic arriving before the session is active, is a protocol
// violation that fails the connection.
func expect[T any](ctx context.Context, in <-chan inbound, deadline <-chan time.Time) (T, error) {
	var zero T
	msg, err := awaitMsg(ctx, in, deadline)
	if err != nil {
		return zero, err
	}
	t, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %T during handshake", ErrProtocol, msg)
	}
	return t, nil
}

type handshakeIO struct {
	ctx      context.Context
	conn     io.Writer
	in       <-chan inbound
	deadline <-chan time.Time
}

func (s *Session) handshake(ctx context.Context, conn io.Writer, in <-chan inbound, reconnect bool) error {
	hs := handshakeIO{
		ctx:      ctx,
		conn:     conn,
		in:       in,
		deadline: time.After(s.cfg.HandshakeTimeout),
	}
	if s.cfg.Role == RoleInitiator {
		if reconnect {
			return s.reconnectInitiator(hs)
		}
		return s.handshakeInitiator(hs)
	}
	return s.handshakeAcceptor(hs, reconnect)
}

func (s *Session) handshakeInitiator(hs handshakeIO) error {
	err := wire.WriteMessage(hs.conn, &wire.Hello{
		Version:   wire.ProtocolVersion,
		PeerID:    s.cfg.PeerID,
		PublicKey: s.cfg.PublicKey,
	})
	if err != nil {
		return err
	}
	peer, err := expect[*wire.Hello](hs.ctx, hs.in, hs.deadline)
	if err != nil {
		return err
	}
	if peer.Version != wire.ProtocolVersion {
		return fmt.Errorf("%w: local %d, peer %d", ErrVersionMismatch, wire.ProtocolVersion, peer.Version)
	}

	s.mu.Lock()
	s.sessionID = peer.SessionID
	s.peerKey = peer.PublicKey
	s.setStateLocked(StateAuthenticating)
	s.mu.Unlock()

	for {
		ch, err := expect[*wire.AuthChallenge](hs.ctx, hs.in, hs.deadline)
		if err != nil {
			return err
		}
		tok := authToken(s.cfg.Secret, ch.Salt, ch.Nonce)
		err = wire.WriteMessage(hs.conn, &wire.AuthAnswer{
			Token:        tok,
			SecondFactor: s.cfg.SecondFactor,
		})
		if err != nil {
			return err
		}
		res, err := expect[*wire.AuthResult](hs.ctx, hs.in, hs.deadline)
		if err != nil {
			return err
		}
		switch res.Status {
		case wire.AuthOK:
			s.mu.Lock()
			s.resumeToken = res.ResumeToken
			s.mu.Unlock()
			return s.negotiateInitiator(hs)
		case wire.AuthRetry:
			s.log.Warn("auth retry requested")
		default:
			return ErrAuthFailed
		}
	}
}

func (s *Session) negotiateInitiator(hs handshakeIO) error {
	s.mu.Lock()
	s.setStateLocked(StateNegotiating)
	local := s.localSet
	s.mu.Unlock()

	err := wire.WriteMessage(hs.conn, &wire.CapabilityAnnounce{Epoch: 1, Set: local})
	if err != nil {
		return err
	}
	ann, err := expect[*wire.CapabilityAnnounce](hs.ctx, hs.in, hs.deadline)
	if err != nil {
		return err
	}
	return s.commitNegotiation(1, local, ann.Set)
}

func (s *Session) handshakeAcceptor(hs handshakeIO, reconnect bool) error {
	hello, err := expect[*wire.Hello](hs.ctx, hs.in, hs.deadline)
	if err != nil {
		return err
	}
	if hello.Version != wire.ProtocolVersion {
		return fmt.Errorf("%w: local %d, peer %d", ErrVersionMismatch, wire.ProtocolVersion, hello.Version)
	}
	if hello.SessionID != "" {
		return s.reconnectAcceptor(hs, hello, reconnect)
	}
	if reconnect {
		// We hold a resumable session; a fresh handshake would orphan it.
		return fmt.Errorf("%w: fresh hello while a session awaits resumption", ErrProtocol)
	}

	s.mu.Lock()
	s.sessionID = randomHex(16)
	s.peerKey = hello.PublicKey
	id := s.sessionID
	s.mu.Unlock()

	err = wire.WriteMessage(hs.conn, &wire.Hello{
		Version:   wire.ProtocolVersion,
		PeerID:    s.cfg.PeerID,
		SessionID: id,
		PublicKey: s.cfg.PublicKey,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.setStateLocked(StateAuthenticating)
	s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		var ch wire.AuthChallenge
		if _, err := rand.Read(ch.Salt[:]); err != nil {
			return err
		}
		if _, err := rand.Read(ch.Nonce[:]); err != nil {
			return err
		}
		if err := wire.WriteMessage(hs.conn, &ch); err != nil {
			return err
		}
		ans, err := expect[*wire.AuthAnswer](hs.ctx, hs.in, hs.deadline)
		if err != nil {
			return err
		}

		want := authToken(s.cfg.Secret, ch.Salt, ch.Nonce)
		ok := hmac.Equal(ans.Token[:], want[:])
		if s.cfg.SecondFactor != "" {
			ok = ok && subtle.ConstantTimeCompare([]byte(ans.SecondFactor), []byte(s.cfg.SecondFactor)) == 1
		}
		if ok {
			s.mu.Lock()
			s.resumeToken = randomHex(32)
			token := s.resumeToken
			s.mu.Unlock()
			err = wire.WriteMessage(hs.conn, &wire.AuthResult{Status: wire.AuthOK, ResumeToken: token})
			if err != nil {
				return err
			}
			break
		}
		if attempt >= maxAuthAttempts {
			s.log.Warn("authentication failed", "peer", hello.PeerID, "attempts", attempt)
			wire.WriteMessage(hs.conn, &wire.AuthResult{Status: wire.AuthFailed})
			return ErrAuthFailed
		}
		s.log.Warn("bad auth answer", "peer", hello.PeerID, "attempt", attempt)
		if err := wire.WriteMessage(hs.conn, &wire.AuthResult{Status: wire.AuthRetry}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.setStateLocked(StateNegotiating)
	local := s.localSet
	s.mu.Unlock()

	ann, err := expect[*wire.CapabilityAnnounce](hs.ctx, hs.in, hs.deadline)
	if err != nil {
		return err
	}
	err = wire.WriteMessage(hs.conn, &wire.CapabilityAnnounce{Epoch: 1, Set: local})
	if err != nil {
		return err
	}
	// The initiator's declaration orders the codec preference on both sides.
	return s.commitNegotiation(1, ann.Set, local)
}

// commitNegotiation intersects the initiator and acceptor sets and installs
// the result. The initial negotiation failing is fatal to the handshake.
func (s *Session) commitNegotiation(epoch uint32, initiatorSet, acceptorSet caps.Set) error {
	n, err := caps.Negotiate(epoch, initiatorSet, acceptorSet)
	if err != nil {
		return fmt.Errorf("capability negotiation: %w", err)
	}
	s.mu.Lock()
	s.epoch = epoch
	if s.cfg.Role == RoleInitiator {
		s.remoteSet = acceptorSet
	} else {
		s.remoteSet = initiatorSet
	}
	s.negotiated = n
	s.mu.Unlock()
	s.input.SetMode(n.KeyboardMode)
	s.log.Info("capabilities negotiated",
		"epoch", epoch,
		"codec", n.PreferredCodec().String(),
		"keyboard", n.KeyboardMode.String(),
		"max", fmt.Sprintf("%dx%d", n.MaxWidth, n.MaxHeight))
	return nil
}

func (s *Session) reconnectInitiator(hs handshakeIO) error {
	s.mu.Lock()
	id, token := s.sessionID, s.resumeToken
	s.mu.Unlock()

	err := wire.WriteMessage(hs.conn, &wire.Hello{
		Version:   wire.ProtocolVersion,
		PeerID:    s.cfg.PeerID,
		SessionID: id,
		PublicKey: s.cfg.PublicKey,
	})
	if err != nil {
		return err
	}
	peer, err := expect[*wire.Hello](hs.ctx, hs.in, hs.deadline)
	if err != nil {
		return err
	}
	if peer.Version != wire.ProtocolVersion {
		return fmt.Errorf("%w: local %d, peer %d", ErrVersionMismatch, wire.ProtocolVersion, peer.Version)
	}
	s.mu.Lock()
	s.peerKey = peer.PublicKey
	s.mu.Unlock()

	err = wire.WriteMessage(hs.conn, &wire.Reconnect{
		SessionID:   id,
		ResumeToken: token,
		TermCursors: s.terms.Cursors(),
		FileCursors: s.fileCursors(),
	})
	if err != nil {
		return err
	}
	res, err := expect[*wire.ReconnectResult](hs.ctx, hs.in, hs.deadline)
	if err != nil {
		return err
	}
	if res.Status != wire.ReconnectAccepted {
		return ErrReconnectRejected
	}
	s.log.Info("session resumed", "session", id)
	return nil
}

func (s *Session) reconnectAcceptor(hs handshakeIO, hello *wire.Hello, reconnect bool) error {
	s.mu.Lock()
	id, token := s.sessionID, s.resumeToken
	s.mu.Unlock()

	err := wire.WriteMessage(hs.conn, &wire.Hello{
		Version:   wire.ProtocolVersion,
		PeerID:    s.cfg.PeerID,
		SessionID: id,
		PublicKey: s.cfg.PublicKey,
	})
	if err != nil {
		return err
	}
	rc, err := expect[*wire.Reconnect](hs.ctx, hs.in, hs.deadline)
	if err != nil {
		return err
	}

	valid := reconnect &&
		rc.SessionID == id &&
		subtle.ConstantTimeCompare([]byte(rc.ResumeToken), []byte(token)) == 1
	if !valid {
		s.log.Warn("reconnect rejected", "peer", hello.PeerID, "session", rc.SessionID)
		wire.WriteMessage(hs.conn, &wire.ReconnectResult{Status: wire.ReconnectRejected})
		return ErrReconnectRejected
	}
	err = wire.WriteMessage(hs.conn, &wire.ReconnectResult{Status: wire.ReconnectAccepted})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.peerKey = hello.PublicKey
	s.mu.Unlock()
	s.log.Info("session resumed", "session", id, "peer", hello.PeerID)

	// Replay what the peer missed, then report our own cursors so it can
	// replay toward us once active.
	s.applyPeerCursors(rc.TermCursors, rc.FileCursors)
	s.enqueueControl(&wire.Reconnect{
		SessionID:   id,
		TermCursors: s.terms.Cursors(),
		FileCursors: s.fileCursors(),
	})
	return nil
}

// applyPeerCursors replays terminal output and rewinds outbound file jobs
// to the peer's last observed positions.
func (s *Session) applyPeerCursors(termCursors []wire.TermCursor, fileCursors []wire.FileCursor) {
	s.terms.Replay(termCursors)
	if s.files == nil {
		return
	}
	for _, fc := range fileCursors {
		s.files.HandleResume(&wire.FileResume{JobID: fc.JobID, Offset: fc.Offset})
	}
}

func (s *Session) fileCursors() []wire.FileCursor {
	if s.files == nil {
		return nil
	}
	return s.files.Cursors()
}
