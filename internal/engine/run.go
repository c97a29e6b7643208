package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sheerbytes/deskwire/internal/mux"
	"github.com/sheerbytes/deskwire/internal/transport"
	"github.com/sheerbytes/deskwire/pkg/caps"
	"github.com/sheerbytes/deskwire/pkg/wire"
)

// Run drives the session over one transport connection: handshake, then
// the reader and writer loops until the connection fails, the context is
// cancelled, or either side closes gracefully. A nil return means graceful
// teardown. ErrTransportLost means the session entered its reconnect grace
// window; the caller may establish a fresh connection and call Run again.
func (s *Session) Run(ctx context.Context, conn transport.Conn) error {
	s.mu.Lock()
	reconnect := s.state == StateReconnecting
	if s.state != StateDisconnected && s.state != StateReconnecting {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: run in state %s", ErrProtocol, st)
	}
	s.setStateLocked(StateHandshaking)
	s.mu.Unlock()

	defer conn.Close()

	in := make(chan inbound, 32)
	abandoned := make(chan struct{})
	defer close(abandoned)
	go readLoop(conn, in, abandoned)

	if err := s.handshake(ctx, conn, in, reconnect); err != nil {
		s.failHandshake(err, reconnect)
		return err
	}

	s.mu.Lock()
	s.setStateLocked(StateActive)
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.mu.Unlock()
	s.log.Info("session active", "role", s.cfg.Role.String(), "peer_addr", conn.RemoteAddr())

	return s.serve(ctx, conn, in)
}

// readLoop decodes frames until the connection dies, then reports the
// error and stops. Once the session stops consuming, closing the
// connection only fails the next read, not a send already blocked on a
// full channel; the abandoned channel unblocks those sends.
func readLoop(conn io.Reader, in chan<- inbound, abandoned <-chan struct{}) {
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			select {
			case in <- inbound{err: err}:
				close(in)
			case <-abandoned:
			}
			return
		}
		select {
		case in <- inbound{msg: msg}:
		case <-abandoned:
			return
		}
	}
}

// writeLoop drains the scheduler onto the connection. It returns
// mux.ErrClosed once a closing session has flushed its queue.
func (s *Session) writeLoop(ctx context.Context, conn io.Writer) error {
	for {
		item, err := s.sched.Next(ctx)
		if err != nil {
			return err
		}
		if err := wire.WriteMessage(conn, item.Msg); err != nil {
			return err
		}
		if fc, ok := item.Msg.(*wire.FileChunk); ok {
			s.buffers.Put(fc.Payload)
		}
	}
}

func (s *Session) serve(ctx context.Context, conn transport.Conn, in <-chan inbound) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerErr := make(chan error, 1)
	go func() { writerErr <- s.writeLoop(connCtx, conn) }()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	readTimer := time.NewTimer(s.cfg.ReadTimeout)
	defer readTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.lost(ctx.Err())

		case <-heartbeat.C:
			s.enqueueControl(&wire.Heartbeat{TimestampMs: time.Now().UnixMilli()})

		case <-readTimer.C:
			return s.lost(fmt.Errorf("no traffic for %s", s.cfg.ReadTimeout))

		case err := <-writerErr:
			if errors.Is(err, mux.ErrClosed) {
				// Graceful close: the queue, including our Close message,
				// has been flushed.
				s.teardown()
				return nil
			}
			return s.lost(err)

		case m, ok := <-in:
			if !ok {
				return s.lost(io.EOF)
			}
			if m.err != nil {
				return s.lost(m.err)
			}
			if !readTimer.Stop() {
				select {
				case <-readTimer.C:
				default:
				}
			}
			readTimer.Reset(s.cfg.ReadTimeout)
			if err := s.dispatch(m.msg); err != nil {
				return s.lost(err)
			}
		}
	}
}

// dispatch routes one inbound message to its component. Traffic for a
// permission the negotiation withheld, or for an unconfigured
// collaborator, is dropped.
func (s *Session) dispatch(msg any) error {
	switch m := msg.(type) {
	case *wire.Heartbeat:
		// Receipt alone reset the read timer.

	case *wire.Close:
		s.log.Info("peer closing", "reason", m.Reason)
		s.beginClose("")

	case *wire.CapabilityAnnounce:
		s.handleAnnounce(m)

	case *wire.Reconnect:
		// The peer reports the cursors it held through the reconnect.
		s.applyPeerCursors(m.TermCursors, m.FileCursors)

	case *wire.ReconnectResult:
		// Only meaningful during the handshake; stale here.

	case *wire.Notification:
		s.log.Info("peer notification", "severity", m.Severity, "code", m.Code, "text", m.Text)

	case *wire.Plugin:
		s.log.Debug("plugin payload dropped", "id", m.ID, "bytes", len(m.Payload))

	case *wire.VideoChunk:
		s.video.HandleChunk(m)

	case *wire.KeyframeRequest:
		if cb := s.cfg.OnKeyframeRequest; cb != nil {
			cb(m.DisplayID)
		}

	case *wire.AudioFrame:
		if s.allowed(caps.PermAudio) && s.cfg.OnAudio != nil {
			s.cfg.OnAudio(m)
		}

	case *wire.KeyEvent:
		if s.allowed(caps.PermInput) && s.cfg.Input != nil {
			s.cfg.Input.Key(m)
		}
	case *wire.PointerEvent:
		if s.allowed(caps.PermInput) && s.cfg.Input != nil {
			s.cfg.Input.Pointer(m)
		}
	case *wire.TouchEvent:
		if s.allowed(caps.PermInput) && s.cfg.Input != nil {
			s.cfg.Input.Touch(m)
		}

	case *wire.ClipboardChunk:
		if s.allowed(caps.PermClipboard) {
			s.clip.HandleChunk(m)
		}

	case *wire.FileRequest:
		if s.allowed(caps.PermFileTransfer) && s.files != nil {
			s.files.HandleRequest(m)
		}
	case *wire.FileChunk:
		if s.files != nil {
			s.files.HandleChunk(m)
		}
	case *wire.FileAck:
		if s.files != nil {
			s.files.HandleAck(m)
		}
	case *wire.FileComplete:
		if s.files != nil {
			s.files.HandleComplete(m)
		}
	case *wire.FileResume:
		if s.files != nil {
			s.files.HandleResume(m)
		}
	case *wire.FileCancel:
		if s.files != nil {
			s.files.HandleCancel(m)
		}
	case *wire.FileError:
		if s.files != nil {
			s.files.HandleError(m)
		}

	case *wire.TermOpen:
		if s.allowed(caps.PermTerminal) {
			s.terms.HandleOpen(m)
		}
	case *wire.TermData:
		s.terms.HandleData(m)
	case *wire.TermResize:
		s.terms.HandleResize(m)
	case *wire.TermClose:
		s.terms.HandleClose(m)

	default:
		return fmt.Errorf("%w: unhandled message %T", ErrProtocol, msg)
	}
	return nil
}

// Close starts a graceful teardown: the close message and everything
// queued before it are flushed, then the transport drops.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == StateActive || st == StateClosing {
		s.beginClose(reason)
		return
	}
	s.teardown()
}

func (s *Session) beginClose(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateClosing)
	s.mu.Unlock()
	s.enqueueControl(&wire.Close{Reason: reason})
	s.sched.Close()
}

// lost classifies a dead connection: sessions with a grace period enter
// the reconnect window, everything else tears down.
func (s *Session) lost(cause error) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		s.teardown()
		return nil
	}
	if s.cfg.ReconnectGrace > 0 && s.sessionID != "" {
		s.setStateLocked(StateReconnecting)
		if s.graceTimer == nil {
			s.graceTimer = time.AfterFunc(s.cfg.ReconnectGrace, s.expireGrace)
		}
		s.mu.Unlock()
		s.log.Warn("transport lost, holding session", "grace", s.cfg.ReconnectGrace, "cause", cause)
		return fmt.Errorf("%w: %v", ErrTransportLost, cause)
	}
	s.mu.Unlock()
	s.teardown()
	return fmt.Errorf("%w: %v", ErrTransportLost, cause)
}

func (s *Session) expireGrace() {
	s.mu.Lock()
	expired := s.state == StateReconnecting
	if !expired {
		// Fired while a reconnect attempt was in flight. Discard the spent
		// timer so a later return to the grace window arms a fresh one.
		s.graceTimer = nil
	}
	s.mu.Unlock()
	if !expired {
		return
	}
	s.log.Warn("reconnect grace expired, discarding session", "session", s.SessionID())
	s.teardown()
}

// failHandshake leaves the session retryable after a transport hiccup but
// terminal after a definitive rejection.
func (s *Session) failHandshake(err error, wasReconnecting bool) {
	terminal := errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrReconnectRejected) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, caps.ErrNoCommonCodec)
	if terminal {
		s.teardown()
		return
	}
	s.mu.Lock()
	if wasReconnecting {
		s.setStateLocked(StateReconnecting)
		// The grace timer may have fired during the failed attempt. Without
		// a running timer the reconnect window would never close.
		if s.graceTimer == nil && s.cfg.ReconnectGrace > 0 {
			s.graceTimer = time.AfterFunc(s.cfg.ReconnectGrace, s.expireGrace)
		}
	} else {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()
}

// teardown releases everything. Idempotent.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateClosed)
	timer := s.graceTimer
	s.graceTimer = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	s.sched.Close()
	if s.files != nil {
		s.files.CloseAll()
	}
	s.terms.CloseAll()
}

// Renegotiate announces a fresh capability set under a larger epoch. The
// new snapshot takes effect once the peer's matching announce arrives.
func (s *Session) Renegotiate(set caps.Set) error {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateReconnecting {
		s.mu.Unlock()
		return ErrNotActive
	}
	epoch := s.epoch + 1
	if s.pendingEpoch > s.epoch {
		epoch = s.pendingEpoch
	}
	s.pendingEpoch = epoch
	s.localSet = set
	s.mu.Unlock()

	s.enqueueControl(&wire.CapabilityAnnounce{Epoch: epoch, Set: set})
	return nil
}

// handleAnnounce processes the peer's capability announce: the answer to
// a renegotiation we started, or a peer-initiated one we must answer.
func (s *Session) handleAnnounce(m *wire.CapabilityAnnounce) {
	s.mu.Lock()
	if m.Epoch <= s.epoch {
		s.mu.Unlock()
		s.log.Debug("stale capability announce", "epoch", m.Epoch)
		return
	}
	s.remoteSet = m.Set
	answered := s.pendingEpoch >= m.Epoch
	var reply *wire.CapabilityAnnounce
	if !answered {
		reply = &wire.CapabilityAnnounce{Epoch: m.Epoch, Set: s.localSet}
		s.pendingEpoch = m.Epoch
	}

	initiatorSet, acceptorSet := s.localSet, m.Set
	if s.cfg.Role == RoleAcceptor {
		initiatorSet, acceptorSet = m.Set, s.localSet
	}
	n, err := caps.Negotiate(m.Epoch, initiatorSet, acceptorSet)
	if err == nil {
		s.epoch = m.Epoch
		s.negotiated = n
		s.pendingEpoch = 0
	}
	s.mu.Unlock()

	if reply != nil {
		s.enqueueControl(reply)
	}
	if err != nil {
		// Keep the previous snapshot; the session stays usable.
		s.log.Warn("renegotiation failed", "epoch", m.Epoch, "err", err)
		return
	}
	s.input.SetMode(n.KeyboardMode)
	s.log.Info("capabilities renegotiated", "epoch", n.Epoch, "codec", n.PreferredCodec().String())
}

// qualityFallback reacts to persistent decode trouble on one display by
// renegotiating without the codec that is failing.
func (s *Session) qualityFallback(displayID uint8) {
	s.mu.Lock()
	n := s.negotiated
	local := s.localSet
	s.mu.Unlock()

	if len(n.Codecs) < 2 {
		s.log.Warn("quality fallback requested but no alternate codec", "display", displayID)
		return
	}
	failing := n.Codecs[0]
	reduced := local
	reduced.Codecs = nil
	for _, c := range local.Codecs {
		if c != failing {
			reduced.Codecs = append(reduced.Codecs, c)
		}
	}
	if len(reduced.Codecs) == 0 {
		return
	}
	s.log.Warn("falling back from codec", "display", displayID, "codec", failing.String())
	s.Notify(1, "video-quality-fallback", "renegotiating away from "+failing.String())
	if err := s.Renegotiate(reduced); err != nil {
		s.log.Warn("fallback renegotiation not started", "err", err)
	}
}
