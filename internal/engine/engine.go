// Package engine runs one remote-desktop session over a single transport
// connection. It owns the handshake, authentication, capability
// negotiation, the outbound priority scheduler, and the inbound dispatcher
// that fans messages out to the video, input, clipboard, file, and
// terminal components. Session state survives a transport loss for a
// configurable grace period so a reconnecting peer can resume where it
// left off.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/deskwire/internal/bufpool"
	"github.com/sheerbytes/deskwire/internal/clipboard"
	"github.com/sheerbytes/deskwire/internal/filexfer"
	"github.com/sheerbytes/deskwire/internal/input"
	"github.com/sheerbytes/deskwire/internal/mux"
	"github.com/sheerbytes/deskwire/internal/terminal"
	"github.com/sheerbytes/deskwire/internal/video"
	"github.com/sheerbytes/deskwire/pkg/caps"
	"github.com/sheerbytes/deskwire/pkg/wire"
)

var (
	ErrVersionMismatch   = errors.New("protocol version mismatch")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrProtocol          = errors.New("protocol violation")
	ErrNotActive         = errors.New("session not active")
	ErrPermissionDenied  = errors.New("permission not granted for session")
	ErrReconnectRejected = errors.New("reconnect rejected")
	ErrTransportLost     = errors.New("transport lost")
	ErrNoCollaborator    = errors.New("collaborator not configured")
)

// Role is the side of the session this process plays. The initiator dials
// and authenticates; the acceptor listens and challenges.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

// State is the session lifecycle phase.
type State uint8

const (
	StateDisconnected State = iota
	StateHandshaking
	StateAuthenticating
	StateNegotiating
	StateActive
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// VideoConsumer receives reassembled frames on the viewing side.
type VideoConsumer interface {
	Frame(video.Frame)
}

// InputInjector applies remote input on the controlled side.
type InputInjector interface {
	Key(*wire.KeyEvent)
	Pointer(*wire.PointerEvent)
	Touch(*wire.TouchEvent)
}

// ClipboardApplier installs a remote clipboard update locally.
type ClipboardApplier interface {
	Apply(clipboard.Update)
}

// TerminalBackend reacts to remote-driven terminal lifecycle and data.
type TerminalBackend interface {
	Opened(termID uint32, rows, cols uint16)
	Data(termID uint32, data []byte)
	Resized(termID uint32, rows, cols uint16)
	Closed(termID uint32)
}

const (
	defaultHandshakeTimeout  = 12 * time.Second
	defaultReadTimeout       = 18 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	maxAuthAttempts          = 3
)

// Config assembles one session. Collaborators may be nil; traffic for an
// unconfigured collaborator is dropped.
type Config struct {
	Role   Role
	PeerID string

	// Secret is the shared secret proven in the challenge handshake.
	Secret string

	// SecondFactor, on the initiator, is sent with the auth answer. On the
	// acceptor, a non-empty value must be matched by the peer.
	SecondFactor string

	// PublicKey is this peer's static identity key, advertised in the
	// hello. The engine carries it opaquely; a caller that pins peer
	// identities reads the remote key via PeerPublicKey.
	PublicKey []byte

	// Caps is the capability set announced to the peer.
	Caps caps.Set

	ChunkSize       uint32
	FileRate        int64
	VideoQueueDepth int
	ReconnectGrace  time.Duration

	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration

	Video     VideoConsumer
	Input     InputInjector
	Files     filexfer.Filesystem
	Clipboard ClipboardApplier
	Terminal  TerminalBackend

	// OnKeyframeRequest asks the local encoder for a self-contained frame,
	// either because the peer requested one or because the outbound video
	// queue overflowed.
	OnKeyframeRequest func(displayID uint8)

	// OnAudio receives inbound audio frames.
	OnAudio func(*wire.AudioFrame)

	// OnStateChange observes lifecycle transitions. Called with internal
	// locks held; it must not call back into the session.
	OnStateChange func(State)

	Logger *slog.Logger
}

// DefaultCaps returns a full-featured capability set suitable for a peer
// with no hardware constraints.
func DefaultCaps() caps.Set {
	return caps.Set{
		Codecs:       []caps.Codec{caps.CodecVP9, caps.CodecVP8, caps.CodecH264},
		ColorFormats: []caps.ColorFormat{caps.ColorI420, caps.ColorRGBA},
		MaxWidth:     4096,
		MaxHeight:    2160,
		KeyboardModes: caps.KeyboardBit(caps.KeyboardMap) |
			caps.KeyboardBit(caps.KeyboardTranslate),
		Permissions: caps.PermAll,
	}
}

// Session is one end of a remote-desktop session. It persists across
// transport connections: Run drives one connection at a time, and a
// session in the reconnect grace window accepts a fresh connection that
// resumes it.
type Session struct {
	cfg     Config
	log     *slog.Logger
	sched   *mux.Scheduler
	buffers *bufpool.Pool

	files *filexfer.Manager
	clip  *clipboard.Engine
	terms *terminal.Mux
	input *input.Router
	video *video.Pipeline

	mu           sync.Mutex
	state        State
	sessionID    string
	resumeToken  string
	peerKey      []byte
	epoch        uint32
	pendingEpoch uint32
	localSet     caps.Set
	remoteSet    caps.Set
	negotiated   caps.Negotiated
	graceTimer   *time.Timer
}

func NewSession(cfg Config) *Session {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.VideoQueueDepth < 1 {
		cfg.VideoQueueDepth = 32
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		cfg:      cfg,
		log:      log,
		state:    StateDisconnected,
		localSet: cfg.Caps,
		buffers:  bufpool.New(int(cfg.ChunkSize)),
	}

	fileRate := rate.Limit(cfg.FileRate)
	burst := 2 * int(cfg.ChunkSize)
	if burst < 1<<20 {
		burst = 1 << 20
	}
	s.sched = mux.NewScheduler(mux.Config{
		VideoQueueDepth: cfg.VideoQueueDepth,
		FileRate:        fileRate,
		FileBurst:       burst,
		OnVideoOverflow: func(display uint32) {
			// Fired with the scheduler lock held; hand off so the encoder
			// callback may enqueue the keyframe directly.
			if cb := cfg.OnKeyframeRequest; cb != nil {
				go cb(uint8(display))
			}
		},
	})

	initiator := cfg.Role == RoleInitiator

	if cfg.Files != nil {
		s.files = filexfer.NewManager(filexfer.Config{
			FS: cfg.Files,
			Enqueue: func(jobID uint32, msg any, size int) {
				s.sched.Enqueue(mux.Item{
					Channel: mux.ChannelID{Kind: mux.KindFile, Sub: jobID},
					Msg:     msg,
					Size:    size,
				})
			},
			ChunkSize: cfg.ChunkSize,
			OddJobIDs: initiator,
			Buffers:   s.buffers,
			Logger:    log,
		})
	}

	s.clip = clipboard.NewEngine(clipboard.Config{
		Enqueue: func(c *wire.ClipboardChunk, size int) {
			s.sched.Enqueue(mux.Item{
				Channel: mux.ChannelID{Kind: mux.KindClipboard},
				Msg:     c,
				Size:    size,
			})
		},
		Apply: func(u clipboard.Update) {
			if cfg.Clipboard != nil {
				cfg.Clipboard.Apply(u)
			}
		},
		Acceptor: !initiator,
		Logger:   log,
	})

	s.terms = terminal.NewMux(terminal.Config{
		Enqueue: func(termID uint32, msg any, size int) {
			s.sched.Enqueue(mux.Item{
				Channel: mux.ChannelID{Kind: mux.KindTerminal, Sub: termID},
				Msg:     msg,
				Size:    size,
			})
		},
		Deliver: func(termID uint32, data []byte) {
			if cfg.Terminal != nil {
				cfg.Terminal.Data(termID, data)
			}
		},
		OnOpen: func(termID uint32, rows, cols uint16) {
			if cfg.Terminal != nil {
				cfg.Terminal.Opened(termID, rows, cols)
			}
		},
		OnResize: func(termID uint32, rows, cols uint16) {
			if cfg.Terminal != nil {
				cfg.Terminal.Resized(termID, rows, cols)
			}
		},
		OnClose: func(termID uint32) {
			if cfg.Terminal != nil {
				cfg.Terminal.Closed(termID)
			}
		},
		OddIDs: initiator,
		Logger: log,
	})

	s.input = input.NewRouter(input.Config{
		Enqueue: func(msg any) {
			s.sched.Enqueue(mux.Item{
				Channel: mux.ChannelID{Kind: mux.KindInput},
				Msg:     msg,
			})
		},
		Logger: log,
	})

	s.video = video.NewPipeline(video.Config{
		RequestKeyframe: func(displayID uint8) {
			s.enqueueControl(&wire.KeyframeRequest{DisplayID: displayID})
		},
		Deliver: func(f video.Frame) {
			if cfg.Video != nil {
				cfg.Video.Frame(f)
			}
		},
		QualityFallback: s.qualityFallback,
		Logger:          log,
	})

	return s
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID reports the id assigned by the acceptor, empty before auth.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// PeerPublicKey returns the identity key the peer advertised in its hello,
// or nil before the handshake.
func (s *Session) PeerPublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.peerKey...)
}

// Negotiated reports the active capability snapshot.
func (s *Session) Negotiated() (caps.Negotiated, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated, s.epoch > 0
}

// OfferFile starts pushing a local file to the peer.
func (s *Session) OfferFile(path string) (uint32, error) {
	if err := s.ready(caps.PermFileTransfer); err != nil {
		return 0, err
	}
	if s.files == nil {
		return 0, ErrNoCollaborator
	}
	return s.files.Offer(path)
}

// RequestFile asks the peer to stream one of its files to us.
func (s *Session) RequestFile(path string) (uint32, error) {
	if err := s.ready(caps.PermFileTransfer); err != nil {
		return 0, err
	}
	if s.files == nil {
		return 0, ErrNoCollaborator
	}
	return s.files.Request(path), nil
}

// CancelFile aborts a transfer job. Safe for unknown ids.
func (s *Session) CancelFile(jobID uint32) {
	if s.files != nil {
		s.files.Cancel(jobID)
		s.sched.DropChannel(mux.ChannelID{Kind: mux.KindFile, Sub: jobID})
	}
}

// PauseFile suspends an outbound job; ResumeFile continues it.
func (s *Session) PauseFile(jobID uint32) {
	if s.files != nil {
		s.files.Pause(jobID)
	}
}

func (s *Session) ResumeFile(jobID uint32) {
	if s.files != nil {
		s.files.Resume(jobID)
	}
}

// FileStatus snapshots one transfer job.
func (s *Session) FileStatus(jobID uint32) (filexfer.Status, bool) {
	if s.files == nil {
		return filexfer.Status{}, false
	}
	return s.files.Status(jobID)
}

// OpenTerminal asks the peer to open a pseudo-terminal.
func (s *Session) OpenTerminal(rows, cols uint16) (uint32, error) {
	if err := s.ready(caps.PermTerminal); err != nil {
		return 0, err
	}
	return s.terms.Open(rows, cols), nil
}

// TerminalSend queues bytes for one terminal.
func (s *Session) TerminalSend(termID uint32, data []byte) {
	s.terms.Send(termID, data)
}

// TerminalResize forwards a local size change.
func (s *Session) TerminalResize(termID uint32, rows, cols uint16) {
	s.terms.Resize(termID, rows, cols)
}

// CloseTerminal frees a terminal id and tells the peer.
func (s *Session) CloseTerminal(termID uint32) {
	s.terms.Close(termID)
	s.sched.DropChannel(mux.ChannelID{Kind: mux.KindTerminal, Sub: termID})
}

// ClipboardChange reports a local clipboard change for synchronization.
func (s *Session) ClipboardChange(entries []clipboard.Entry) error {
	if err := s.ready(caps.PermClipboard); err != nil {
		return err
	}
	s.clip.LocalChange(entries)
	return nil
}

// Key forwards one local key transition under the negotiated mode.
func (s *Session) Key(k input.RawKey) { s.input.Key(k) }

// Pointer buffers one local pointer sample; FlushInput sends the batch.
func (s *Session) Pointer(p input.RawPointer) { s.input.Pointer(p) }

// Touch forwards one touch transition.
func (s *Session) Touch(id, phase uint8, x, y float64) { s.input.Touch(id, phase, x, y) }

// FlushInput sends buffered pointer events.
func (s *Session) FlushInput() { s.input.Flush() }

// SetDisplay switches the display local pointer events target.
func (s *Session) SetDisplay(d input.Display) { s.input.SetDisplay(d) }

// SetViewSize records the local view size used for pointer rescaling.
func (s *Session) SetViewSize(w, h int) { s.input.SetViewSize(w, h) }

// SendVideo queues one encoded chunk for the peer. Keyframes are never
// shed on overflow.
func (s *Session) SendVideo(c *wire.VideoChunk) {
	s.sched.Enqueue(mux.Item{
		Channel:  mux.ChannelID{Kind: mux.KindVideo, Sub: uint32(c.DisplayID)},
		Msg:      c,
		Keyframe: c.Keyframe(),
		Size:     len(c.Payload),
	})
}

// audioSub keeps audio frames on their own video-class queue; display ids
// are 8-bit so this sub id never collides with one.
const audioSub = 1 << 8

// SendAudio queues one audio frame.
func (s *Session) SendAudio(f *wire.AudioFrame) {
	s.sched.Enqueue(mux.Item{
		Channel:  mux.ChannelID{Kind: mux.KindVideo, Sub: audioSub},
		Msg:      f,
		Keyframe: true, // never shed audio on overflow
		Size:     len(f.Payload),
	})
}

// ReportDecodeFailure feeds decoder outcomes back into the video pipeline
// so it can request a keyframe or fall back in quality.
func (s *Session) ReportDecodeFailure(displayID uint8) { s.video.ReportDecodeFailure(displayID) }

func (s *Session) ReportDecodeOK(displayID uint8) { s.video.ReportDecodeOK(displayID) }

// Notify sends a user-visible advisory to the peer.
func (s *Session) Notify(severity uint8, code, text string) {
	s.enqueueControl(&wire.Notification{Severity: severity, Code: code, Text: text})
}

// ready gates channel operations: the session must be live (active or in
// its reconnect grace window) and the permission negotiated.
func (s *Session) ready(perm uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StateReconnecting {
		return ErrNotActive
	}
	if !s.negotiated.Allows(perm) {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Session) allowed(perm uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated.Allows(perm)
}

func (s *Session) enqueueControl(msg any) {
	s.sched.Enqueue(mux.Item{
		Channel: mux.ChannelID{Kind: mux.KindControl},
		Msg:     msg,
	})
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if cb := s.cfg.OnStateChange; cb != nil {
		cb(st)
	}
}
