package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sheerbytes/deskwire/pkg/caps"
)

// --- Control plane ---

// Hello opens the handshake: identity plus public-key material.
type Hello struct {
	Version   uint16
	PeerID    string
	SessionID string // empty on a fresh connection, set when reconnecting
	PublicKey []byte
}

// AuthChallenge carries the salt and nonce for the salted-hash exchange.
type AuthChallenge struct {
	Salt  [16]byte
	Nonce [16]byte
}

// AuthAnswer is the peer's response to an AuthChallenge.
type AuthAnswer struct {
	Token        [32]byte
	SecondFactor string // optional second-factor code, empty when unused
}

// AuthResult reports the outcome of an AuthAnswer. On AuthOK it carries the
// resume token the peer must present to re-attach after a transport loss.
type AuthResult struct {
	Status      AuthStatus
	ResumeToken string
}

// CapabilityAnnounce declares one side's capability set. Sent after auth and
// again on renegotiation with a larger epoch.
type CapabilityAnnounce struct {
	Epoch uint32
	Set   caps.Set
}

type Heartbeat struct {
	TimestampMs int64
}

// Close initiates or acknowledges a graceful teardown.
type Close struct {
	Reason string
}

// TermCursor records the last byte-stream sequence a peer observed for one
// terminal, so the host can replay from there on re-attach.
type TermCursor struct {
	TermID uint32
	Seq    uint64
}

// FileCursor records the last acknowledged offset of one transfer job.
type FileCursor struct {
	JobID  uint32
	Offset uint64
}

// Reconnect asks to re-attach to a held session during its grace period.
type Reconnect struct {
	SessionID   string
	ResumeToken string
	TermCursors []TermCursor
	FileCursors []FileCursor
}

type ReconnectResult struct {
	Status ReconnectStatus
}

// Notification is a user-visible advisory on the control channel.
type Notification struct {
	Severity uint8
	Code     string
	Text     string
}

// Plugin is the bounded escape hatch for extension traffic.
type Plugin struct {
	ID      string
	Payload []byte
}

// --- Video / audio ---

// VideoChunk is one piece of an encoded frame. Frames may span several
// chunks; chunks of one frame share FrameID. Seq orders chunks within the
// video channel. For raw frames (VideoFlagRaw) Codec carries the
// caps.ColorFormat value instead and ChunkCount is 1.
type VideoChunk struct {
	DisplayID  uint8
	Codec      uint8
	Flags      uint8
	Seq        uint64
	FrameID    uint64
	ChunkIndex uint16
	ChunkCount uint16
	PtsMs      int64
	Width      uint16
	Height     uint16
	Payload    []byte
}

// Keyframe reports whether the chunk belongs to a self-contained frame.
func (c *VideoChunk) Keyframe() bool { return c.Flags&VideoFlagKeyframe != 0 }

// Raw reports whether the chunk carries an uncompressed frame.
func (c *VideoChunk) Raw() bool { return c.Flags&VideoFlagRaw != 0 }

// KeyframeRequest asks the encoder side to produce a self-contained frame
// for one display, typically after loss.
type KeyframeRequest struct {
	DisplayID uint8
}

type AudioFrame struct {
	Codec       uint8
	TimestampMs int64
	Payload     []byte
}

// --- Input ---

// KeyEvent carries one key transition, already shaped for the negotiated
// keyboard mode (Mode echoes it for validation on the receiving side).
type KeyEvent struct {
	Mode      uint8
	Down      bool
	Keycode   uint32
	Scancode  uint32
	Unicode   uint32
	Modifiers uint8
}

type PointerEvent struct {
	DisplayID uint8
	X, Y      int32
	Buttons   uint8
	Wheel     int16
}

type TouchEvent struct {
	ID    uint8
	Phase uint8
	X, Y  int32
}

// --- Clipboard ---

// ClipboardChunk carries one piece of one format entry of a logical
// clipboard update. All chunks of one update share UpdateID; the receiver
// applies the update atomically once every format is complete.
type ClipboardChunk struct {
	UpdateID    uint32
	TimestampMs int64
	Format      uint8
	FormatCount uint8
	ChunkIndex  uint16
	ChunkCount  uint16
	ContentHash uint64
	Payload     []byte
}

// --- File transfer ---

// FileRequest opens a transfer job. Direction is from the requester's
// point of view.
type FileRequest struct {
	JobID     uint32
	Direction uint8
	Path      string
	TotalSize uint64
	ChunkSize uint32
	DigestAlg uint8
}

// FileChunk carries payload bytes at Offset. RunningDigest is the crc32c of
// everything sent so far, or zero when the job uses sha256 (only the final
// digest matters then).
type FileChunk struct {
	JobID         uint32
	Offset        uint64
	RunningDigest uint64
	Payload       []byte
}

// FileAck acknowledges contiguous receipt up to Offset.
type FileAck struct {
	JobID  uint32
	Offset uint64
}

// FileComplete carries the final digest for end-to-end verification.
type FileComplete struct {
	JobID  uint32
	Digest []byte
}

// FileResume asks the sender to (re)start streaming from Offset. Used both
// to resume after reconnect and to retransmit after a digest mismatch.
type FileResume struct {
	JobID  uint32
	Offset uint64
}

type FileCancel struct {
	JobID uint32
}

type FileError struct {
	JobID   uint32
	Code    uint8
	Message string
}

// --- Terminal ---

type TermOpen struct {
	TermID uint32
	Rows   uint16
	Cols   uint16
}

// TermData carries ordered bytes for one terminal. Seq is per-terminal.
type TermData struct {
	TermID  uint32
	Seq     uint64
	Payload []byte
}

type TermResize struct {
	TermID uint32
	Rows   uint16
	Cols   uint16
}

type TermClose struct {
	TermID uint32
}

// --- Encoding ---

// Encode serializes msg into its type tag and payload bytes.
func Encode(msg any) (MessageType, []byte, error) {
	var b builder
	switch m := msg.(type) {
	case *Hello:
		b.u16(m.Version)
		if err := b.str(m.PeerID); err != nil {
			return 0, nil, err
		}
		if err := b.str(m.SessionID); err != nil {
			return 0, nil, err
		}
		b.blob16(m.PublicKey)
		return MsgHello, b.buf, nil

	case *AuthChallenge:
		b.raw(m.Salt[:])
		b.raw(m.Nonce[:])
		return MsgAuthChallenge, b.buf, nil

	case *AuthAnswer:
		b.raw(m.Token[:])
		if err := b.str(m.SecondFactor); err != nil {
			return 0, nil, err
		}
		return MsgAuthAnswer, b.buf, nil

	case *AuthResult:
		b.u8(uint8(m.Status))
		if err := b.str(m.ResumeToken); err != nil {
			return 0, nil, err
		}
		return MsgAuthResult, b.buf, nil

	case *CapabilityAnnounce:
		b.u32(m.Epoch)
		b.capSet(m.Set)
		return MsgCapabilityAnnounce, b.buf, nil

	case *Heartbeat:
		b.i64(m.TimestampMs)
		return MsgHeartbeat, b.buf, nil

	case *Close:
		if err := b.str(m.Reason); err != nil {
			return 0, nil, err
		}
		return MsgClose, b.buf, nil

	case *Reconnect:
		if err := b.str(m.SessionID); err != nil {
			return 0, nil, err
		}
		if err := b.str(m.ResumeToken); err != nil {
			return 0, nil, err
		}
		b.u16(uint16(len(m.TermCursors)))
		for _, tc := range m.TermCursors {
			b.u32(tc.TermID)
			b.u64(tc.Seq)
		}
		b.u16(uint16(len(m.FileCursors)))
		for _, fc := range m.FileCursors {
			b.u32(fc.JobID)
			b.u64(fc.Offset)
		}
		return MsgReconnect, b.buf, nil

	case *ReconnectResult:
		b.u8(uint8(m.Status))
		return MsgReconnectResult, b.buf, nil

	case *Notification:
		b.u8(m.Severity)
		if err := b.str(m.Code); err != nil {
			return 0, nil, err
		}
		if err := b.str(m.Text); err != nil {
			return 0, nil, err
		}
		return MsgNotification, b.buf, nil

	case *Plugin:
		if err := b.str(m.ID); err != nil {
			return 0, nil, err
		}
		b.raw(m.Payload)
		return MsgPlugin, b.buf, nil

	case *VideoChunk:
		b.u8(m.DisplayID)
		b.u8(m.Codec)
		b.u8(m.Flags)
		b.u64(m.Seq)
		b.u64(m.FrameID)
		b.u16(m.ChunkIndex)
		b.u16(m.ChunkCount)
		b.i64(m.PtsMs)
		b.u16(m.Width)
		b.u16(m.Height)
		b.raw(m.Payload)
		return MsgVideoChunk, b.buf, nil

	case *KeyframeRequest:
		b.u8(m.DisplayID)
		return MsgKeyframeRequest, b.buf, nil

	case *AudioFrame:
		b.u8(m.Codec)
		b.i64(m.TimestampMs)
		b.raw(m.Payload)
		return MsgAudioFrame, b.buf, nil

	case *KeyEvent:
		b.u8(m.Mode)
		b.bool(m.Down)
		b.u32(m.Keycode)
		b.u32(m.Scancode)
		b.u32(m.Unicode)
		b.u8(m.Modifiers)
		return MsgKeyEvent, b.buf, nil

	case *PointerEvent:
		b.u8(m.DisplayID)
		b.i32(m.X)
		b.i32(m.Y)
		b.u8(m.Buttons)
		b.i16(m.Wheel)
		return MsgPointerEvent, b.buf, nil

	case *TouchEvent:
		b.u8(m.ID)
		b.u8(m.Phase)
		b.i32(m.X)
		b.i32(m.Y)
		return MsgTouchEvent, b.buf, nil

	case *ClipboardChunk:
		b.u32(m.UpdateID)
		b.i64(m.TimestampMs)
		b.u8(m.Format)
		b.u8(m.FormatCount)
		b.u16(m.ChunkIndex)
		b.u16(m.ChunkCount)
		b.u64(m.ContentHash)
		b.raw(m.Payload)
		return MsgClipboardChunk, b.buf, nil

	case *FileRequest:
		b.u32(m.JobID)
		b.u8(m.Direction)
		if err := b.str(m.Path); err != nil {
			return 0, nil, err
		}
		b.u64(m.TotalSize)
		b.u32(m.ChunkSize)
		b.u8(m.DigestAlg)
		return MsgFileRequest, b.buf, nil

	case *FileChunk:
		b.u32(m.JobID)
		b.u64(m.Offset)
		b.u64(m.RunningDigest)
		b.raw(m.Payload)
		return MsgFileChunk, b.buf, nil

	case *FileAck:
		b.u32(m.JobID)
		b.u64(m.Offset)
		return MsgFileAck, b.buf, nil

	case *FileComplete:
		b.u32(m.JobID)
		b.blob8(m.Digest)
		return MsgFileComplete, b.buf, nil

	case *FileResume:
		b.u32(m.JobID)
		b.u64(m.Offset)
		return MsgFileResume, b.buf, nil

	case *FileCancel:
		b.u32(m.JobID)
		return MsgFileCancel, b.buf, nil

	case *FileError:
		b.u32(m.JobID)
		b.u8(m.Code)
		if err := b.str(m.Message); err != nil {
			return 0, nil, err
		}
		return MsgFileError, b.buf, nil

	case *TermOpen:
		b.u32(m.TermID)
		b.u16(m.Rows)
		b.u16(m.Cols)
		return MsgTermOpen, b.buf, nil

	case *TermData:
		b.u32(m.TermID)
		b.u64(m.Seq)
		b.raw(m.Payload)
		return MsgTermData, b.buf, nil

	case *TermResize:
		b.u32(m.TermID)
		b.u16(m.Rows)
		b.u16(m.Cols)
		return MsgTermResize, b.buf, nil

	case *TermClose:
		b.u32(m.TermID)
		return MsgTermClose, b.buf, nil

	default:
		return 0, nil, fmt.Errorf("unsupported message type: %T", msg)
	}
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, msg any) error {
	t, payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(t)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (any, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	msgType := MessageType(header[4])

	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return Decode(msgType, payload)
}

// Decode decodes a raw payload given its message type.
func Decode(t MessageType, payload []byte) (any, error) {
	c := cursor{buf: payload}

	switch t {
	case MsgHello:
		m := &Hello{Version: c.u16()}
		m.PeerID = c.str()
		m.SessionID = c.str()
		m.PublicKey = c.blob16()
		return done(m, &c)

	case MsgAuthChallenge:
		m := &AuthChallenge{}
		c.fixed(m.Salt[:])
		c.fixed(m.Nonce[:])
		return done(m, &c)

	case MsgAuthAnswer:
		m := &AuthAnswer{}
		c.fixed(m.Token[:])
		m.SecondFactor = c.str()
		return done(m, &c)

	case MsgAuthResult:
		m := &AuthResult{Status: AuthStatus(c.u8())}
		m.ResumeToken = c.str()
		return done(m, &c)

	case MsgCapabilityAnnounce:
		m := &CapabilityAnnounce{Epoch: c.u32()}
		m.Set = c.capSet()
		return done(m, &c)

	case MsgHeartbeat:
		return done(&Heartbeat{TimestampMs: c.i64()}, &c)

	case MsgClose:
		return done(&Close{Reason: c.str()}, &c)

	case MsgReconnect:
		m := &Reconnect{SessionID: c.str(), ResumeToken: c.str()}
		n := int(c.u16())
		for i := 0; i < n && c.err == nil; i++ {
			m.TermCursors = append(m.TermCursors, TermCursor{TermID: c.u32(), Seq: c.u64()})
		}
		n = int(c.u16())
		for i := 0; i < n && c.err == nil; i++ {
			m.FileCursors = append(m.FileCursors, FileCursor{JobID: c.u32(), Offset: c.u64()})
		}
		return done(m, &c)

	case MsgReconnectResult:
		return done(&ReconnectResult{Status: ReconnectStatus(c.u8())}, &c)

	case MsgNotification:
		m := &Notification{Severity: c.u8()}
		m.Code = c.str()
		m.Text = c.str()
		return done(m, &c)

	case MsgPlugin:
		m := &Plugin{ID: c.str()}
		m.Payload = c.rest()
		return done(m, &c)

	case MsgVideoChunk:
		m := &VideoChunk{
			DisplayID:  c.u8(),
			Codec:      c.u8(),
			Flags:      c.u8(),
			Seq:        c.u64(),
			FrameID:    c.u64(),
			ChunkIndex: c.u16(),
			ChunkCount: c.u16(),
			PtsMs:      c.i64(),
			Width:      c.u16(),
			Height:     c.u16(),
		}
		m.Payload = c.rest()
		return done(m, &c)

	case MsgKeyframeRequest:
		return done(&KeyframeRequest{DisplayID: c.u8()}, &c)

	case MsgAudioFrame:
		m := &AudioFrame{Codec: c.u8(), TimestampMs: c.i64()}
		m.Payload = c.rest()
		return done(m, &c)

	case MsgKeyEvent:
		return done(&KeyEvent{
			Mode:      c.u8(),
			Down:      c.bool(),
			Keycode:   c.u32(),
			Scancode:  c.u32(),
			Unicode:   c.u32(),
			Modifiers: c.u8(),
		}, &c)

	case MsgPointerEvent:
		return done(&PointerEvent{
			DisplayID: c.u8(),
			X:         c.i32(),
			Y:         c.i32(),
			Buttons:   c.u8(),
			Wheel:     c.i16(),
		}, &c)

	case MsgTouchEvent:
		return done(&TouchEvent{ID: c.u8(), Phase: c.u8(), X: c.i32(), Y: c.i32()}, &c)

	case MsgClipboardChunk:
		m := &ClipboardChunk{
			UpdateID:    c.u32(),
			TimestampMs: c.i64(),
			Format:      c.u8(),
			FormatCount: c.u8(),
			ChunkIndex:  c.u16(),
			ChunkCount:  c.u16(),
			ContentHash: c.u64(),
		}
		m.Payload = c.rest()
		return done(m, &c)

	case MsgFileRequest:
		m := &FileRequest{JobID: c.u32(), Direction: c.u8()}
		m.Path = c.str()
		m.TotalSize = c.u64()
		m.ChunkSize = c.u32()
		m.DigestAlg = c.u8()
		return done(m, &c)

	case MsgFileChunk:
		m := &FileChunk{JobID: c.u32(), Offset: c.u64(), RunningDigest: c.u64()}
		m.Payload = c.rest()
		return done(m, &c)

	case MsgFileAck:
		return done(&FileAck{JobID: c.u32(), Offset: c.u64()}, &c)

	case MsgFileComplete:
		m := &FileComplete{JobID: c.u32()}
		m.Digest = c.blob8()
		return done(m, &c)

	case MsgFileResume:
		return done(&FileResume{JobID: c.u32(), Offset: c.u64()}, &c)

	case MsgFileCancel:
		return done(&FileCancel{JobID: c.u32()}, &c)

	case MsgFileError:
		m := &FileError{JobID: c.u32(), Code: c.u8()}
		m.Message = c.str()
		return done(m, &c)

	case MsgTermOpen:
		return done(&TermOpen{TermID: c.u32(), Rows: c.u16(), Cols: c.u16()}, &c)

	case MsgTermData:
		m := &TermData{TermID: c.u32(), Seq: c.u64()}
		m.Payload = c.rest()
		return done(m, &c)

	case MsgTermResize:
		return done(&TermResize{TermID: c.u32(), Rows: c.u16(), Cols: c.u16()}, &c)

	case MsgTermClose:
		return done(&TermClose{TermID: c.u32()}, &c)

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(t))
	}
}

func done(msg any, c *cursor) (any, error) {
	if c.err != nil {
		return nil, c.err
	}
	return msg, nil
}
