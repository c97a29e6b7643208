// Package wire is the message codec for the deskwire control connection.
// Every message is a length-framed binary record: a 4-byte big-endian
// payload length, a 1-byte message type, then the payload. Each message
// kind is its own struct; there is no monolithic record with optional
// fields.
package wire

import "errors"

const (
	// HeaderSize is the fixed frame header: u32 payload length + u8 type.
	HeaderSize = 5

	// MaxPayloadSize bounds a single frame. Anything larger is treated as
	// a corrupted transport.
	MaxPayloadSize = 16 * 1024 * 1024

	// ProtocolVersion is carried in Hello and must match between peers.
	ProtocolVersion = 1
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrShortPayload    = errors.New("payload too short for message type")
	ErrStringTooLong   = errors.New("string field too long")
)

// MessageType tags a frame's payload kind.
type MessageType uint8

// Control plane.
const (
	MsgHello MessageType = 0x01 + iota
	MsgAuthChallenge
	MsgAuthAnswer
	MsgAuthResult
	MsgCapabilityAnnounce
	MsgHeartbeat
	MsgClose
	MsgReconnect
	MsgReconnectResult
	MsgNotification
	MsgPlugin
)

// Video and audio channels.
const (
	MsgVideoChunk MessageType = 0x10 + iota
	MsgKeyframeRequest
	MsgAudioFrame
)

// Input channel.
const (
	MsgKeyEvent MessageType = 0x20 + iota
	MsgPointerEvent
	MsgTouchEvent
)

// Clipboard channel.
const (
	MsgClipboardChunk MessageType = 0x30
)

// File-transfer channels.
const (
	MsgFileRequest MessageType = 0x40 + iota
	MsgFileChunk
	MsgFileAck
	MsgFileComplete
	MsgFileResume
	MsgFileCancel
	MsgFileError
)

// Terminal channels.
const (
	MsgTermOpen MessageType = 0x50 + iota
	MsgTermData
	MsgTermResize
	MsgTermClose
)

// AuthStatus values for AuthResult.
type AuthStatus uint8

const (
	AuthOK AuthStatus = iota
	AuthRetry
	AuthFailed
)

// ReconnectStatus values for ReconnectResult.
type ReconnectStatus uint8

const (
	ReconnectAccepted ReconnectStatus = iota
	ReconnectRejected
)

// Transfer directions for FileRequest, from the requester's point of view.
const (
	FileSend    uint8 = 0 // requester streams chunks to the peer
	FileReceive uint8 = 1 // requester asks the peer to stream chunks back
)

// Digest algorithms for file transfers.
const (
	DigestCRC32C uint8 = 0
	DigestSHA256 uint8 = 1
)

// VideoChunk flag bits.
const (
	VideoFlagKeyframe uint8 = 1 << iota
	// VideoFlagRaw marks an uncompressed frame carried in a single chunk;
	// raw frames bypass reassembly and keyframe tracking.
	VideoFlagRaw
)
