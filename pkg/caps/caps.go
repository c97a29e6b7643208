// Package caps models the feature set a peer declares and the negotiation
// that intersects two declarations into the set a session actually uses.
package caps

import "errors"

// ErrNoCommonCodec is returned when the two peers share no video codec.
// Every other capability dimension has a safe fallback, so this is the only
// way negotiation can fail.
var ErrNoCommonCodec = errors.New("no common video codec")

// Codec identifies a video codec by wire value.
type Codec uint8

const (
	CodecVP8 Codec = iota + 1
	CodecVP9
	CodecH264
	CodecH265
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// ColorFormat identifies a raw pixel layout for uncompressed frames.
type ColorFormat uint8

const (
	// ColorRGBA is the plain fallback format every peer must accept.
	ColorRGBA ColorFormat = iota + 1
	ColorBGRA
	ColorI420
	ColorI444
)

// KeyboardMode selects how key events are translated before forwarding.
// Higher values are more capable; Legacy is the universal fallback.
type KeyboardMode uint8

const (
	KeyboardLegacy    KeyboardMode = 0 // platform virtual-key codes
	KeyboardMap       KeyboardMode = 1 // raw scan codes, positional
	KeyboardTranslate KeyboardMode = 2 // translated Unicode
)

func (m KeyboardMode) String() string {
	switch m {
	case KeyboardLegacy:
		return "legacy"
	case KeyboardMap:
		return "map"
	case KeyboardTranslate:
		return "translate"
	default:
		return "unknown"
	}
}

// Permission bits. A cleared bit on either side disables the feature for
// the whole session.
const (
	PermFileTransfer uint16 = 1 << iota
	PermClipboard
	PermAudio
	PermTerminal
	PermInput
	PermRestart
)

// PermAll enables every permission bit.
const PermAll = PermFileTransfer | PermClipboard | PermAudio | PermTerminal | PermInput | PermRestart

// Set is one peer's declared capability set. It is immutable once
// announced; a renegotiation announces a fresh Set.
type Set struct {
	Codecs        []Codec       // ordered by preference, most preferred first
	ColorFormats  []ColorFormat // raw formats accepted in addition to ColorRGBA
	MaxWidth      uint16
	MaxHeight     uint16
	KeyboardModes uint8 // bitset, 1<<mode; Legacy is implied
	Permissions   uint16
}

// SupportsKeyboard reports whether the set declares the given mode.
// Legacy is always supported.
func (s Set) SupportsKeyboard(m KeyboardMode) bool {
	if m == KeyboardLegacy {
		return true
	}
	return s.KeyboardModes&(1<<uint(m)) != 0
}

// KeyboardBit returns the bitset value declaring mode m.
func KeyboardBit(m KeyboardMode) uint8 {
	return 1 << uint(m)
}

// Negotiated is the immutable result of intersecting two Sets. A session
// holds exactly one active Negotiated at a time; renegotiation replaces it
// with a new snapshot under a larger Epoch.
type Negotiated struct {
	Epoch        uint32
	Codecs       []Codec // common codecs, preference order of the initiator
	ColorFormat  ColorFormat
	MaxWidth     uint16
	MaxHeight    uint16
	KeyboardMode KeyboardMode
	Permissions  uint16
}

// PreferredCodec returns the most preferred common codec.
func (n Negotiated) PreferredCodec() Codec {
	return n.Codecs[0]
}

// Allows reports whether the negotiated permissions include perm.
func (n Negotiated) Allows(perm uint16) bool {
	return n.Permissions&perm == perm
}

// Negotiate intersects the two declared sets. The codec list keeps local's
// preference order, so both peers must pass the initiator's declaration as
// local to arrive at the same result. Resolution is the mutual maximum,
// keyboard mode the most capable mode both sides support, and permissions
// are ANDed so the most restrictive side wins.
func Negotiate(epoch uint32, local, remote Set) (Negotiated, error) {
	var common []Codec
	for _, c := range local.Codecs {
		for _, rc := range remote.Codecs {
			if c == rc {
				common = append(common, c)
				break
			}
		}
	}
	if len(common) == 0 {
		return Negotiated{}, ErrNoCommonCodec
	}

	n := Negotiated{
		Epoch:       epoch,
		Codecs:      common,
		ColorFormat: commonColor(local.ColorFormats, remote.ColorFormats),
		MaxWidth:    minU16(local.MaxWidth, remote.MaxWidth),
		MaxHeight:   minU16(local.MaxHeight, remote.MaxHeight),
		Permissions: local.Permissions & remote.Permissions,
	}

	for _, m := range []KeyboardMode{KeyboardTranslate, KeyboardMap} {
		if local.SupportsKeyboard(m) && remote.SupportsKeyboard(m) {
			n.KeyboardMode = m
			break
		}
	}

	return n, nil
}

// commonColor picks the first raw format both sides accept, falling back to
// the plain RGBA format which every peer must handle.
func commonColor(local, remote []ColorFormat) ColorFormat {
	for _, f := range local {
		for _, rf := range remote {
			if f == rf {
				return f
			}
		}
	}
	return ColorRGBA
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}
