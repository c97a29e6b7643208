// Package mux multiplexes deskwire channels over a single ordered
// transport. Outbound traffic goes through a priority scheduler; inbound
// traffic for ordered channels goes through a reorder window.
package mux

// Kind classifies a channel for scheduling.
type Kind uint8

const (
	KindControl Kind = iota
	KindInput
	KindVideo
	KindClipboard
	KindTerminal
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindInput:
		return "input"
	case KindVideo:
		return "video"
	case KindClipboard:
		return "clipboard"
	case KindTerminal:
		return "terminal"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// ChannelID identifies one logical channel. Sub disambiguates channels of
// the same kind: display ID for video, terminal ID for terminals, job ID
// for file transfers, zero otherwise.
type ChannelID struct {
	Kind Kind
	Sub  uint32
}

// Item is one scheduled outbound message.
type Item struct {
	Channel ChannelID
	Msg     any

	// Keyframe marks video chunks that belong to a self-contained frame;
	// the scheduler never drops these on overflow.
	Keyframe bool

	// Size is the payload length in bytes. Only file chunks are paced, so
	// only they need it set.
	Size int
}
