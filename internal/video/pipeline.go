// Package video reassembles encoded frame chunks into whole frames, in
// order, per display. It tracks keyframe state across loss and drives
// quality fallback when the decoder keeps failing or a requested keyframe
// never arrives. It carries opaque encoded payloads only; decoding happens
// in the consumer.
package video

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/deskwire/internal/mux"
	"github.com/sheerbytes/deskwire/pkg/wire"
)

// Frame is one reassembled encoded frame ready for the decoder.
type Frame struct {
	DisplayID uint8
	FrameID   uint64
	Codec     uint8
	Keyframe  bool
	Raw       bool
	PtsMs     int64
	Width     uint16
	Height    uint16
	Payload   []byte
}

// Config wires the pipeline to its collaborators.
type Config struct {
	// ReorderWindow bounds how many out-of-order chunks are buffered per
	// display before a hole is declared lost.
	ReorderWindow uint64

	// DecodeFailureLimit is how many consecutive decode failures trigger a
	// quality fallback for a display.
	DecodeFailureLimit int

	// KeyframeTimeout bounds how long the pipeline waits for a requested
	// keyframe before falling back.
	KeyframeTimeout time.Duration

	// RequestKeyframe asks the sending side for a self-contained frame.
	RequestKeyframe func(displayID uint8)

	// Deliver hands a complete frame to the decoder, in order.
	Deliver func(Frame)

	// QualityFallback asks the session to renegotiate down (lower
	// resolution or a cheaper codec) for a display.
	QualityFallback func(displayID uint8)

	Logger *slog.Logger
}

// Pipeline sequences inbound video chunks for all displays.
type Pipeline struct {
	mu       sync.Mutex
	cfg      Config
	displays map[uint8]*display
	log      *slog.Logger
	now      func() time.Time
}

// display is the per-display assembly state: the reorder window over chunk
// sequences, partially assembled frames, and keyframe recovery state.
type display struct {
	reorder      *mux.Reorder
	partial      map[uint64]*partialFrame
	delivered    uint64 // highest FrameID handed to the consumer
	anyDelivered bool
	waitKeyframe bool
	requestedAt  time.Time
	fellBack     bool
	failures     int
}

type partialFrame struct {
	chunks  [][]byte
	got     int
	total   int
	size    int
	frameID uint64
	meta    wire.VideoChunk
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.ReorderWindow < 1 {
		cfg.ReorderWindow = 128
	}
	if cfg.DecodeFailureLimit < 1 {
		cfg.DecodeFailureLimit = 3
	}
	if cfg.KeyframeTimeout <= 0 {
		cfg.KeyframeTimeout = 3 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		displays: make(map[uint8]*display),
		log:      log,
		now:      time.Now,
	}
}

// HandleChunk accepts one inbound chunk. Raw frames bypass reordering and
// keyframe tracking; encoded chunks are sequenced, assembled, and delivered
// in frame order.
func (p *Pipeline) HandleChunk(c *wire.VideoChunk) {
	if c.Raw() {
		p.cfg.Deliver(Frame{
			DisplayID: c.DisplayID,
			FrameID:   c.FrameID,
			Codec:     c.Codec,
			Raw:       true,
			PtsMs:     c.PtsMs,
			Width:     c.Width,
			Height:    c.Height,
			Payload:   c.Payload,
		})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.displayLocked(c.DisplayID)

	if d.waitKeyframe && !d.requestedAt.IsZero() && !d.fellBack &&
		p.now().Sub(d.requestedAt) > p.cfg.KeyframeTimeout {
		d.fellBack = true
		p.log.Warn("keyframe request unanswered, falling back", "display", c.DisplayID)
		if p.cfg.QualityFallback != nil {
			p.cfg.QualityFallback(c.DisplayID)
		}
	}

	for _, msg := range d.reorder.Push(c.Seq, c) {
		p.assembleLocked(d, msg.(*wire.VideoChunk))
	}
}

// ReportDecodeFailure records a consumer decode failure for a display.
// After the configured limit of consecutive failures it requests a quality
// fallback; a successful delivery resets the count via ReportDecodeOK.
func (p *Pipeline) ReportDecodeFailure(displayID uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.displayLocked(displayID)
	d.failures++
	if d.failures < p.cfg.DecodeFailureLimit {
		return
	}
	d.failures = 0
	p.log.Warn("persistent decode failure", "display", displayID)
	if p.cfg.QualityFallback != nil {
		p.cfg.QualityFallback(displayID)
	}
}

// ReportDecodeOK resets the consecutive-failure count for a display.
func (p *Pipeline) ReportDecodeOK(displayID uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.displays[displayID]; ok {
		d.failures = 0
	}
}

// Reset drops all assembly state for a display. Used on renegotiation,
// when the stream restarts with new parameters.
func (p *Pipeline) Reset(displayID uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.displays, displayID)
}

func (p *Pipeline) displayLocked(id uint8) *display {
	d, ok := p.displays[id]
	if !ok {
		d = &display{partial: make(map[uint64]*partialFrame)}
		d.reorder = mux.NewReorder(p.cfg.ReorderWindow, func(from, to uint64) {
			p.gapLocked(id, d, from, to)
		})
		p.displays[id] = d
	}
	return d
}

// gapLocked runs inside the reorder callback while p.mu is held. Lost
// chunks mean every partial frame is unfinishable and decode continuity is
// broken, so drop partials and request exactly one keyframe.
func (p *Pipeline) gapLocked(id uint8, d *display, from, to uint64) {
	p.log.Debug("video gap", "display", id, "from", from, "to", to)
	d.partial = make(map[uint64]*partialFrame)
	if d.waitKeyframe {
		return
	}
	d.waitKeyframe = true
	d.requestedAt = p.now()
	d.fellBack = false
	if p.cfg.RequestKeyframe != nil {
		p.cfg.RequestKeyframe(id)
	}
}

func (p *Pipeline) assembleLocked(d *display, c *wire.VideoChunk) {
	if d.anyDelivered && c.FrameID <= d.delivered {
		return // superseded by a frame already handed out
	}
	total := int(c.ChunkCount)
	if total < 1 {
		total = 1
	}

	pf, ok := d.partial[c.FrameID]
	if !ok {
		pf = &partialFrame{
			chunks:  make([][]byte, total),
			total:   total,
			frameID: c.FrameID,
			meta:    *c,
		}
		d.partial[c.FrameID] = pf
	}
	idx := int(c.ChunkIndex)
	if idx >= pf.total || pf.chunks[idx] != nil {
		return
	}
	pf.chunks[idx] = c.Payload
	pf.got++
	pf.size += len(c.Payload)

	if pf.got == pf.total {
		p.completeLocked(d, pf)
	}
}

func (p *Pipeline) completeLocked(d *display, pf *partialFrame) {
	delete(d.partial, pf.frameID)

	keyframe := pf.meta.Keyframe()
	if d.waitKeyframe && !keyframe {
		return // continuity broken, wait for the keyframe
	}

	// A completed frame supersedes anything older still assembling.
	for id := range d.partial {
		if id < pf.frameID {
			delete(d.partial, id)
		}
	}

	payload := make([]byte, 0, pf.size)
	for _, chunk := range pf.chunks {
		payload = append(payload, chunk...)
	}

	d.delivered = pf.frameID
	d.anyDelivered = true
	if keyframe {
		d.waitKeyframe = false
		d.requestedAt = time.Time{}
		d.fellBack = false
	}

	p.cfg.Deliver(Frame{
		DisplayID: pf.meta.DisplayID,
		FrameID:   pf.frameID,
		Codec:     pf.meta.Codec,
		Keyframe:  keyframe,
		PtsMs:     pf.meta.PtsMs,
		Width:     pf.meta.Width,
		Height:    pf.meta.Height,
		Payload:   payload,
	})
}
