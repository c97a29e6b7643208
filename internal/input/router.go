// Package input translates raw local key, pointer, and touch events into
// wire events under the negotiated keyboard mode, rescaling coordinates to
// the active remote display. Keys forward immediately; pointer moves are
// coalesced until Flush so a burst of motion becomes one event.
package input

import (
	"log/slog"
	"sync"

	"github.com/sheerbytes/deskwire/pkg/caps"
	"github.com/sheerbytes/deskwire/pkg/wire"
)

// Display describes the remote display pointer events target.
type Display struct {
	ID     uint8
	Width  uint16
	Height uint16
}

// RawKey is a local key transition before mode translation.
type RawKey struct {
	Down      bool
	Keycode   uint32 // platform virtual-key code
	Scancode  uint32 // position-based scan code
	Unicode   rune   // translated character, zero if none
	Modifiers uint8
}

// RawPointer is a local pointer sample in view coordinates.
type RawPointer struct {
	X, Y    float64 // pixels within the local view
	Buttons uint8
	Wheel   int16
}

// Config wires the router to the multiplexer.
type Config struct {
	Enqueue func(msg any)
	Logger  *slog.Logger
}

// Router is the sending half of the input channel.
type Router struct {
	mu      sync.Mutex
	cfg     Config
	mode    caps.KeyboardMode
	display Display
	viewW   float64
	viewH   float64
	buffer  []*wire.PointerEvent
	log     *slog.Logger
}

func NewRouter(cfg Config) *Router {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{cfg: cfg, mode: caps.KeyboardLegacy, log: log}
}

// SetMode applies the negotiated keyboard mode. Called on activation and
// again after each renegotiation.
func (r *Router) SetMode(mode caps.KeyboardMode) {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
}

// SetDisplay switches the target display. Pointer events buffered under
// the previous display's scaling are stale and are discarded.
func (r *Router) SetDisplay(d Display) {
	r.mu.Lock()
	if d.ID != r.display.ID && len(r.buffer) > 0 {
		r.log.Debug("display switch, dropping buffered pointer events", "dropped", len(r.buffer))
		r.buffer = r.buffer[:0]
	}
	r.display = d
	r.mu.Unlock()
}

// SetViewSize records the local view's pixel size used for rescaling.
func (r *Router) SetViewSize(w, h int) {
	r.mu.Lock()
	r.viewW, r.viewH = float64(w), float64(h)
	r.mu.Unlock()
}

// Key translates one key transition under the active mode and forwards it
// immediately, preserving arrival order.
func (r *Router) Key(k RawKey) {
	r.mu.Lock()
	mode := r.mode
	r.mu.Unlock()

	ev := &wire.KeyEvent{Mode: uint8(mode), Down: k.Down, Modifiers: k.Modifiers}
	switch mode {
	case caps.KeyboardMap:
		ev.Scancode = k.Scancode
	case caps.KeyboardTranslate:
		if k.Unicode != 0 {
			ev.Unicode = uint32(k.Unicode)
		} else {
			ev.Scancode = k.Scancode
		}
	default: // legacy: platform virtual-key codes
		ev.Keycode = k.Keycode
	}
	r.cfg.Enqueue(ev)
}

// Pointer buffers one pointer sample, rescaled to the active display.
// Consecutive pure moves coalesce into the newest position.
func (r *Router) Pointer(p RawPointer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.viewW <= 0 || r.viewH <= 0 || r.display.Width == 0 || r.display.Height == 0 {
		return
	}

	ev := &wire.PointerEvent{
		DisplayID: r.display.ID,
		X:         int32(p.X / r.viewW * float64(r.display.Width)),
		Y:         int32(p.Y / r.viewH * float64(r.display.Height)),
		Buttons:   p.Buttons,
		Wheel:     p.Wheel,
	}

	if n := len(r.buffer); n > 0 {
		last := r.buffer[n-1]
		if last.Buttons == ev.Buttons && last.Wheel == 0 && ev.Wheel == 0 {
			r.buffer[n-1] = ev
			return
		}
	}
	r.buffer = append(r.buffer, ev)
}

// Touch forwards one touch transition immediately, rescaled like pointer
// events.
func (r *Router) Touch(id, phase uint8, x, y float64) {
	r.mu.Lock()
	if r.viewW <= 0 || r.viewH <= 0 || r.display.Width == 0 || r.display.Height == 0 {
		r.mu.Unlock()
		return
	}
	ev := &wire.TouchEvent{
		ID:    id,
		Phase: phase,
		X:     int32(x / r.viewW * float64(r.display.Width)),
		Y:     int32(y / r.viewH * float64(r.display.Height)),
	}
	r.mu.Unlock()
	r.cfg.Enqueue(ev)
}

// Flush forwards the buffered pointer events in order.
func (r *Router) Flush() {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	for _, ev := range batch {
		r.cfg.Enqueue(ev)
	}
}
