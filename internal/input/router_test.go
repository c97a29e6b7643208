package input

import (
	"testing"

	"github.com/sheerbytes/deskwire/pkg/caps"
	"github.com/sheerbytes/deskwire/pkg/wire"
)

func newRouter() (*Router, *[]any) {
	var sent []any
	r := NewRouter(Config{Enqueue: func(msg any) { sent = append(sent, msg) }})
	return r, &sent
}

func TestKeyTranslationPerMode(t *testing.T) {
	r, sent := newRouter()
	raw := RawKey{Down: true, Keycode: 65, Scancode: 30, Unicode: 'a'}

	r.SetMode(caps.KeyboardLegacy)
	r.Key(raw)
	r.SetMode(caps.KeyboardMap)
	r.Key(raw)
	r.SetMode(caps.KeyboardTranslate)
	r.Key(raw)
	r.Key(RawKey{Down: true, Scancode: 57435}) // no unicode, e.g. F13

	events := *sent
	if len(events) != 4 {
		t.Fatalf("sent %d events, want 4", len(events))
	}
	legacy := events[0].(*wire.KeyEvent)
	if legacy.Keycode != 65 || legacy.Scancode != 0 || legacy.Unicode != 0 {
		t.Fatalf("legacy event = %+v, want keycode only", legacy)
	}
	mapped := events[1].(*wire.KeyEvent)
	if mapped.Scancode != 30 || mapped.Keycode != 0 {
		t.Fatalf("map event = %+v, want scancode only", mapped)
	}
	translated := events[2].(*wire.KeyEvent)
	if translated.Unicode != 'a' || translated.Scancode != 0 {
		t.Fatalf("translate event = %+v, want unicode", translated)
	}
	fallback := events[3].(*wire.KeyEvent)
	if fallback.Scancode != 57435 || fallback.Unicode != 0 {
		t.Fatalf("translate fallback = %+v, want scancode", fallback)
	}
}

func TestPointerRescaledToDisplay(t *testing.T) {
	r, sent := newRouter()
	r.SetDisplay(Display{ID: 1, Width: 1920, Height: 1080})
	r.SetViewSize(960, 540) // view is half scale

	r.Pointer(RawPointer{X: 480, Y: 270, Buttons: 1})
	r.Flush()

	if len(*sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(*sent))
	}
	ev := (*sent)[0].(*wire.PointerEvent)
	if ev.X != 960 || ev.Y != 540 {
		t.Fatalf("pointer = (%d,%d), want (960,540)", ev.X, ev.Y)
	}
	if ev.DisplayID != 1 {
		t.Fatalf("display = %d, want 1", ev.DisplayID)
	}
}

func TestPointerMovesCoalesce(t *testing.T) {
	r, sent := newRouter()
	r.SetDisplay(Display{Width: 100, Height: 100})
	r.SetViewSize(100, 100)

	r.Pointer(RawPointer{X: 1, Y: 1})
	r.Pointer(RawPointer{X: 2, Y: 2})
	r.Pointer(RawPointer{X: 3, Y: 3})
	r.Pointer(RawPointer{X: 4, Y: 4, Buttons: 1}) // click breaks coalescing
	r.Flush()

	events := *sent
	if len(events) != 2 {
		t.Fatalf("sent %d events, want 2 (moves coalesced)", len(events))
	}
	move := events[0].(*wire.PointerEvent)
	if move.X != 3 || move.Y != 3 {
		t.Fatalf("coalesced move = (%d,%d), want (3,3)", move.X, move.Y)
	}
	click := events[1].(*wire.PointerEvent)
	if click.Buttons != 1 {
		t.Fatalf("click = %+v, want buttons=1", click)
	}
}

func TestDisplaySwitchInvalidatesBufferedPointers(t *testing.T) {
	r, sent := newRouter()
	r.SetDisplay(Display{ID: 0, Width: 100, Height: 100})
	r.SetViewSize(100, 100)

	r.Pointer(RawPointer{X: 50, Y: 50})
	r.SetDisplay(Display{ID: 1, Width: 200, Height: 200})
	r.Flush()
	if len(*sent) != 0 {
		t.Fatalf("stale pointer events survived a display switch: %v", *sent)
	}

	r.Pointer(RawPointer{X: 50, Y: 50})
	r.Flush()
	ev := (*sent)[0].(*wire.PointerEvent)
	if ev.DisplayID != 1 || ev.X != 100 {
		t.Fatalf("post-switch pointer = %+v, want display 1 at (100,100)", ev)
	}
}

func TestPointerDroppedWithoutGeometry(t *testing.T) {
	r, sent := newRouter()
	r.Pointer(RawPointer{X: 10, Y: 10})
	r.Flush()
	if len(*sent) != 0 {
		t.Fatalf("pointer forwarded before display/view were known: %v", *sent)
	}
}
