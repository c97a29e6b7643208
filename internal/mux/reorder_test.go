package mux

import (
	"reflect"
	"testing"
)

func TestReorderInOrderPassThrough(t *testing.T) {
	r := NewReorder(8, nil)
	for seq := uint64(0); seq < 4; seq++ {
		out := r.Push(seq, seq)
		if len(out) != 1 || out[0] != seq {
			t.Fatalf("Push(%d) = %v, want [%d]", seq, out, seq)
		}
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", r.Pending())
	}
}

func TestReorderBuffersUntilHoleFills(t *testing.T) {
	r := NewReorder(8, nil)
	if out := r.Push(1, "b"); out != nil {
		t.Fatalf("Push(1) = %v, want nil while waiting for 0", out)
	}
	if out := r.Push(2, "c"); out != nil {
		t.Fatalf("Push(2) = %v, want nil while waiting for 0", out)
	}
	out := r.Push(0, "a")
	if !reflect.DeepEqual(out, []any{"a", "b", "c"}) {
		t.Fatalf("Push(0) = %v, want [a b c]", out)
	}
}

func TestReorderDuplicatesAndStaleDropped(t *testing.T) {
	r := NewReorder(8, nil)
	r.Push(0, "a")
	if out := r.Push(0, "a-again"); out != nil {
		t.Fatalf("stale Push = %v, want nil", out)
	}
	r.Push(2, "c")
	if out := r.Push(2, "c-again"); out != nil {
		t.Fatalf("duplicate Push = %v, want nil", out)
	}
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", r.Pending())
	}
}

func TestReorderGapFiresExactlyOnce(t *testing.T) {
	var gaps [][2]uint64
	r := NewReorder(4, func(from, to uint64) { gaps = append(gaps, [2]uint64{from, to}) })

	r.Push(0, "a")
	// Sequence 1 is lost. Push far enough ahead to exceed the window.
	for seq := uint64(2); seq <= 4; seq++ {
		if out := r.Push(seq, seq); out != nil {
			t.Fatalf("Push(%d) released %v before the gap was declared", seq, out)
		}
	}
	out := r.Push(5, uint64(5)) // span 5-1 >= 4: gap declared
	if len(gaps) != 1 {
		t.Fatalf("gap callbacks = %v, want exactly one", gaps)
	}
	if gaps[0] != [2]uint64{1, 2} {
		t.Fatalf("gap = %v, want [1 2]", gaps[0])
	}
	want := []any{uint64(2), uint64(3), uint64(4), uint64(5)}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("released %v, want %v", out, want)
	}

	// Delivery continues in order with no further callbacks.
	if out := r.Push(6, uint64(6)); len(out) != 1 {
		t.Fatalf("Push(6) = %v, want one message", out)
	}
	if len(gaps) != 1 {
		t.Fatalf("gap callbacks after recovery = %d, want 1", len(gaps))
	}
}

func TestReorderSkip(t *testing.T) {
	r := NewReorder(8, nil)
	r.Push(0, "a")
	r.Push(5, "f")
	out := r.Skip(5)
	if !reflect.DeepEqual(out, []any{"f"}) {
		t.Fatalf("Skip(5) = %v, want [f]", out)
	}
	if r.Next() != 6 {
		t.Fatalf("next = %d, want 6", r.Next())
	}
}
