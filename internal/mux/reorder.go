package mux

// Reorder buffers out-of-order messages for one ordered channel and
// releases them in sequence. Sequences start at zero and are dense: every
// value is eventually sent exactly once unless lost in transit.
//
// When the span of buffered messages exceeds the window the missing range
// is declared lost: the gap callback fires once, the cursor jumps past the
// gap, and whatever is contiguous from there is released. Video maps the
// callback to a keyframe request, file transfer to a retransmit request.
type Reorder struct {
	next    uint64
	window  uint64
	pending map[uint64]any
	onGap   func(from, to uint64)
}

// NewReorder creates a window holding at most window out-of-order
// messages ahead of the cursor. onGap may be nil.
func NewReorder(window uint64, onGap func(from, to uint64)) *Reorder {
	if window < 1 {
		window = 64
	}
	return &Reorder{
		window:  window,
		pending: make(map[uint64]any),
		onGap:   onGap,
	}
}

// Push accepts one message and returns the messages now deliverable in
// order. Duplicates and messages behind the cursor return nil.
func (r *Reorder) Push(seq uint64, msg any) []any {
	if seq < r.next {
		return nil
	}
	if _, dup := r.pending[seq]; dup {
		return nil
	}
	r.pending[seq] = msg

	out := r.drain(nil)

	// A hole older than the window will never fill. Give up on it once,
	// then resume from the oldest buffered message.
	if max, ok := r.maxPending(); ok && max-r.next >= r.window {
		low := r.minPending()
		if r.onGap != nil {
			r.onGap(r.next, low)
		}
		r.next = low
		out = r.drain(out)
	}
	return out
}

// Skip moves the cursor to seq, discarding anything older. Used after the
// peer confirms a retransmit point.
func (r *Reorder) Skip(seq uint64) []any {
	if seq <= r.next {
		return nil
	}
	for k := range r.pending {
		if k < seq {
			delete(r.pending, k)
		}
	}
	r.next = seq
	return r.drain(nil)
}

// Next reports the sequence the window is waiting for.
func (r *Reorder) Next() uint64 { return r.next }

// Pending reports how many messages are buffered ahead of the cursor.
func (r *Reorder) Pending() int { return len(r.pending) }

func (r *Reorder) drain(out []any) []any {
	for {
		msg, ok := r.pending[r.next]
		if !ok {
			return out
		}
		delete(r.pending, r.next)
		r.next++
		out = append(out, msg)
	}
}

func (r *Reorder) maxPending() (uint64, bool) {
	if len(r.pending) == 0 {
		return 0, false
	}
	var max uint64
	first := true
	for k := range r.pending {
		if first || k > max {
			max = k
			first = false
		}
	}
	return max, true
}

func (r *Reorder) minPending() uint64 {
	var min uint64
	first := true
	for k := range r.pending {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}
