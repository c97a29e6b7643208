package mux

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrClosed is returned by Next once the scheduler has been closed and
// drained.
var ErrClosed = errors.New("scheduler closed")

// Config tunes the outbound scheduler.
type Config struct {
	// VideoQueueDepth bounds the per-display video queue. When a display's
	// queue is full the oldest non-keyframe chunk is dropped.
	VideoQueueDepth int

	// FileRate caps file-chunk throughput in bytes per second. Zero means
	// unlimited.
	FileRate rate.Limit

	// FileBurst is the limiter burst in bytes. It must be at least the
	// largest chunk size or file items stall forever.
	FileBurst int

	// OnVideoOverflow fires once per overflow episode for a display,
	// signalling that the encoder should produce a keyframe. It is called
	// with the scheduler lock held and must not re-enter the scheduler.
	OnVideoOverflow func(displayID uint32)
}

// Scheduler orders outbound items by channel class. Control and input
// drain first, then video round-robin across displays, then terminal and
// clipboard round-robin, then file chunks paced by the rate limiter.
type Scheduler struct {
	mu sync.Mutex

	urgent []Item

	video        map[uint32][]Item
	videoRR      []uint32
	needKeyframe map[uint32]bool
	videoDepth   int

	interactive map[ChannelID][]Item
	interRR     []ChannelID

	file []Item

	limiter    *rate.Limiter
	onOverflow func(uint32)

	notify chan struct{}
	closed bool
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.VideoQueueDepth < 1 {
		cfg.VideoQueueDepth = 32
	}
	limit := cfg.FileRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.FileBurst
	if burst < 1 {
		burst = 1 << 20
	}
	return &Scheduler{
		video:        make(map[uint32][]Item),
		needKeyframe: make(map[uint32]bool),
		videoDepth:   cfg.VideoQueueDepth,
		interactive:  make(map[ChannelID][]Item),
		limiter:      rate.NewLimiter(limit, burst),
		onOverflow:   cfg.OnVideoOverflow,
		notify:       make(chan struct{}, 1),
	}
}

// SetFileRate retunes the file-chunk limiter at runtime.
func (s *Scheduler) SetFileRate(limit rate.Limit, burst int) {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1 << 20
	}
	s.limiter.SetLimit(limit)
	s.limiter.SetBurst(burst)
}

// Enqueue adds one item. It never blocks; bounded queues shed load
// internally instead.
func (s *Scheduler) Enqueue(item Item) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch item.Channel.Kind {
	case KindControl, KindInput:
		s.urgent = append(s.urgent, item)
	case KindVideo:
		s.enqueueVideoLocked(item)
	case KindClipboard, KindTerminal:
		q, ok := s.interactive[item.Channel]
		if !ok {
			s.interRR = append(s.interRR, item.Channel)
		}
		s.interactive[item.Channel] = append(q, item)
	case KindFile:
		s.file = append(s.file, item)
	default:
		s.urgent = append(s.urgent, item)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) enqueueVideoLocked(item Item) {
	display := item.Channel.Sub
	q := s.video[display]
	if len(q) == 0 {
		if _, ok := s.video[display]; !ok {
			s.videoRR = append(s.videoRR, display)
		}
	}
	if len(q) >= s.videoDepth {
		drop := -1
		for i, it := range q {
			if !it.Keyframe {
				drop = i
				break
			}
		}
		if drop < 0 {
			drop = 0
		}
		q = append(q[:drop], q[drop+1:]...)
		if !s.needKeyframe[display] {
			s.needKeyframe[display] = true
			if s.onOverflow != nil {
				s.onOverflow(display)
			}
		}
	}
	if item.Keyframe {
		s.needKeyframe[display] = false
	}
	s.video[display] = append(q, item)
}

// DropChannel discards everything queued for one channel. Used when a
// terminal closes or a file job is cancelled mid-flight.
func (s *Scheduler) DropChannel(ch ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ch.Kind {
	case KindVideo:
		delete(s.video, ch.Sub)
		s.videoRR = removeSub(s.videoRR, ch.Sub)
	case KindClipboard, KindTerminal:
		delete(s.interactive, ch)
		for i, c := range s.interRR {
			if c == ch {
				s.interRR = append(s.interRR[:i], s.interRR[i+1:]...)
				break
			}
		}
	case KindFile:
		kept := s.file[:0]
		for _, it := range s.file {
			if it.Channel != ch {
				kept = append(kept, it)
			}
		}
		s.file = kept
	}
}

// Next blocks until an item is available, the context is cancelled, or
// the scheduler is closed and empty. A file chunk is dequeued only once
// the rate limiter has tokens for it; an urgent arrival during that wait
// preempts the paced chunk.
func (s *Scheduler) Next(ctx context.Context) (Item, error) {
	for {
		s.mu.Lock()
		item, ok, wait := s.pickLocked()
		closed := s.closed
		s.mu.Unlock()

		if ok {
			return item, nil
		}
		if closed && wait == 0 {
			return Item{}, ErrClosed
		}

		if wait > 0 {
			// Pacing is the only thing holding back a file chunk. Sleep at
			// most until the tokens accrue, but wake on any enqueue so a
			// higher class never queues behind the wait.
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Item{}, ctx.Err()
			case <-s.notify:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// pickLocked returns the next item by priority. When only a paced file
// chunk is pending and the limiter lacks tokens, it returns no item and
// the delay until the chunk becomes sendable.
func (s *Scheduler) pickLocked() (Item, bool, time.Duration) {
	if len(s.urgent) > 0 {
		item := s.urgent[0]
		s.urgent = s.urgent[1:]
		return item, true, 0
	}

	for range s.videoRR {
		display := s.videoRR[0]
		s.videoRR = append(s.videoRR[1:], display)
		q := s.video[display]
		if len(q) == 0 {
			continue
		}
		item := q[0]
		s.video[display] = q[1:]
		return item, true, 0
	}

	for range s.interRR {
		ch := s.interRR[0]
		s.interRR = append(s.interRR[1:], ch)
		q := s.interactive[ch]
		if len(q) == 0 {
			continue
		}
		item := q[0]
		s.interactive[ch] = q[1:]
		return item, true, 0
	}

	if len(s.file) > 0 {
		item := s.file[0]
		if item.Size > 0 {
			res := s.limiter.ReserveN(time.Now(), item.Size)
			if res.OK() {
				if d := res.Delay(); d > 0 {
					res.Cancel()
					return Item{}, false, d
				}
			}
			// A chunk larger than the burst can never reserve; send it
			// unpaced rather than stall the queue forever.
		}
		s.file = s.file[1:]
		return item, true, 0
	}

	return Item{}, false, 0
}

// Len reports the number of queued items across all classes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.urgent) + len(s.file)
	for _, q := range s.video {
		n += len(q)
	}
	for _, q := range s.interactive {
		n += len(q)
	}
	return n
}

// Close stops the scheduler. Queued items remain drainable via Next until
// empty; further Enqueue calls are dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func removeSub(list []uint32, sub uint32) []uint32 {
	for i, v := range list {
		if v == sub {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
