package mux

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustNext(t *testing.T, s *Scheduler) Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	item, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return item
}

func TestSchedulerControlAndInputFirst(t *testing.T) {
	s := NewScheduler(Config{})
	s.Enqueue(Item{Channel: ChannelID{Kind: KindFile, Sub: 1}, Msg: "chunk", Size: 10})
	s.Enqueue(Item{Channel: ChannelID{Kind: KindVideo, Sub: 0}, Msg: "frame"})
	s.Enqueue(Item{Channel: ChannelID{Kind: KindInput}, Msg: "key"})
	s.Enqueue(Item{Channel: ChannelID{Kind: KindControl}, Msg: "heartbeat"})

	want := []string{"key", "heartbeat", "frame", "chunk"}
	for _, w := range want {
		if got := mustNext(t, s).Msg; got != w {
			t.Fatalf("got %v, want %v", got, w)
		}
	}
}

func TestSchedulerVideoOverflowDropsOldestNonKeyframe(t *testing.T) {
	var overflows []uint32
	s := NewScheduler(Config{
		VideoQueueDepth: 3,
		OnVideoOverflow: func(display uint32) { overflows = append(overflows, display) },
	})

	video := ChannelID{Kind: KindVideo, Sub: 2}
	s.Enqueue(Item{Channel: video, Msg: "key0", Keyframe: true})
	s.Enqueue(Item{Channel: video, Msg: "delta1"})
	s.Enqueue(Item{Channel: video, Msg: "delta2"})
	s.Enqueue(Item{Channel: video, Msg: "delta3"}) // overflows, delta1 dropped
	s.Enqueue(Item{Channel: video, Msg: "delta4"}) // overflows again, same episode

	if len(overflows) != 1 || overflows[0] != 2 {
		t.Fatalf("overflow callbacks = %v, want exactly one for display 2", overflows)
	}

	want := []string{"key0", "delta3", "delta4"}
	for _, w := range want {
		if got := mustNext(t, s).Msg; got != w {
			t.Fatalf("got %v, want %v", got, w)
		}
	}
}

func TestSchedulerOverflowEpisodeResetsOnKeyframe(t *testing.T) {
	count := 0
	s := NewScheduler(Config{
		VideoQueueDepth: 2,
		OnVideoOverflow: func(uint32) { count++ },
	})

	video := ChannelID{Kind: KindVideo, Sub: 0}
	s.Enqueue(Item{Channel: video, Msg: "d1"})
	s.Enqueue(Item{Channel: video, Msg: "d2"})
	s.Enqueue(Item{Channel: video, Msg: "d3"})
	if count != 1 {
		t.Fatalf("overflow count = %d, want 1", count)
	}

	s.Enqueue(Item{Channel: video, Msg: "k1", Keyframe: true}) // clears the episode
	s.Enqueue(Item{Channel: video, Msg: "d4"})
	if count != 2 {
		// d4 overflowed after the keyframe cleared the flag, so a second
		// callback fires.
		t.Fatalf("overflow count = %d, want 2", count)
	}
}

func TestSchedulerTerminalsRoundRobin(t *testing.T) {
	s := NewScheduler(Config{})
	termA := ChannelID{Kind: KindTerminal, Sub: 1}
	termB := ChannelID{Kind: KindTerminal, Sub: 2}
	s.Enqueue(Item{Channel: termA, Msg: "a1"})
	s.Enqueue(Item{Channel: termA, Msg: "a2"})
	s.Enqueue(Item{Channel: termB, Msg: "b1"})

	first := mustNext(t, s)
	second := mustNext(t, s)
	if first.Channel == second.Channel {
		t.Fatalf("two consecutive items from %v, want alternation", first.Channel)
	}
	third := mustNext(t, s)
	got := map[any]bool{first.Msg: true, second.Msg: true, third.Msg: true}
	for _, w := range []string{"a1", "a2", "b1"} {
		if !got[w] {
			t.Fatalf("missing item %q in %v", w, got)
		}
	}
}

func TestSchedulerNextBlocksUntilEnqueue(t *testing.T) {
	s := NewScheduler(Config{})
	done := make(chan Item, 1)
	go func() {
		item, err := s.Next(context.Background())
		if err != nil {
			return
		}
		done <- item
	}()

	time.Sleep(20 * time.Millisecond)
	s.Enqueue(Item{Channel: ChannelID{Kind: KindControl}, Msg: "late"})

	select {
	case item := <-done:
		if item.Msg != "late" {
			t.Fatalf("got %v, want late", item.Msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake after Enqueue")
	}
}

func TestSchedulerNextContextCancel(t *testing.T) {
	s := NewScheduler(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSchedulerCloseDrainsThenErrors(t *testing.T) {
	s := NewScheduler(Config{})
	s.Enqueue(Item{Channel: ChannelID{Kind: KindControl}, Msg: "last"})
	s.Close()

	if got := mustNext(t, s).Msg; got != "last" {
		t.Fatalf("got %v, want last", got)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	s.Enqueue(Item{Channel: ChannelID{Kind: KindControl}, Msg: "ignored"})
	if n := s.Len(); n != 0 {
		t.Fatalf("Len after closed Enqueue = %d, want 0", n)
	}
}

func TestSchedulerDropChannel(t *testing.T) {
	s := NewScheduler(Config{})
	job := ChannelID{Kind: KindFile, Sub: 9}
	s.Enqueue(Item{Channel: job, Msg: "c1", Size: 1})
	s.Enqueue(Item{Channel: job, Msg: "c2", Size: 1})
	s.Enqueue(Item{Channel: ChannelID{Kind: KindFile, Sub: 10}, Msg: "other", Size: 1})
	s.DropChannel(job)

	if got := mustNext(t, s).Msg; got != "other" {
		t.Fatalf("got %v, want other", got)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

func TestSchedulerFilePacingDoesNotBlockUrgent(t *testing.T) {
	s := NewScheduler(Config{FileRate: 1000, FileBurst: 1000})
	job := ChannelID{Kind: KindFile, Sub: 1}
	s.Enqueue(Item{Channel: job, Msg: "c1", Size: 1000})
	s.Enqueue(Item{Channel: job, Msg: "c2", Size: 1000})

	// The first chunk consumes the whole burst; the second is held by
	// pacing for about a second.
	if got := mustNext(t, s).Msg; got != "c1" {
		t.Fatalf("got %v, want c1", got)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Enqueue(Item{Channel: ChannelID{Kind: KindControl}, Msg: "key"})
	}()

	start := time.Now()
	if got := mustNext(t, s).Msg; got != "key" {
		t.Fatalf("got %v, want the control item ahead of the paced chunk", got)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Fatalf("control item waited %v behind file pacing", d)
	}

	// The paced chunk still goes out once the tokens accrue.
	if got := mustNext(t, s).Msg; got != "c2" {
		t.Fatalf("got %v, want c2", got)
	}
}

func TestSchedulerOversizedChunkSentUnpaced(t *testing.T) {
	s := NewScheduler(Config{FileRate: 100, FileBurst: 64})
	s.Enqueue(Item{Channel: ChannelID{Kind: KindFile, Sub: 1}, Msg: "big", Size: 4096})
	if got := mustNext(t, s).Msg; got != "big" {
		t.Fatalf("got %v, want big", got)
	}
}
