package clipboard

import (
	"bytes"
	"testing"
	"time"

	"github.com/sheerbytes/deskwire/pkg/wire"
)

type clipHarness struct {
	e       *Engine
	sent    []*wire.ClipboardChunk
	applied []Update
}

func newClipHarness(acceptor bool) *clipHarness {
	h := &clipHarness{}
	h.e = NewEngine(Config{
		Enqueue:   func(c *wire.ClipboardChunk, _ int) { h.sent = append(h.sent, c) },
		Apply:     func(u Update) { h.applied = append(h.applied, u) },
		Acceptor:  acceptor,
		ChunkSize: 16,
	})
	return h
}

func TestEchoSuppression(t *testing.T) {
	sender := newClipHarness(false)
	receiver := newClipHarness(true)

	sender.e.LocalChange([]Entry{{Format: FormatText, Data: []byte("hello")}})
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(sender.sent))
	}
	for _, c := range sender.sent {
		receiver.e.HandleChunk(c)
	}
	if len(receiver.applied) != 1 {
		t.Fatalf("applied %d updates, want 1", len(receiver.applied))
	}

	// Applying the update changes the receiver's OS clipboard, which
	// reports back as a local change. That echo must not be re-sent.
	receiver.e.LocalChange([]Entry{{Format: FormatText, Data: []byte("hello")}})
	if len(receiver.sent) != 0 {
		t.Fatalf("echo was re-sent: %d chunks", len(receiver.sent))
	}

	// Genuinely new content still goes out.
	receiver.e.LocalChange([]Entry{{Format: FormatText, Data: []byte("world")}})
	if len(receiver.sent) != 1 {
		t.Fatalf("new content sent %d chunks, want 1", len(receiver.sent))
	}
}

func TestDuplicateLocalChangeSuppressed(t *testing.T) {
	h := newClipHarness(false)
	h.e.LocalChange([]Entry{{Format: FormatText, Data: []byte("same")}})
	h.e.LocalChange([]Entry{{Format: FormatText, Data: []byte("same")}})
	if len(h.sent) != 1 {
		t.Fatalf("sent %d chunks, want 1 (duplicate suppressed)", len(h.sent))
	}
}

func TestLargePayloadChunkedAndReassembled(t *testing.T) {
	sender := newClipHarness(false)
	receiver := newClipHarness(true)

	data := bytes.Repeat([]byte("0123456789"), 10) // 100 bytes, 16-byte chunks
	sender.e.LocalChange([]Entry{{Format: FormatText, Data: data}})
	if len(sender.sent) != 7 {
		t.Fatalf("sent %d chunks, want 7", len(sender.sent))
	}

	// Deliver out of order; nothing applies until every chunk arrived.
	order := []int{3, 0, 6, 2, 5, 1, 4}
	for i, idx := range order {
		receiver.e.HandleChunk(sender.sent[idx])
		if i < len(order)-1 && len(receiver.applied) != 0 {
			t.Fatalf("update applied before reassembly finished")
		}
	}
	if len(receiver.applied) != 1 {
		t.Fatalf("applied %d updates, want 1", len(receiver.applied))
	}
	if !bytes.Equal(receiver.applied[0].Entries[0].Data, data) {
		t.Fatal("reassembled payload differs")
	}
}

func TestMultiFormatAppliedAtomically(t *testing.T) {
	sender := newClipHarness(false)
	receiver := newClipHarness(true)

	sender.e.LocalChange([]Entry{
		{Format: FormatText, Data: []byte("plain")},
		{Format: FormatHTML, Data: []byte("<b>rich</b>")},
	})

	for i, c := range sender.sent {
		receiver.e.HandleChunk(c)
		if i < len(sender.sent)-1 && len(receiver.applied) != 0 {
			t.Fatal("update applied before all formats arrived")
		}
	}
	if len(receiver.applied) != 1 {
		t.Fatalf("applied %d updates, want 1", len(receiver.applied))
	}
	if len(receiver.applied[0].Entries) != 2 {
		t.Fatalf("entries = %d, want both formats together", len(receiver.applied[0].Entries))
	}
}

func TestCorruptUpdateDroppedWhole(t *testing.T) {
	sender := newClipHarness(false)
	receiver := newClipHarness(true)

	sender.e.LocalChange([]Entry{{Format: FormatText, Data: []byte("good content here")}})
	corrupted := *sender.sent[len(sender.sent)-1]
	corrupted.Payload = append([]byte(nil), corrupted.Payload...)
	corrupted.Payload[0] ^= 0xff

	for _, c := range sender.sent[:len(sender.sent)-1] {
		receiver.e.HandleChunk(c)
	}
	receiver.e.HandleChunk(&corrupted)
	if len(receiver.applied) != 0 {
		t.Fatalf("corrupt update applied: %v", receiver.applied)
	}
}

func TestLastWriterWinsByTimestamp(t *testing.T) {
	receiver := newClipHarness(false)
	now := time.UnixMilli(1_000_000)
	receiver.e.now = func() time.Time { return now }

	// Local change at t=1_000_000.
	receiver.e.LocalChange([]Entry{{Format: FormatText, Data: []byte("mine")}})

	// A remote update stamped earlier loses.
	stale := &wire.ClipboardChunk{
		UpdateID: 1, TimestampMs: 999_999,
		Format: FormatText, FormatCount: 1, ChunkIndex: 0, ChunkCount: 1,
		ContentHash: contentHash([]byte("old")), Payload: []byte("old"),
	}
	receiver.e.HandleChunk(stale)
	if len(receiver.applied) != 0 {
		t.Fatalf("stale update applied: %v", receiver.applied)
	}

	// A newer one wins.
	newer := &wire.ClipboardChunk{
		UpdateID: 2, TimestampMs: 1_000_001,
		Format: FormatText, FormatCount: 1, ChunkIndex: 0, ChunkCount: 1,
		ContentHash: contentHash([]byte("new")), Payload: []byte("new"),
	}
	receiver.e.HandleChunk(newer)
	if len(receiver.applied) != 1 {
		t.Fatalf("newer update not applied")
	}
}

func TestTimestampTieGoesToAcceptor(t *testing.T) {
	tie := func(acceptor bool) int {
		h := newClipHarness(acceptor)
		now := time.UnixMilli(5_000)
		h.e.now = func() time.Time { return now }
		h.e.LocalChange([]Entry{{Format: FormatText, Data: []byte("local")}})

		remote := &wire.ClipboardChunk{
			UpdateID: 1, TimestampMs: 5_000,
			Format: FormatText, FormatCount: 1, ChunkIndex: 0, ChunkCount: 1,
			ContentHash: contentHash([]byte("remote")), Payload: []byte("remote"),
		}
		h.e.HandleChunk(remote)
		return len(h.applied)
	}

	// The acceptor keeps its own update on a tie; the initiator yields to
	// the acceptor's.
	if got := tie(true); got != 0 {
		t.Fatalf("acceptor applied the tied remote update")
	}
	if got := tie(false); got != 1 {
		t.Fatalf("initiator did not yield to the acceptor's tied update")
	}
}

func TestOversizedUpdateKeepsLeadingFormats(t *testing.T) {
	h := newClipHarness(false)
	var entries []Entry
	for i := 0; i < maxFormatsPerBatch+4; i++ {
		entries = append(entries, Entry{Format: uint8(i), Data: []byte{byte(i)}})
	}
	h.e.LocalChange(entries)

	if len(h.sent) == 0 {
		t.Fatal("oversized update was dropped entirely")
	}
	formats := make(map[uint8]bool)
	for _, c := range h.sent {
		formats[c.Format] = true
		if int(c.FormatCount) != maxFormatsPerBatch {
			t.Fatalf("format count = %d, want %d", c.FormatCount, maxFormatsPerBatch)
		}
	}
	if len(formats) != maxFormatsPerBatch {
		t.Fatalf("sent %d formats, want %d", len(formats), maxFormatsPerBatch)
	}
	for i := 0; i < maxFormatsPerBatch; i++ {
		if !formats[uint8(i)] {
			t.Fatalf("leading format %d was not the one kept", i)
		}
	}
}
