package filexfer

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/deskwire/pkg/wire"
)

// memFS is an in-memory Filesystem for tests.
type memFS struct {
	mu    sync.Mutex
	files map[string]*memFile
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string]*memFile)}
}

func (fs *memFS) put(path string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path] = &memFile{data: append([]byte(nil), data...)}
}

func (fs *memFS) get(path string) []byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path]
	if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data...)
}

func (fs *memFS) OpenSource(path string) (Source, int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path]
	if !ok {
		return nil, 0, errors.New("no such file: " + path)
	}
	return f, int64(len(f.data)), nil
}

func (fs *memFS) OpenSink(path string, size uint64) (Sink, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &memFile{data: make([]byte, size)}
	fs.files[path] = f
	return f, nil
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(f.data)) {
		return 0, errors.New("read past end")
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, errors.New("short read")
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(off)+len(p) > len(f.data) {
		return 0, errors.New("write past end")
	}
	copy(f.data[off:], p)
	return len(p), nil
}

func (f *memFile) Close() error { return nil }

// bridge delivers file-channel messages between two managers in-line,
// simulating an ordered transport that can drop (disconnect) and corrupt.
type bridge struct {
	mu   sync.Mutex
	a, b *Manager

	down        bool
	dropChunkAt uint64 // a→b chunk offset that triggers the outage, or ^0
	corruptAt   uint64 // a→b chunk offset to corrupt once, or ^0

	delivered []uint64 // offsets of a→b chunks actually handed to b
}

const never = ^uint64(0)

func (br *bridge) fromA(_ uint32, msg any, _ int) { br.route(msg, true) }
func (br *bridge) fromB(_ uint32, msg any, _ int) { br.route(msg, false) }

func (br *bridge) route(msg any, aToB bool) {
	br.mu.Lock()
	if c, ok := msg.(*wire.FileChunk); ok && aToB {
		if c.Offset >= br.dropChunkAt {
			br.down = true
		}
		if !br.down && c.Offset == br.corruptAt {
			br.corruptAt = never
			bad := append([]byte(nil), c.Payload...)
			bad[0] ^= 0xff
			msg = &wire.FileChunk{JobID: c.JobID, Offset: c.Offset, RunningDigest: c.RunningDigest, Payload: bad}
		}
	}
	if br.down {
		br.mu.Unlock()
		return
	}
	if c, ok := msg.(*wire.FileChunk); ok && aToB {
		br.delivered = append(br.delivered, c.Offset)
	}
	dst := br.b
	if !aToB {
		dst = br.a
	}
	br.mu.Unlock()
	dispatch(dst, msg)
}

func (br *bridge) reconnect() {
	br.mu.Lock()
	br.down = false
	br.dropChunkAt = never
	br.delivered = nil
	br.mu.Unlock()
}

func dispatch(m *Manager, msg any) {
	switch v := msg.(type) {
	case *wire.FileRequest:
		m.HandleRequest(v)
	case *wire.FileChunk:
		m.HandleChunk(v)
	case *wire.FileAck:
		m.HandleAck(v)
	case *wire.FileComplete:
		m.HandleComplete(v)
	case *wire.FileResume:
		m.HandleResume(v)
	case *wire.FileCancel:
		m.HandleCancel(v)
	case *wire.FileError:
		m.HandleError(v)
	default:
		panic(fmt.Sprintf("unexpected message %T", msg))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pair(t *testing.T, alg uint8) (*Manager, *Manager, *memFS, *memFS, *bridge) {
	t.Helper()
	afs, bfs := newMemFS(), newMemFS()
	br := &bridge{dropChunkAt: never, corruptAt: never}
	a := NewManager(Config{FS: afs, Enqueue: br.fromA, OddJobIDs: true, DigestAlg: alg})
	b := NewManager(Config{FS: bfs, Enqueue: br.fromB, DigestAlg: alg})
	br.a, br.b = a, b
	return a, b, afs, bfs, br
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(buf)
	return buf
}

func TestTransferResumesAfterDisconnect(t *testing.T) {
	a, b, afs, bfs, br := pair(t, wire.DigestCRC32C)
	content := randomBytes(10 << 20)
	afs.put("big.bin", content)

	// Everything from offset 3 MB on is lost until reconnect.
	br.mu.Lock()
	br.dropChunkAt = 3 << 20
	br.mu.Unlock()

	id, err := a.Offer("big.bin")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}

	// The sender stalls once the unacked window past 3 MB fills up.
	waitFor(t, "sender stall at the window edge", func() bool {
		st, ok := a.Status(id)
		return ok && st.Acked == 3<<20 && st.Offset-st.Acked >= defaultWindow
	})
	if st, _ := b.Status(id); st.Offset != 3<<20 {
		t.Fatalf("receiver offset = %d, want 3MB", st.Offset)
	}

	// Reconnect: the receiver's cursor drives the resume point.
	cursors := b.Cursors()
	if len(cursors) != 1 || cursors[0].Offset != 3<<20 {
		t.Fatalf("cursors = %v, want one at 3MB", cursors)
	}
	br.reconnect()
	a.HandleResume(&wire.FileResume{JobID: cursors[0].JobID, Offset: cursors[0].Offset})

	waitFor(t, "transfer completion", func() bool {
		_, ok := a.Status(id)
		return !ok // job released after the final ack
	})

	if got := bfs.get("big.bin"); !bytes.Equal(got, content) {
		t.Fatalf("received content differs from source (%d vs %d bytes)", len(got), len(content))
	}

	// Nothing below the resume offset is redelivered, nothing above skipped.
	br.mu.Lock()
	delivered := append([]uint64(nil), br.delivered...)
	br.mu.Unlock()
	want := uint64(3 << 20)
	for _, off := range delivered {
		if off != want {
			t.Fatalf("post-resume chunk at offset %d, want %d", off, want)
		}
		want += 64 << 10
	}
	if want != 10<<20 {
		t.Fatalf("post-resume coverage ends at %d, want 10MB", want)
	}
}

func TestCorruptChunkTriggersRetransmitNotFailure(t *testing.T) {
	a, _, afs, bfs, br := pair(t, wire.DigestCRC32C)
	content := randomBytes(512 << 10)
	afs.put("data.bin", content)

	br.mu.Lock()
	br.corruptAt = 128 << 10
	br.mu.Unlock()

	id, err := a.Offer("data.bin")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}

	waitFor(t, "transfer completion after retransmit", func() bool {
		_, ok := a.Status(id)
		return !ok
	})
	if got := bfs.get("data.bin"); !bytes.Equal(got, content) {
		t.Fatal("received content differs from source after retransmit")
	}
}

func TestTransferWithSHA256FinalDigest(t *testing.T) {
	a, _, afs, bfs, _ := pair(t, wire.DigestSHA256)
	content := randomBytes(200 << 10)
	afs.put("doc.pdf", content)

	id, err := a.Offer("doc.pdf")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	waitFor(t, "transfer completion", func() bool {
		_, ok := a.Status(id)
		return !ok
	})
	if got := bfs.get("doc.pdf"); !bytes.Equal(got, content) {
		t.Fatal("received content differs from source")
	}
}

func TestPullRequest(t *testing.T) {
	a, b, _, bfs, _ := pair(t, wire.DigestCRC32C)
	content := randomBytes(100 << 10)
	bfs.put("remote.txt", content)
	_ = b

	id := a.Request("remote.txt")
	waitFor(t, "pull completion", func() bool {
		_, ok := a.Status(id)
		return !ok
	})
	// The pulled copy lands in a's filesystem under the same path.
	afs := a.cfg.FS.(*memFS)
	if got := afs.get("remote.txt"); !bytes.Equal(got, content) {
		t.Fatal("pulled content differs from source")
	}
}

func TestCancelIsIdempotentAndDropsLateMessages(t *testing.T) {
	a, b, afs, _, _ := pair(t, wire.DigestCRC32C)
	afs.put("x.bin", randomBytes(64))

	id, err := a.Offer("x.bin")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	waitFor(t, "job release", func() bool {
		_, ok := a.Status(id)
		return !ok
	})

	// All of these reference a released id and must be silent no-ops.
	a.Cancel(id)
	a.Cancel(id)
	b.HandleChunk(&wire.FileChunk{JobID: id, Offset: 0, Payload: []byte("zz")})
	b.HandleCancel(&wire.FileCancel{JobID: id})
	a.HandleAck(&wire.FileAck{JobID: id, Offset: 64})
	a.Cancel(9999)
}

func TestPauseHoldsResumeContinues(t *testing.T) {
	a, _, afs, bfs, _ := pair(t, wire.DigestCRC32C)
	content := randomBytes(256 << 10)
	afs.put("p.bin", content)

	id, err := a.Offer("p.bin")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	a.Pause(id)
	a.Resume(id)

	waitFor(t, "completion after pause/resume", func() bool {
		_, ok := a.Status(id)
		return !ok
	})
	if got := bfs.get("p.bin"); !bytes.Equal(got, content) {
		t.Fatal("received content differs from source")
	}
}

func TestOfferMissingFileFails(t *testing.T) {
	a, _, _, _, _ := pair(t, wire.DigestCRC32C)
	if _, err := a.Offer("missing.bin"); err == nil {
		t.Fatal("Offer of a missing file succeeded")
	}
}
