// Package clipboard keeps both peers' clipboards in sync. It hashes
// content per format to break echo loops, splits large payloads into
// bounded chunks, and applies multi-format updates atomically on the
// receiving side.
package clipboard

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/deskwire/pkg/wire"
)

// Clipboard formats.
const (
	FormatText  uint8 = 0
	FormatHTML  uint8 = 1
	FormatImage uint8 = 2
	FormatRTF   uint8 = 3
)

const (
	defaultChunkSize   = 256 * 1024
	maxPendingUpdates  = 8
	maxFormatsPerBatch = 16
)

// Entry is one format's worth of a clipboard update.
type Entry struct {
	Format uint8
	Data   []byte
}

// Update is a complete multi-format clipboard state, applied atomically.
type Update struct {
	TimestampMs int64
	Entries     []Entry
}

// Config wires the engine to its collaborators.
type Config struct {
	// Enqueue hands an outbound chunk to the multiplexer.
	Enqueue func(c *wire.ClipboardChunk, size int)

	// Apply installs a fully reassembled remote update into the local
	// clipboard. All entries become visible together.
	Apply func(Update)

	// Acceptor marks the session acceptor; simultaneous updates with equal
	// timestamps resolve in the acceptor's favor.
	Acceptor bool

	ChunkSize int

	Logger *slog.Logger
}

// Engine is one session's clipboard synchronizer.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	nextUpdate uint32
	lastSent   map[uint8]uint64
	lastRecv   map[uint8]uint64
	lastTs     int64 // timestamp of the newest applied or sent update
	pending    map[uint32]*pendingUpdate
	order      []uint32 // pending update ids, oldest first
	log        *slog.Logger
	now        func() time.Time
}

type pendingUpdate struct {
	timestampMs int64
	formats     map[uint8]*pendingFormat
	want        int
}

type pendingFormat struct {
	chunks [][]byte
	got    int
	total  int
	size   int
	hash   uint64
}

func NewEngine(cfg Config) *Engine {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = defaultChunkSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		lastSent: make(map[uint8]uint64),
		lastRecv: make(map[uint8]uint64),
		pending:  make(map[uint32]*pendingUpdate),
		log:      log,
		now:      time.Now,
	}
}

// LocalChange reports a local clipboard change. Entries whose content is
// what we last received from the peer (the echo of a remote update) or
// what we already sent are suppressed; anything left is chunked and sent
// as one logical update.
func (e *Engine) LocalChange(entries []Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := entries[:0:0]
	for _, entry := range entries {
		h := contentHash(entry.Data)
		if e.lastRecv[entry.Format] == h || e.lastSent[entry.Format] == h {
			continue
		}
		fresh = append(fresh, entry)
	}
	if len(fresh) == 0 {
		return
	}
	if len(fresh) > maxFormatsPerBatch {
		e.log.Warn("clipboard update truncated", "formats", len(fresh), "max", maxFormatsPerBatch)
		fresh = fresh[:maxFormatsPerBatch]
	}

	e.nextUpdate++
	updateID := e.nextUpdate
	ts := e.now().UnixMilli()
	if ts <= e.lastTs {
		ts = e.lastTs + 1
	}
	e.lastTs = ts

	for _, entry := range fresh {
		h := contentHash(entry.Data)
		e.lastSent[entry.Format] = h
		e.sendEntryLocked(updateID, ts, uint8(len(fresh)), entry, h)
	}
}

func (e *Engine) sendEntryLocked(updateID uint32, ts int64, formatCount uint8, entry Entry, hash uint64) {
	total := (len(entry.Data) + e.cfg.ChunkSize - 1) / e.cfg.ChunkSize
	if total < 1 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start := i * e.cfg.ChunkSize
		end := start + e.cfg.ChunkSize
		if end > len(entry.Data) {
			end = len(entry.Data)
		}
		chunk := &wire.ClipboardChunk{
			UpdateID:    updateID,
			TimestampMs: ts,
			Format:      entry.Format,
			FormatCount: formatCount,
			ChunkIndex:  uint16(i),
			ChunkCount:  uint16(total),
			ContentHash: hash,
			Payload:     entry.Data[start:end],
		}
		e.cfg.Enqueue(chunk, end-start)
	}
}

// HandleChunk ingests one inbound chunk. Once every format of the update
// is complete the update is applied atomically; malformed updates are
// dropped whole.
func (e *Engine) HandleChunk(c *wire.ClipboardChunk) {
	e.mu.Lock()

	pu, ok := e.pending[c.UpdateID]
	if !ok {
		if c.FormatCount == 0 || c.FormatCount > maxFormatsPerBatch {
			e.mu.Unlock()
			return
		}
		pu = &pendingUpdate{
			timestampMs: c.TimestampMs,
			formats:     make(map[uint8]*pendingFormat),
			want:        int(c.FormatCount),
		}
		e.pending[c.UpdateID] = pu
		e.order = append(e.order, c.UpdateID)
		e.evictLocked()
	}

	pf, ok := pu.formats[c.Format]
	if !ok {
		total := int(c.ChunkCount)
		if total < 1 {
			total = 1
		}
		pf = &pendingFormat{chunks: make([][]byte, total), total: total, hash: c.ContentHash}
		pu.formats[c.Format] = pf
	}
	idx := int(c.ChunkIndex)
	if idx >= pf.total || pf.chunks[idx] != nil {
		e.dropLocked(c.UpdateID, "inconsistent chunk index")
		e.mu.Unlock()
		return
	}
	pf.chunks[idx] = c.Payload
	pf.got++
	pf.size += len(c.Payload)

	if !pu.complete() {
		e.mu.Unlock()
		return
	}

	update, ok := e.finishLocked(c.UpdateID, pu)
	e.mu.Unlock()
	if ok {
		e.cfg.Apply(update)
	}
}

// finishLocked validates and assembles a completed update and decides
// whether it wins against what we already hold.
func (e *Engine) finishLocked(id uint32, pu *pendingUpdate) (Update, bool) {
	e.dropLocked(id, "")

	update := Update{TimestampMs: pu.timestampMs}
	for format, pf := range pu.formats {
		data := make([]byte, 0, pf.size)
		for _, chunk := range pf.chunks {
			data = append(data, chunk...)
		}
		if contentHash(data) != pf.hash {
			e.log.Warn("clipboard content hash mismatch, dropping update", "update", id, "format", format)
			return Update{}, false
		}
		update.Entries = append(update.Entries, Entry{Format: format, Data: data})
	}

	// Last writer wins; an equal timestamp goes to the acceptor.
	if update.TimestampMs < e.lastTs ||
		(update.TimestampMs == e.lastTs && e.cfg.Acceptor) {
		e.log.Debug("clipboard update lost the race", "update", id, "ts", update.TimestampMs)
		return Update{}, false
	}
	e.lastTs = update.TimestampMs

	for _, entry := range update.Entries {
		e.lastRecv[entry.Format] = contentHash(entry.Data)
	}
	return update, true
}

func (pu *pendingUpdate) complete() bool {
	if len(pu.formats) < pu.want {
		return false
	}
	for _, pf := range pu.formats {
		if pf.got < pf.total {
			return false
		}
	}
	return true
}

func (e *Engine) dropLocked(id uint32, reason string) {
	if _, ok := e.pending[id]; !ok {
		return
	}
	if reason != "" {
		e.log.Warn("clipboard update dropped", "update", id, "reason", reason)
	}
	delete(e.pending, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *Engine) evictLocked() {
	for len(e.pending) > maxPendingUpdates {
		oldest := e.order[0]
		e.dropLocked(oldest, "reassembly limit")
	}
}

func contentHash(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}
