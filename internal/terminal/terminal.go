// Package terminal multiplexes independent pseudo-terminal byte streams
// over the terminal channels. Data for one terminal id is delivered
// strictly in send order; different ids are independent. A bounded replay
// buffer per terminal lets a reconnecting peer catch up from its last
// observed sequence.
package terminal

import (
	"log/slog"
	"sync"

	"github.com/sheerbytes/deskwire/pkg/wire"
)

// Config wires the multiplexer to its collaborators.
type Config struct {
	// Enqueue hands an outbound terminal message to the multiplexer.
	Enqueue func(termID uint32, msg any, size int)

	// Deliver hands in-order inbound bytes for one terminal to the
	// consumer (the renderer on the client, the PTY writer on the host).
	Deliver func(termID uint32, data []byte)

	// OnOpen, OnResize, and OnClose notify the PTY collaborator of
	// remote-driven lifecycle changes. Any of them may be nil.
	OnOpen   func(termID uint32, rows, cols uint16)
	OnResize func(termID uint32, rows, cols uint16)
	OnClose  func(termID uint32)

	// ReplayBytes bounds the per-terminal replay buffer.
	ReplayBytes int

	// OddIDs picks the local id parity; the session initiator uses odd.
	OddIDs bool

	Logger *slog.Logger
}

// Mux tracks every terminal of one session.
type Mux struct {
	mu     sync.Mutex
	cfg    Config
	terms  map[uint32]*term
	nextID uint32
	log    *slog.Logger
}

type term struct {
	id      uint32
	rows    uint16
	cols    uint16
	local   bool // opened by us
	sendSeq uint64
	recvSeq uint64
	replay  *replayBuffer
}

func NewMux(cfg Config) *Mux {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	first := uint32(2)
	if cfg.OddIDs {
		first = 1
	}
	return &Mux{
		cfg:    cfg,
		terms:  make(map[uint32]*term),
		nextID: first,
		log:    log,
	}
}

// Open allocates a terminal id unique within the session and asks the
// peer to open a pseudo-terminal of the given size.
func (m *Mux) Open(rows, cols uint16) uint32 {
	m.mu.Lock()
	id := m.nextID
	m.nextID += 2
	m.terms[id] = &term{
		id:     id,
		rows:   rows,
		cols:   cols,
		local:  true,
		replay: newReplayBuffer(m.cfg.ReplayBytes),
	}
	m.mu.Unlock()

	m.log.Info("terminal open", "term", id, "rows", rows, "cols", cols)
	m.cfg.Enqueue(id, &wire.TermOpen{TermID: id, Rows: rows, Cols: cols}, 0)
	return id
}

// Send queues outbound bytes for one terminal. Bytes for an id that is
// closed or was never opened are dropped silently.
func (m *Mux) Send(termID uint32, data []byte) {
	m.mu.Lock()
	t, ok := m.terms[termID]
	if !ok {
		m.mu.Unlock()
		return
	}
	seq := t.sendSeq
	t.sendSeq++
	t.replay.push(seq, data)
	m.mu.Unlock()

	m.cfg.Enqueue(termID, &wire.TermData{TermID: termID, Seq: seq, Payload: data}, len(data))
}

// Resize records a local size change and forwards it.
func (m *Mux) Resize(termID uint32, rows, cols uint16) {
	m.mu.Lock()
	t, ok := m.terms[termID]
	if ok {
		t.rows, t.cols = rows, cols
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.cfg.Enqueue(termID, &wire.TermResize{TermID: termID, Rows: rows, Cols: cols}, 0)
}

// Close frees a terminal id and tells the peer. Idempotent.
func (m *Mux) Close(termID uint32) {
	m.mu.Lock()
	_, ok := m.terms[termID]
	delete(m.terms, termID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("terminal close", "term", termID)
	m.cfg.Enqueue(termID, &wire.TermClose{TermID: termID}, 0)
}

// HandleOpen registers a peer-opened terminal and notifies the PTY
// collaborator.
func (m *Mux) HandleOpen(o *wire.TermOpen) {
	m.mu.Lock()
	if _, exists := m.terms[o.TermID]; exists {
		m.mu.Unlock()
		return
	}
	m.terms[o.TermID] = &term{
		id:     o.TermID,
		rows:   o.Rows,
		cols:   o.Cols,
		replay: newReplayBuffer(m.cfg.ReplayBytes),
	}
	m.mu.Unlock()

	m.log.Info("terminal opened by peer", "term", o.TermID, "rows", o.Rows, "cols", o.Cols)
	if m.cfg.OnOpen != nil {
		m.cfg.OnOpen(o.TermID, o.Rows, o.Cols)
	}
}

// HandleData delivers inbound bytes in send order. Data for a freed id is
// dropped silently; replayed duplicates after a reconnect are skipped, and
// data past a sequence gap is dropped rather than corrupting the stream.
func (m *Mux) HandleData(d *wire.TermData) {
	m.mu.Lock()
	t, ok := m.terms[d.TermID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if d.Seq < t.recvSeq {
		m.mu.Unlock()
		return // already seen, peer replayed from an older cursor
	}
	if d.Seq > t.recvSeq {
		m.mu.Unlock()
		m.log.Warn("terminal stream gap, dropping", "term", d.TermID, "have", t.recvSeq, "got", d.Seq)
		return
	}
	t.recvSeq = d.Seq + 1
	m.mu.Unlock()

	m.cfg.Deliver(d.TermID, d.Payload)
}

// HandleResize applies a peer-driven size change.
func (m *Mux) HandleResize(r *wire.TermResize) {
	m.mu.Lock()
	t, ok := m.terms[r.TermID]
	if ok {
		t.rows, t.cols = r.Rows, r.Cols
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.cfg.OnResize != nil {
		m.cfg.OnResize(r.TermID, r.Rows, r.Cols)
	}
}

// HandleClose frees a peer-closed terminal id.
func (m *Mux) HandleClose(c *wire.TermClose) {
	m.mu.Lock()
	_, ok := m.terms[c.TermID]
	delete(m.terms, c.TermID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("terminal closed by peer", "term", c.TermID)
	if m.cfg.OnClose != nil {
		m.cfg.OnClose(c.TermID)
	}
}

// Cursors reports each live terminal's next expected inbound sequence,
// for the reconnect handshake.
func (m *Mux) Cursors() []wire.TermCursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.TermCursor, 0, len(m.terms))
	for id, t := range m.terms {
		out = append(out, wire.TermCursor{TermID: id, Seq: t.recvSeq})
	}
	return out
}

// Replay re-enqueues buffered output from the peer's cursors after a
// reconnect. Terminals whose replay buffer no longer reaches the cursor
// are closed; the peer reopens them fresh.
func (m *Mux) Replay(cursors []wire.TermCursor) {
	for _, cur := range cursors {
		m.mu.Lock()
		t, ok := m.terms[cur.TermID]
		if !ok {
			m.mu.Unlock()
			continue
		}
		entries, covered := t.replay.from(cur.Seq)
		m.mu.Unlock()

		if !covered {
			m.log.Warn("replay buffer too short, closing terminal", "term", cur.TermID)
			m.Close(cur.TermID)
			continue
		}
		for _, e := range entries {
			m.cfg.Enqueue(cur.TermID, &wire.TermData{TermID: cur.TermID, Seq: e.seq, Payload: e.data}, len(e.data))
		}
	}
}

// CloseAll frees every terminal without notifying the peer, for session
// teardown.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.terms))
	for id := range m.terms {
		ids = append(ids, id)
	}
	m.terms = make(map[uint32]*term)
	m.mu.Unlock()
	if m.cfg.OnClose != nil {
		for _, id := range ids {
			m.cfg.OnClose(id)
		}
	}
}
