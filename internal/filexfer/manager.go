package filexfer

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/sheerbytes/deskwire/internal/bufpool"
	"github.com/sheerbytes/deskwire/pkg/wire"
)

const (
	defaultChunkSize = 64 * 1024
	defaultWindow    = 1 << 20
)

// noResume marks the absence of a pending rewind.
const noResume = ^uint64(0)

// Config wires a Manager to its collaborators.
type Config struct {
	FS Filesystem

	// Enqueue hands an outbound file-channel message to the multiplexer.
	// size is the payload length for rate pacing, zero for control
	// messages.
	Enqueue func(jobID uint32, msg any, size int)

	// ChunkSize for outbound jobs. Defaults to 64 KiB.
	ChunkSize uint32

	// InflightWindow bounds unacknowledged outbound bytes per job.
	InflightWindow uint64

	// DigestAlg for outbound jobs: wire.DigestCRC32C or wire.DigestSHA256.
	DigestAlg uint8

	// OddJobIDs picks the local job-id parity so both peers can allocate
	// without colliding. The session initiator uses odd ids.
	OddJobIDs bool

	// Buffers, when set, supplies chunk buffers for outbound reads. The
	// owner returns each buffer after the chunk is written to the wire.
	Buffers *bufpool.Pool

	Logger *slog.Logger
}

// Manager owns every transfer job of one session, both directions.
// Concurrent jobs are independent; a stalled job never blocks another.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	jobs   map[uint32]*job
	nextID uint32
	log    *slog.Logger
}

type job struct {
	mu   sync.Mutex
	cond *sync.Cond

	id       uint32
	path     string
	outbound bool
	state    State
	total    uint64
	chunk    uint32
	alg      uint8
	meter    *meter

	// outbound
	src          Source
	offset       uint64
	acked        uint64
	dig          *digest
	resumeTo     uint64 // noResume when no rewind is pending
	completeSent bool

	// inbound
	sink        Sink
	expected    uint64
	ckptOffset  uint64
	ckptState   []byte
	lastResume  uint64 // last offset we asked the sender to rewind to
	pullPending bool   // waiting for the peer to announce size
}

func NewManager(cfg Config) *Manager {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.InflightWindow == 0 {
		cfg.InflightWindow = defaultWindow
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	first := uint32(2)
	if cfg.OddJobIDs {
		first = 1
	}
	return &Manager{
		cfg:    cfg,
		jobs:   make(map[uint32]*job),
		nextID: first,
		log:    log,
	}
}

// Offer starts sending a local file to the peer. It announces the job and
// begins streaming immediately; the peer may cancel.
func (m *Manager) Offer(path string) (uint32, error) {
	src, size, err := m.cfg.FS.OpenSource(path)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID += 2
	j := m.newSendJob(id, path, src, uint64(size))
	m.jobs[id] = j
	m.mu.Unlock()

	m.log.Info("file offer", "job", id, "path", path, "size", size)
	m.cfg.Enqueue(id, &wire.FileRequest{
		JobID:     id,
		Direction: wire.FileSend,
		Path:      path,
		TotalSize: uint64(size),
		ChunkSize: j.chunk,
		DigestAlg: j.alg,
	}, 0)
	go m.runSender(j)
	return id, nil
}

// Request asks the peer to stream one of its files to us. The job stays
// pending until the peer announces the size.
func (m *Manager) Request(path string) uint32 {
	m.mu.Lock()
	id := m.nextID
	m.nextID += 2
	j := &job{
		id:          id,
		path:        path,
		state:       StateRequested,
		alg:         m.cfg.DigestAlg,
		resumeTo:    noResume,
		lastResume:  noResume,
		pullPending: true,
	}
	j.cond = sync.NewCond(&j.mu)
	m.jobs[id] = j
	m.mu.Unlock()

	m.log.Info("file request", "job", id, "path", path)
	m.cfg.Enqueue(id, &wire.FileRequest{
		JobID:     id,
		Direction: wire.FileReceive,
		Path:      path,
		ChunkSize: m.cfg.ChunkSize,
		DigestAlg: m.cfg.DigestAlg,
	}, 0)
	return id
}

func (m *Manager) newSendJob(id uint32, path string, src Source, size uint64) *job {
	j := &job{
		id:       id,
		path:     path,
		outbound: true,
		state:    StateTransferring,
		total:    size,
		chunk:    m.cfg.ChunkSize,
		alg:      m.cfg.DigestAlg,
		src:      src,
		dig:      newDigest(m.cfg.DigestAlg),
		meter:    newMeter(nil),
		resumeTo: noResume,
	}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// HandleRequest processes a peer's transfer announcement or pull request.
func (m *Manager) HandleRequest(req *wire.FileRequest) {
	switch req.Direction {
	case wire.FileSend:
		m.acceptInbound(req)
	case wire.FileReceive:
		m.servePull(req)
	}
}

// acceptInbound sets up the receiving side of a job the peer streams to us.
// It covers both an unsolicited offer and the announce that answers one of
// our own pull requests.
func (m *Manager) acceptInbound(req *wire.FileRequest) {
	m.mu.Lock()
	j, ok := m.jobs[req.JobID]
	if ok && (!j.pullPending || j.outbound) {
		m.mu.Unlock()
		return // duplicate announce, drop
	}
	if !ok {
		j = &job{
			id:         req.JobID,
			path:       req.Path,
			state:      StateRequested,
			resumeTo:   noResume,
			lastResume: noResume,
		}
		j.cond = sync.NewCond(&j.mu)
		m.jobs[req.JobID] = j
	}
	m.mu.Unlock()

	sink, err := m.cfg.FS.OpenSink(j.path, req.TotalSize)

	j.mu.Lock()
	if err != nil {
		j.state = StateFailed
		j.mu.Unlock()
		m.release(req.JobID)
		m.log.Warn("file sink open failed", "job", req.JobID, "path", j.path, "err", err)
		m.cfg.Enqueue(req.JobID, &wire.FileError{JobID: req.JobID, Code: 1, Message: err.Error()}, 0)
		return
	}
	j.sink = sink
	j.total = req.TotalSize
	j.chunk = req.ChunkSize
	j.alg = req.DigestAlg
	j.dig = newDigest(req.DigestAlg)
	j.meter = newMeter(nil)
	j.state = StateTransferring
	j.pullPending = false
	j.mu.Unlock()
	m.log.Info("file receive", "job", req.JobID, "path", j.path, "size", req.TotalSize)
}

// servePull answers a peer's pull request by announcing the real size and
// streaming the file under the peer's job id.
func (m *Manager) servePull(req *wire.FileRequest) {
	src, size, err := m.cfg.FS.OpenSource(req.Path)
	if err != nil {
		m.log.Warn("file source open failed", "job", req.JobID, "path", req.Path, "err", err)
		m.cfg.Enqueue(req.JobID, &wire.FileError{JobID: req.JobID, Code: 1, Message: err.Error()}, 0)
		return
	}

	m.mu.Lock()
	if _, exists := m.jobs[req.JobID]; exists {
		m.mu.Unlock()
		src.Close()
		return
	}
	j := m.newSendJob(req.JobID, req.Path, src, uint64(size))
	if req.ChunkSize > 0 {
		j.chunk = req.ChunkSize
	}
	j.alg = req.DigestAlg
	j.dig = newDigest(req.DigestAlg)
	m.jobs[req.JobID] = j
	m.mu.Unlock()

	m.cfg.Enqueue(req.JobID, &wire.FileRequest{
		JobID:     req.JobID,
		Direction: wire.FileSend,
		Path:      req.Path,
		TotalSize: uint64(size),
		ChunkSize: j.chunk,
		DigestAlg: j.alg,
	}, 0)
	go m.runSender(j)
}

// HandleChunk ingests one inbound data chunk. Out-of-order offsets after a
// reconnect trigger a single resume request; stale offsets are dropped.
func (m *Manager) HandleChunk(c *wire.FileChunk) {
	j := m.lookup(c.JobID)
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outbound || j.state != StateTransferring || j.sink == nil {
		return
	}

	switch {
	case c.Offset < j.expected:
		// Already have these bytes; re-ack so the sender advances.
		m.cfg.Enqueue(j.id, &wire.FileAck{JobID: j.id, Offset: j.expected}, 0)
		return
	case c.Offset > j.expected:
		if j.lastResume != j.expected {
			j.lastResume = j.expected
			m.cfg.Enqueue(j.id, &wire.FileResume{JobID: j.id, Offset: j.expected}, 0)
		}
		return
	}
	j.lastResume = noResume

	if _, err := j.sink.WriteAt(c.Payload, int64(c.Offset)); err != nil {
		m.failLocked(j, err.Error())
		return
	}
	j.dig.Write(c.Payload)
	j.expected = c.Offset + uint64(len(c.Payload))
	j.meter.observe(j.expected)

	if c.RunningDigest != 0 && c.RunningDigest != j.dig.Running() {
		m.log.Warn("running digest mismatch", "job", j.id, "offset", j.expected)
		m.rewindToCheckpointLocked(j)
		return
	}

	// Verified prefix; remember it as the rewind point.
	if state, err := j.dig.snapshot(); err == nil {
		j.ckptOffset = j.expected
		j.ckptState = state
	}
	m.cfg.Enqueue(j.id, &wire.FileAck{JobID: j.id, Offset: j.expected}, 0)
}

// HandleAck advances the sender's acknowledged offset, releasing window.
func (m *Manager) HandleAck(a *wire.FileAck) {
	j := m.lookup(a.JobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	if j.outbound && a.Offset >= j.acked && a.Offset <= j.total {
		j.acked = a.Offset
		j.meter.observe(j.acked)
		if j.acked >= j.total && j.completeSent {
			j.state = StateCompleted
		}
		j.cond.Broadcast()
	}
	done := j.state == StateCompleted
	j.mu.Unlock()
	if done {
		m.log.Info("file sent", "job", a.JobID, "bytes", a.Offset)
		m.release(a.JobID)
	}
}

// HandleComplete verifies the final digest. A mismatch rewinds to the last
// verified checkpoint and asks for retransmission instead of failing.
func (m *Manager) HandleComplete(c *wire.FileComplete) {
	j := m.lookup(c.JobID)
	if j == nil {
		return
	}

	j.mu.Lock()
	if j.outbound || j.state != StateTransferring {
		j.mu.Unlock()
		return
	}
	if j.expected < j.total {
		// Completion outran the data, ask for the rest.
		if j.lastResume != j.expected {
			j.lastResume = j.expected
			m.cfg.Enqueue(j.id, &wire.FileResume{JobID: j.id, Offset: j.expected}, 0)
		}
		j.mu.Unlock()
		return
	}
	if !bytes.Equal(c.Digest, j.dig.Sum()) {
		m.log.Warn("final digest mismatch", "job", j.id)
		m.rewindToCheckpointLocked(j)
		j.mu.Unlock()
		return
	}
	j.state = StateCompleted
	sink := j.sink
	j.sink = nil
	j.mu.Unlock()

	if sink != nil {
		sink.Close()
	}
	m.cfg.Enqueue(j.id, &wire.FileAck{JobID: j.id, Offset: j.total}, 0)
	m.log.Info("file received", "job", j.id, "path", j.path, "bytes", j.total)
	m.release(j.id)
}

// rewindToCheckpointLocked resets the receive cursor and digest to the last
// verified offset and requests retransmission from there.
func (m *Manager) rewindToCheckpointLocked(j *job) {
	j.expected = j.ckptOffset
	j.dig = newDigest(j.alg)
	if j.ckptOffset > 0 {
		if err := j.dig.restore(j.ckptState); err != nil {
			j.expected = 0
			j.dig = newDigest(j.alg)
		}
	}
	j.lastResume = j.expected
	m.cfg.Enqueue(j.id, &wire.FileResume{JobID: j.id, Offset: j.expected}, 0)
}

// HandleResume rewinds an outbound job to the requested offset. The digest
// prefix is rebuilt from the source before streaming restarts.
func (m *Manager) HandleResume(r *wire.FileResume) {
	j := m.lookup(r.JobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	if j.outbound && !j.state.finished() && r.Offset <= j.total {
		j.resumeTo = r.Offset
		j.completeSent = false
		j.cond.Broadcast()
	}
	j.mu.Unlock()
}

// HandleCancel releases a job the peer cancelled. Idempotent: unknown or
// already-finished ids are ignored.
func (m *Manager) HandleCancel(c *wire.FileCancel) {
	j := m.lookup(c.JobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	j.state = StateCancelled
	j.cond.Broadcast()
	j.mu.Unlock()
	m.log.Info("file cancelled by peer", "job", c.JobID)
	m.release(c.JobID)
}

// HandleError fails a job the peer reported on. The session continues.
func (m *Manager) HandleError(e *wire.FileError) {
	j := m.lookup(e.JobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	j.state = StateFailed
	j.cond.Broadcast()
	j.mu.Unlock()
	m.log.Warn("file job failed", "job", e.JobID, "code", e.Code, "msg", e.Message)
	m.release(e.JobID)
}

// Cancel aborts a local job and tells the peer. Safe to call twice or for
// ids that never existed.
func (m *Manager) Cancel(jobID uint32) {
	j := m.lookup(jobID)
	if j == nil {
		return
	}
	j.mu.Lock()
	j.state = StateCancelled
	j.cond.Broadcast()
	j.mu.Unlock()
	m.release(jobID)
	m.cfg.Enqueue(jobID, &wire.FileCancel{JobID: jobID}, 0)
}

// Pause suspends an outbound job; Resume continues it.
func (m *Manager) Pause(jobID uint32) {
	if j := m.lookup(jobID); j != nil {
		j.mu.Lock()
		if j.outbound && j.state == StateTransferring {
			j.state = StatePaused
		}
		j.mu.Unlock()
	}
}

func (m *Manager) Resume(jobID uint32) {
	if j := m.lookup(jobID); j != nil {
		j.mu.Lock()
		if j.state == StatePaused {
			j.state = StateTransferring
			j.cond.Broadcast()
		}
		j.mu.Unlock()
	}
}

// Status snapshots one job.
func (m *Manager) Status(jobID uint32) (Status, bool) {
	j := m.lookup(jobID)
	if j == nil {
		return Status{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		JobID:     j.id,
		Path:      j.path,
		Outbound:  j.outbound,
		State:     j.state,
		TotalSize: j.total,
		Offset:    j.offset,
		Acked:     j.acked,
	}
	if !j.outbound {
		st.Offset = j.expected
	}
	if j.meter != nil && !j.state.finished() {
		done := st.Acked
		if !j.outbound {
			done = st.Offset
		}
		var remaining uint64
		if j.total > done {
			remaining = j.total - done
		}
		st.Rate, st.ETA = j.meter.snapshot(remaining)
	}
	return st, true
}

// Cursors reports the contiguous receive offset of every live inbound job,
// for the reconnect handshake.
func (m *Manager) Cursors() []wire.FileCursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wire.FileCursor
	for id, j := range m.jobs {
		j.mu.Lock()
		if !j.outbound && !j.state.finished() {
			out = append(out, wire.FileCursor{JobID: id, Offset: j.expected})
		}
		j.mu.Unlock()
	}
	return out
}

// CloseAll releases every job, for session teardown without resume.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if j := m.lookup(id); j != nil {
			j.mu.Lock()
			if !j.state.finished() {
				j.state = StateCancelled
			}
			j.cond.Broadcast()
			j.mu.Unlock()
			m.release(id)
		}
	}
}

func (m *Manager) lookup(id uint32) *job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

// release closes handles and drops the registry entry. Later messages for
// the id are dropped by lookup.
func (m *Manager) release(id uint32) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	delete(m.jobs, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	j.mu.Lock()
	src, sink := j.src, j.sink
	j.src, j.sink = nil, nil
	j.cond.Broadcast()
	j.mu.Unlock()
	if src != nil {
		src.Close()
	}
	if sink != nil {
		sink.Close()
	}
}

func (m *Manager) failLocked(j *job, msg string) {
	j.state = StateFailed
	j.cond.Broadcast()
	m.cfg.Enqueue(j.id, &wire.FileError{JobID: j.id, Code: 2, Message: msg}, 0)
}

// runSender streams one outbound job: read a chunk, hash it, enqueue it,
// within the unacknowledged-bytes window. Rewinds requested via
// HandleResume take effect between chunks.
func (m *Manager) runSender(j *job) {
	for {
		j.mu.Lock()
		for !j.state.finished() &&
			j.resumeTo == noResume &&
			(j.state == StatePaused ||
				(j.offset >= j.total && j.completeSent) ||
				(j.offset < j.total && j.offset-j.acked >= m.cfg.InflightWindow)) {
			j.cond.Wait()
		}
		if j.state.finished() || j.src == nil {
			j.mu.Unlock()
			return
		}

		if j.resumeTo != noResume {
			target := j.resumeTo
			j.resumeTo = noResume
			src := j.src
			j.mu.Unlock()
			dig, err := rebuildDigest(j.alg, src, target)
			j.mu.Lock()
			if j.state.finished() || j.src == nil {
				j.mu.Unlock()
				return
			}
			if err != nil {
				m.failLocked(j, err.Error())
				j.mu.Unlock()
				m.release(j.id)
				return
			}
			j.dig = dig
			j.offset = target
			if j.acked > target {
				j.acked = target
			}
			j.completeSent = false
			m.log.Info("file resume", "job", j.id, "offset", target)
			j.mu.Unlock()
			continue
		}

		if j.offset >= j.total {
			j.completeSent = true
			sum := j.dig.Sum()
			j.mu.Unlock()
			m.cfg.Enqueue(j.id, &wire.FileComplete{JobID: j.id, Digest: sum}, 0)
			continue
		}

		off := j.offset
		n := uint64(j.chunk)
		if j.total-off < n {
			n = j.total - off
		}
		src := j.src
		j.mu.Unlock()

		var buf []byte
		if m.cfg.Buffers != nil {
			buf = m.cfg.Buffers.Grab(int(n))
		} else {
			buf = make([]byte, n)
		}
		if _, err := readFull(src, buf, off); err != nil {
			j.mu.Lock()
			m.failLocked(j, err.Error())
			j.mu.Unlock()
			m.release(j.id)
			return
		}

		j.mu.Lock()
		if j.state.finished() || j.resumeTo != noResume {
			j.mu.Unlock()
			continue
		}
		j.dig.Write(buf)
		running := j.dig.Running()
		j.offset = off + n
		j.mu.Unlock()

		m.cfg.Enqueue(j.id, &wire.FileChunk{
			JobID:         j.id,
			Offset:        off,
			RunningDigest: running,
			Payload:       buf,
		}, len(buf))
	}
}

func readFull(src Source, buf []byte, off uint64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := src.ReadAt(buf[total:], int64(off)+int64(total))
		total += n
		if err != nil {
			if total == len(buf) {
				break
			}
			return total, err
		}
	}
	return total, nil
}
