package terminal

// replayBuffer keeps recent outbound payloads of one terminal so a peer
// that reconnects can be caught up from its last observed sequence. It is
// bounded by total payload bytes; oldest entries fall off first.
type replayBuffer struct {
	entries []replayEntry
	bytes   int
	limit   int
}

type replayEntry struct {
	seq  uint64
	data []byte
}

func newReplayBuffer(limit int) *replayBuffer {
	if limit < 1 {
		limit = 256 * 1024
	}
	return &replayBuffer{limit: limit}
}

func (b *replayBuffer) push(seq uint64, data []byte) {
	b.entries = append(b.entries, replayEntry{seq: seq, data: data})
	b.bytes += len(data)
	for b.bytes > b.limit && len(b.entries) > 1 {
		b.bytes -= len(b.entries[0].data)
		b.entries = b.entries[1:]
	}
}

// from returns the buffered entries with sequence >= seq, oldest first,
// and whether the buffer reaches back far enough to cover seq.
func (b *replayBuffer) from(seq uint64) ([]replayEntry, bool) {
	if len(b.entries) == 0 {
		return nil, seq >= b.nextSeq()
	}
	if seq < b.entries[0].seq {
		return nil, false // evicted, cannot catch the peer up
	}
	for i, e := range b.entries {
		if e.seq >= seq {
			return b.entries[i:], true
		}
	}
	return nil, true // peer is already current
}

func (b *replayBuffer) nextSeq() uint64 {
	if len(b.entries) == 0 {
		return 0
	}
	last := b.entries[len(b.entries)-1]
	return last.seq + 1
}
