// Package filexfer runs chunked, resumable, digest-verified file transfers
// over the file channel. It owns job lifecycle, offsets, and digests; the
// actual disk I/O lives behind the Filesystem interface.
package filexfer

import (
	"errors"
	"io"
	"time"
)

var (
	ErrJobExists   = errors.New("job id already in use")
	ErrUnknownJob  = errors.New("unknown job id")
	ErrJobFinished = errors.New("job already finished")
)

// State is the lifecycle of one transfer job.
type State uint8

const (
	StateRequested State = iota
	StateTransferring
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateTransferring:
		return "transferring"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Source supplies file bytes for an outbound job.
type Source interface {
	io.ReaderAt
	io.Closer
}

// Sink stores file bytes for an inbound job.
type Sink interface {
	io.WriterAt
	io.Closer
}

// Filesystem is the disk collaborator. Implementations decide pathing,
// permissions, and temp-file strategy.
type Filesystem interface {
	OpenSource(path string) (Source, int64, error)
	OpenSink(path string, size uint64) (Sink, error)
}

// Status is a point-in-time snapshot of one job, safe to retain.
type Status struct {
	JobID     uint32
	Path      string
	Outbound  bool
	State     State
	TotalSize uint64
	Offset    uint64        // contiguous bytes sent or received
	Acked     uint64        // bytes the peer has confirmed (outbound only)
	Rate      float64       // smoothed throughput in bytes/sec
	ETA       time.Duration // time to completion at the current rate
}
