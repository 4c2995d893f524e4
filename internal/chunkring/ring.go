// Package chunkring implements the bounded circular chunk buffer (A):
// a fixed-capacity FIFO of encoder output chunks that evicts the oldest
// chunk on overflow, a plain Go deque any encoder callback can append to.
package chunkring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Chunk is one unit of encoder output: a byte run and a keyframe bit.
// Concrete and stable, unlike the source's untyped (bytes, is_keyframe)
// tuple — no isinstance probing needed at dump time.
type Chunk struct {
	Bytes      []byte
	IsKeyframe bool
	ProducedAt time.Time
}

// Status summarizes buffer health at the 30/50/80% thresholds the
// watchdog logs against.
type Status string

const (
	StatusCriticallyLow Status = "critically_low"
	StatusLow           Status = "low"
	StatusFilling       Status = "filling"
	StatusOptimal       Status = "optimal"
)

// Health is a point-in-time snapshot, safe to read without holding the
// ring's lock any longer than the copy takes.
type Health struct {
	Current         int
	Max             int
	UtilizationPct  float64
	Evictions       uint64
	Status          Status
}

// Ring is the bounded chunk FIFO. Written by one producer (the encoder
// callback) and read by at most one consumer at a time; a single
// mutex is sufficient at the encoder's tens-to-low-hundreds-per-second rate.
type Ring struct {
	maxChunks int
	maxBytes  int64

	mu     sync.Mutex
	chunks []Chunk
	bytes  int64

	evictions atomic.Uint64
}

// New creates a ring bounded by maxChunks (hard, primary) and maxBytes
// (soft safety).
func New(maxChunks int, maxBytes int64) *Ring {
	return &Ring{
		maxChunks: maxChunks,
		maxBytes:  maxBytes,
		chunks:    make([]Chunk, 0, maxChunks),
	}
}

// Append adds a chunk, evicting the oldest entries first if the ring is at
// (or, defensively, over) capacity. Amortized O(1): eviction is a slice
// reslice, not a per-chunk shift.
func (r *Ring) Append(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.chunks) >= r.maxChunks {
		r.evict()
	}
	// Soft byte safety: keep evicting if we're also over the byte budget.
	for r.maxBytes > 0 && r.bytes+int64(len(c.Bytes)) > r.maxBytes && len(r.chunks) > 0 {
		r.evict()
	}

	r.chunks = append(r.chunks, c)
	r.bytes += int64(len(c.Bytes))
}

// AppendBytes is a convenience wrapper satisfying camera.ChunkSink, so an
// encoder driver can feed the ring without importing the Chunk type.
func (r *Ring) AppendBytes(bytes []byte, isKeyframe bool, producedAt time.Time) {
	r.Append(Chunk{Bytes: bytes, IsKeyframe: isKeyframe, ProducedAt: producedAt})
}

// evict drops the oldest chunk. Caller must hold r.mu.
func (r *Ring) evict() {
	if len(r.chunks) == 0 {
		return
	}
	oldest := r.chunks[0]
	r.bytes -= int64(len(oldest.Bytes))
	r.chunks = r.chunks[1:]
	r.evictions.Add(1)
}

// Snapshot returns a shallow, read-only copy of the current chunks in FIFO
// order: chunk handles (slice headers) are copied, never the byte payloads
// Valid until the caller drops it; does not block Append for
// longer than the copy of the header slice takes.
func (r *Ring) Snapshot() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Chunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// Clear drops all chunks without resetting the eviction counter.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = r.chunks[:0]
	r.bytes = 0
}

// Len reports the current chunk count.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// MaxChunks reports the configured hard capacity.
func (r *Ring) MaxChunks() int { return r.maxChunks }

// Health classifies current utilization per the 30/50/80% thresholds.
func (r *Ring) Health() Health {
	r.mu.Lock()
	current := len(r.chunks)
	r.mu.Unlock()

	evictions := r.evictions.Load()
	utilization := 0.0
	if r.maxChunks > 0 {
		utilization = float64(current) / float64(r.maxChunks) * 100
	}

	status := StatusCriticallyLow
	switch {
	case utilization >= 80:
		status = StatusOptimal
	case utilization >= 50:
		status = StatusFilling
	case utilization >= 30:
		status = StatusLow
	}

	return Health{
		Current:        current,
		Max:            r.maxChunks,
		UtilizationPct: utilization,
		Evictions:      evictions,
		Status:         status,
	}
}

// ByteSizeString renders the configured byte budget for a startup log line,
// e.g. "25 MB".
func (r *Ring) ByteSizeString() string {
	return humanize.Bytes(uint64(r.maxBytes))
}
