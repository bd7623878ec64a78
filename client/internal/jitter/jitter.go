// Package jitter implements a per-sender jitter buffer for voice datagrams.
//
// Packets arrive out of order and with variable delay. The buffer reorders
// them using a min-heap keyed by sequence number, accumulates a target
// number of frames before starting playback (the "buffering" state), and
// never hands the decoder a sequence number it has already delivered.
package jitter

import (
	"container/heap"
	"time"
)

const (
	// DefaultTargetDelay is the number of frames buffered before playback
	// starts: 4 frames @ 20 ms = 80 ms.
	DefaultTargetDelay = 4

	// MaxSize caps the number of frames held per sender. The buffer favors
	// liveness over completeness: once full, the oldest (lowest-seq) entry
	// is discarded to make room for new arrivals.
	MaxSize = 50

	// staleTimeout is how long a sender must be silent before their stream
	// is pruned from the buffer.
	staleTimeout = 500 * time.Millisecond
)

// Frame is a single voice frame output from the jitter buffer.
type Frame struct {
	SenderID uint32
	OpusData []byte // nil signals a missing packet (caller should do PLC)
}

// entry is one buffered packet, ordered by seq.
type entry struct {
	seq  uint32
	opus []byte
}

// seqHeap is a container/heap.Interface min-heap keyed by seq.
type seqHeap []entry

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	top := old[n-1]
	*h = old[:n-1]
	return top
}

// stream tracks per-sender jitter buffer state.
type stream struct {
	heap          seqHeap
	buffering     bool // true = accumulating, awaiting target depth
	delivered     bool // true once at least one seq has been delivered
	lastDelivered uint32
	lastRecv      time.Time
}

// Buffer is a per-sender jitter buffer. Not safe for concurrent use; the
// caller (playbackLoop) is the sole reader and writer and synchronises
// externally (it drains network arrivals into Push before each Pop).
type Buffer struct {
	streams     map[uint32]*stream
	targetDelay int
}

// New creates a jitter buffer with the given target delay (in 20 ms frames).
func New(targetDelay int) *Buffer {
	if targetDelay < 1 {
		targetDelay = DefaultTargetDelay
	}
	return &Buffer{
		streams:     make(map[uint32]*stream),
		targetDelay: targetDelay,
	}
}

// SetDepth changes the target delay applied to streams going forward.
func (b *Buffer) SetDepth(frames int) {
	if frames < 1 {
		frames = DefaultTargetDelay
	}
	b.targetDelay = frames
}

// Push inserts a received packet into the sender's heap, per §4.4's add().
// Packets at or behind the last delivered sequence are dropped.
func (b *Buffer) Push(senderID uint32, seq uint32, opus []byte) {
	s, ok := b.streams[senderID]
	if !ok {
		s = &stream{buffering: true}
		b.streams[senderID] = s
	}
	s.lastRecv = time.Now()

	if s.delivered && int32(seq-s.lastDelivered) <= 0 {
		return // at or behind what's already been delivered — drop
	}

	heap.Push(&s.heap, entry{seq: seq, opus: opus})

	if len(s.heap) > MaxSize {
		// Discard the oldest (lowest-seq) entry to favor liveness.
		heap.Pop(&s.heap)
	}
}

// Pop returns one frame per active sender for the current 20 ms playback
// tick, per §4.4's get(). Senders silent for more than staleTimeout are
// pruned entirely.
func (b *Buffer) Pop() []Frame {
	now := time.Now()
	var frames []Frame
	var stale []uint32

	for id, s := range b.streams {
		if now.Sub(s.lastRecv) > staleTimeout {
			stale = append(stale, id)
			continue
		}

		if s.buffering {
			if len(s.heap) < b.targetDelay {
				continue // still accumulating
			}
			s.buffering = false
		}

		if len(s.heap) == 0 {
			// Underflow: go back to buffering until depth is restored.
			s.buffering = true
			continue
		}

		top := heap.Pop(&s.heap).(entry)
		s.lastDelivered = top.seq
		s.delivered = true
		frames = append(frames, Frame{SenderID: id, OpusData: top.opus})
	}

	for _, id := range stale {
		delete(b.streams, id)
	}

	return frames
}

// Reset clears all buffered state (e.g. on disconnect).
func (b *Buffer) Reset() {
	b.streams = make(map[uint32]*stream)
}

// ActiveSenders returns the number of senders no longer buffering (i.e.
// currently delivering frames).
func (b *Buffer) ActiveSenders() int {
	n := 0
	for _, s := range b.streams {
		if !s.buffering {
			n++
		}
	}
	return n
}
