// Package video implements H.264 fragmentation/reassembly and per-sender
// decode dispatch for the screen-share media path (M8).
//
// Send side: Fragmenter splits an encoded Annex-B frame into ≤1400-byte
// chunks carrying a (frame_id, part_idx, total_parts) header. Receive side:
// Reassembler tracks one assembly table per sender (bounded to
// MaxInFlightFrames, with a 1 s purge), and DecodeWorkers owns one decode
// goroutine per sender with a bounded, drop-oldest queue — the same
// per-sender-map-plus-bounded-channel idiom the jitter buffer and transport
// use for voice.
package video

import (
	"sync"
	"time"
)

// MaxChunkBytes is the maximum payload carried per fragment, leaving room
// under typical MTUs for the outer wire.Header and inner chunk header.
const MaxChunkBytes = 1400

// MaxInFlightFrames bounds per-sender in-flight frames: when a new frame
// arrives while more than MaxInFlightFrames are already tracked for that
// sender, all of them are discarded (receiver fell behind).
const MaxInFlightFrames = 5

// ReassemblyTimeout is how long an incomplete frame is kept before being
// purged.
const ReassemblyTimeout = time.Second

// DecodeQueueSize is the bounded per-sender decode queue depth; on overflow
// the oldest queued frame is dropped in favor of the new one.
const DecodeQueueSize = 2

// Chunk is one outgoing fragment: header plus its slice of the payload.
type Chunk struct {
	FrameID    uint32
	PartIdx    uint16
	TotalParts uint16
	Data       []byte
}

// Fragmenter splits encoder output into ≤MaxChunkBytes chunks. Safe for
// concurrent use; frame IDs are a single monotonic counter.
type Fragmenter struct {
	mu      sync.Mutex
	nextID  uint32
}

// NewFragmenter returns a Fragmenter starting at frame id 0.
func NewFragmenter() *Fragmenter {
	return &Fragmenter{}
}

// Fragment splits payload into wire-ready chunks under a fresh frame id.
func (f *Fragmenter) Fragment(payload []byte) []Chunk {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.mu.Unlock()

	if len(payload) == 0 {
		return nil
	}

	total := (len(payload) + MaxChunkBytes - 1) / MaxChunkBytes
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxChunkBytes
		end := start + MaxChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{
			FrameID:    id,
			PartIdx:    uint16(i),
			TotalParts: uint16(total),
			Data:       payload[start:end],
		})
	}
	return chunks
}

// frameAssembly tracks the fragments received so far for one frame.
type frameAssembly struct {
	chunks     map[uint16][]byte
	total      uint16
	received   int
	firstSeen  time.Time
}

// senderAssembly tracks in-flight frames for one sender.
type senderAssembly struct {
	frames map[uint32]*frameAssembly
}

// Reassembler reconstructs fragmented frames per sender.
type Reassembler struct {
	mu      sync.Mutex
	senders map[uint32]*senderAssembly
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{senders: make(map[uint32]*senderAssembly)}
}

// Push records one fragment. It returns the concatenated frame and true
// once all of that frame's parts have arrived; the caller must hand the
// result off to decoding without holding any Reassembler lock (the snapshot
// is already a fresh copy).
func (r *Reassembler) Push(senderID uint32, frameID uint32, partIdx, totalParts uint16, data []byte) ([]byte, bool) {
	r.mu.Lock()

	s, ok := r.senders[senderID]
	if !ok {
		s = &senderAssembly{frames: make(map[uint32]*frameAssembly)}
		r.senders[senderID] = s
	}

	fa, ok := s.frames[frameID]
	if !ok {
		if len(s.frames) > MaxInFlightFrames {
			// Receiver fell behind: drop everything in flight for this
			// sender and keep only new frames from here on.
			s.frames = make(map[uint32]*frameAssembly)
		}
		fa = &frameAssembly{
			chunks:    make(map[uint16][]byte),
			total:     totalParts,
			firstSeen: time.Now(),
		}
		s.frames[frameID] = fa
	}

	if _, dup := fa.chunks[partIdx]; !dup {
		buf := make([]byte, len(data))
		copy(buf, data)
		fa.chunks[partIdx] = buf
		fa.received++
	}

	if fa.received < int(fa.total) {
		r.mu.Unlock()
		return nil, false
	}

	// Complete: snapshot the chunk map, release the lock, then concatenate.
	chunksSnapshot := fa.chunks
	total := fa.total
	delete(s.frames, frameID)
	r.mu.Unlock()

	full := make([]byte, 0, int(total)*MaxChunkBytes)
	for i := uint16(0); i < total; i++ {
		full = append(full, chunksSnapshot[i]...)
	}
	return full, true
}

// Purge drops in-flight frames older than ReassemblyTimeout.
func (r *Reassembler) Purge() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.senders {
		for id, fa := range s.frames {
			if now.Sub(fa.firstSeen) > ReassemblyTimeout {
				delete(s.frames, id)
			}
		}
	}
}

// RemoveSender drops all in-flight state for a sender who has left.
func (r *Reassembler) RemoveSender(senderID uint32) {
	r.mu.Lock()
	delete(r.senders, senderID)
	r.mu.Unlock()
}

// DecodeWorkers owns one decode goroutine per remote video sender, each
// reading from its own bounded, drop-oldest queue. This is the same
// per-sender-ownership shape used for Opus decoders in the audio engine,
// generalized to frames instead of 20 ms samples.
type DecodeWorkers struct {
	mu      sync.Mutex
	workers map[uint32]*worker
}

type worker struct {
	queue chan []byte
	done  chan struct{}
}

// NewDecodeWorkers returns an empty worker set.
func NewDecodeWorkers() *DecodeWorkers {
	return &DecodeWorkers{workers: make(map[uint32]*worker)}
}

// Push hands a completed frame to the sender's decode worker, starting one
// if none exists yet. decodeFn is called on the worker goroutine for every
// frame; it must not block indefinitely.
func (w *DecodeWorkers) Push(senderID uint32, frame []byte, decodeFn func(senderID uint32, frame []byte)) {
	w.mu.Lock()
	wk, ok := w.workers[senderID]
	if !ok {
		wk = &worker{queue: make(chan []byte, DecodeQueueSize), done: make(chan struct{})}
		w.workers[senderID] = wk
		go wk.run(senderID, decodeFn)
	}
	w.mu.Unlock()

	select {
	case wk.queue <- frame:
	default:
		// Full: drop the oldest queued frame, then enqueue the new one.
		select {
		case <-wk.queue:
		default:
		}
		select {
		case wk.queue <- frame:
		default:
		}
	}
}

func (wk *worker) run(senderID uint32, decodeFn func(uint32, []byte)) {
	for {
		select {
		case frame, ok := <-wk.queue:
			if !ok {
				return
			}
			decodeFn(senderID, frame)
		case <-wk.done:
			return
		}
	}
}

// StopWorker terminates and removes the decode worker for a sender who has
// left, e.g. on disconnect or stream_stop.
func (w *DecodeWorkers) StopWorker(senderID uint32) {
	w.mu.Lock()
	wk, ok := w.workers[senderID]
	if ok {
		delete(w.workers, senderID)
	}
	w.mu.Unlock()
	if ok {
		close(wk.done)
	}
}
