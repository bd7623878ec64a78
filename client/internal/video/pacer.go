package video

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PacerQueueCap bounds the pacing queue: ~2000 packets is ~3.7 s of buffering
// at a 6 Mbps target rate and a ~1400-byte average packet.
const PacerQueueCap = 2000

// spinThreshold is the point below which Pacer busy-waits instead of
// sleeping, to get sub-millisecond precision on platforms whose default
// timer resolution is 10-15 ms.
const spinThreshold = 500 * time.Microsecond

// Pacer implements a leaky-bucket egress limiter for video packets: a
// dedicated goroutine drains the queue at a rate controlled by
// avg_packet_bytes / pacing_rate_bps. Token accounting is delegated to
// x/time/rate (burst sized to one average packet, so it behaves like a
// byte-wise leaky bucket rather than allowing large bursts); the resulting
// reservation delay is then honored with a millisecond sleep plus a
// short spin-wait tail for sub-ms precision. On a full queue the oldest
// packet is dropped — freshness over completeness, per §4.7.
type Pacer struct {
	mu       sync.Mutex
	queue    [][]byte
	limiter  *rate.Limiter
	send     func([]byte)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// avgPacketBytes sizes the limiter's burst: one packet's worth of tokens,
// since video packets are paced individually rather than in bursts.
const avgPacketBytes = 1400

// NewPacer returns a Pacer that calls send for each dequeued packet, paced
// to the given target byte rate via an x/time/rate token bucket.
func NewPacer(rateBytesPerSec float64, send func([]byte)) *Pacer {
	limit := rate.Limit(rateBytesPerSec)
	if rateBytesPerSec <= 0 {
		limit = rate.Inf
	}
	return &Pacer{
		limiter: rate.NewLimiter(limit, avgPacketBytes),
		send:    send,
		stopCh:  make(chan struct{}),
	}
}

// Enqueue adds a packet to the pacing queue, dropping the oldest queued
// packet if the queue is already at PacerQueueCap.
func (p *Pacer) Enqueue(pkt []byte) {
	p.mu.Lock()
	if len(p.queue) >= PacerQueueCap {
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, pkt)
	p.mu.Unlock()
}

// QueueLen reports the current pacing queue depth (for metrics/tests).
func (p *Pacer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run drains the queue until Stop is called. Intended to run on its own
// goroutine; RequestTimerResolution should be called once at process
// startup alongside it.
func (p *Pacer) Run() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			time.Sleep(time.Millisecond)
			continue
		}
		pkt := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.send(pkt)

		if r := p.limiter.ReserveN(time.Now(), len(pkt)); r.OK() {
			sleepPrecise(r.Delay())
		}
	}
}

// Stop terminates Run. Safe to call more than once.
func (p *Pacer) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// sleepPrecise sleeps for d, spin-waiting the final spinThreshold for
// precision the OS scheduler's default timer resolution can't guarantee.
func sleepPrecise(d time.Duration) {
	if d <= 0 {
		return
	}
	if d > spinThreshold {
		time.Sleep(d - spinThreshold)
		d = spinThreshold
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}
