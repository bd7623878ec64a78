package main

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// RouterStats holds lock-free atomic counters: the router increments them
// and RunMetrics reads them with Load, without taking any lock.
type RouterStats struct {
	Datagrams atomic.Uint64
	Bytes     atomic.Uint64
}

// RunMetrics logs router throughput every interval until ctx is canceled.
// Grounded on the teacher's server/metrics.go RunMetrics, adapted from room
// chat stats to router datagram/byte counters.
func RunMetrics(ctx context.Context, stats *RouterStats, registry *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			datagrams := stats.Datagrams.Load()
			bytes := stats.Bytes.Load()
			rate := float64(bytes-lastBytes) / interval.Seconds() / 1024
			lastBytes = bytes
			clients := len(registry.Snapshot())
			if clients > 0 || datagrams > 0 {
				log.Printf("[metrics] clients=%d datagrams=%d bytes=%d (%.1f KB/s)",
					clients, datagrams, bytes, rate)
			}
		}
	}
}
