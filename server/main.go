package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"
)

func main() {
	udpAddr := flag.String("udp-addr", ":5001", "UDP media listen address")
	tcpAddr := flag.String("tcp-addr", ":5000", "TCP control listen address")
	flag.Parse()

	registry := NewRegistry()
	watchers := NewWatchers()
	udpMap := NewUDPMap()
	nudge := NewNudgeTally(nudgeCooldown)
	stats := &RouterStats{}

	router, err := NewRouter(*udpAddr, registry, watchers, udpMap, stats)
	if err != nil {
		log.Fatalf("[server] udp listen: %v", err)
	}
	defer router.Close()

	ln, err := net.Listen("tcp", *tcpAddr)
	if err != nil {
		log.Fatalf("[server] tcp listen: %v", err)
	}
	defer ln.Close()

	control := NewControlServer(registry, watchers, udpMap, nudge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
		router.Close()
		ln.Close()
	}()

	go RunMetrics(ctx, stats, registry, 5*time.Second)

	// Defensive sweep of stale UDP endpoint cache entries. Sessions and
	// watcher edges are untouched here; they only change via the control
	// plane (login/disconnect, stream_watch_start/stop).
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				udpMap.PurgeStale(staleUDPEndpointTTL)
			}
		}
	}()

	go router.Run()

	log.Printf("[server] UDP media on %s, TCP control on %s", *udpAddr, *tcpAddr)
	if err := control.Serve(ln); err != nil {
		select {
		case <-ctx.Done():
			// expected: listener closed during shutdown
		default:
			log.Fatalf("[server] control serve: %v", err)
		}
	}
}
