package main

import "time"

// Server operational constants (UDP socket buffer sizes, nudge vote
// cooldown, stale UDP endpoint TTL). Collected here in
// one file with doc comments, following the teacher's naming convention.
const (
	// udpRecvBufferSize and udpSendBufferSize size the OS socket buffers on
	// the UDP router socket.
	udpRecvBufferSize = 8 * 1024 * 1024
	udpSendBufferSize = 8 * 1024 * 1024

	// nudgeCooldown is the minimum interval between two votes from the same
	// voter against the same target before the later one counts again.
	// Implementation-defined per spec §6; 60 s matches the example given
	// there.
	nudgeCooldown = 60 * time.Second

	// staleUDPEndpointTTL is how long a uid's UDP endpoint is kept after its
	// last datagram before the periodic sweep (not the control plane) drops
	// it from the udp map as a purely defensive measure — sessions and
	// watcher edges are unaffected and only change via the control plane.
	staleUDPEndpointTTL = 30 * time.Second
)
