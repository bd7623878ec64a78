package main

import (
	"log"
	"net"

	"bken/server/wire"
)

// Router is the server UDP router (C4). It owns the single UDP socket and
// classifies/forwards every inbound datagram per the wire flags, per §4.2.
//
// Lock discipline: three mutexes live across Registry/Watchers/UDPMap —
// watchers, clients (the registry), udp (the endpoint map) — acquired in
// that fixed order wherever more than one is needed. The router never holds
// two of them across a sendto: every path here copies what it needs from
// watchers/registry/udp under their own lock, releases, then writes.
type Router struct {
	conn     *net.UDPConn
	registry *Registry
	watchers *Watchers
	udpMap   *UDPMap
	stats    *RouterStats
}

// NewRouter binds a UDP socket on addr and wires it to the shared
// registry/watcher/endpoint state.
func NewRouter(addr string, registry *Registry, watchers *Watchers, udpMap *UDPMap, stats *RouterStats) (*Router, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(udpRecvBufferSize); err != nil {
		log.Printf("[router] SetReadBuffer: %v", err)
	}
	if err := conn.SetWriteBuffer(udpSendBufferSize); err != nil {
		log.Printf("[router] SetWriteBuffer: %v", err)
	}
	r := &Router{conn: conn, registry: registry, watchers: watchers, udpMap: udpMap, stats: stats}
	return r, nil
}

// Close releases the UDP socket.
func (r *Router) Close() error { return r.conn.Close() }

// Run reads datagrams until the socket is closed.
func (r *Router) Run() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < wire.HeaderSize {
			continue // malformed; drop silently (decode error, §7 kind 2)
		}
		// Copy the datagram out of buf, which the next ReadFromUDP reuses;
		// handle forwards it synchronously before that next read.
		dgram := make([]byte, n)
		copy(dgram, buf[:n])
		if r.stats != nil {
			r.stats.Datagrams.Add(1)
			r.stats.Bytes.Add(uint64(n))
		}
		r.handle(dgram, addr)
	}
}

// handle classifies and forwards a single datagram, §4.2 steps 1-3.
func (r *Router) handle(dgram []byte, addr *net.UDPAddr) {
	h := wire.DecodeHeader(dgram)

	if h.IsPing() {
		r.sendTo(addr, dgram)
		return
	}

	r.udpMap.Update(h.SenderUID, addr)
	room := r.registry.RoomOf(h.SenderUID)

	payload := dgram[wire.HeaderSize:]
	switch wire.Classify(h.Flags) {
	case wire.KindWhisper:
		if len(payload) < wire.WhisperHeaderSize {
			return
		}
		target := wire.DecodeWhisperTarget(payload)
		if targetAddr, ok := r.udpMap.Lookup(target); ok {
			r.sendTo(targetAddr, dgram)
		}
		// Unknown target: silently drop, per forwarding table.

	case wire.KindVideo, wire.KindStreamAudio, wire.KindStreamVoices:
		for _, watcherUID := range r.watchers.Snapshot(h.SenderUID) {
			if watcherAddr, ok := r.udpMap.Lookup(watcherUID); ok {
				r.sendTo(watcherAddr, dgram)
			}
		}

	default: // normal voice / keep-alive
		if room == "" {
			return
		}
		for _, uid := range r.registry.RoomMembers(room, h.SenderUID) {
			if peerAddr, ok := r.udpMap.Lookup(uid); ok {
				r.sendTo(peerAddr, dgram)
			}
		}
	}
}

// sendTo writes dgram to addr. Always called outside any of the three
// locks, as required by §4.2; a failed write is a transient-I/O error (§7
// kind 1) and is dropped without retry.
func (r *Router) sendTo(addr *net.UDPAddr, dgram []byte) {
	if _, err := r.conn.WriteToUDP(dgram, addr); err != nil {
		log.Printf("[router] write to %s: %v", addr, err)
	}
}
