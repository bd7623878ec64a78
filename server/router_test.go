package main

import (
	"net"
	"testing"
	"time"

	"bken/server/wire"
)

func newTestRouter(t *testing.T) (*Router, *Registry, *Watchers) {
	t.Helper()
	registry := NewRegistry()
	watchers := NewWatchers()
	udpMap := NewUDPMap()
	r, err := NewRouter("127.0.0.1:0", registry, watchers, udpMap, &RouterStats{})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	go r.Run()
	return r, registry, watchers
}

// listenerFor opens a UDP socket acting as a client endpoint, sends one
// packet to the router (so the router learns its address for uid), then
// returns the socket for reading forwarded traffic.
func listenerFor(t *testing.T, routerAddr *net.UDPAddr, uid uint32) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, routerAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// keep-alive so the router learns uid -> this address
	h := wire.Header{SenderUID: uid, Sequence: 0, Flags: 0}
	buf := make([]byte, wire.HeaderSize)
	wire.EncodeHeader(buf, h)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}
	return conn
}

func recvWithTimeout(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func TestRouterNormalVoiceGoesToRoomPeersOnly(t *testing.T) {
	r, registry, _ := newTestRouter(t)
	routerAddr := r.conn.LocalAddr().(*net.UDPAddr)

	registry.Add(&Session{UID: 111, Room: "General"})
	registry.Add(&Session{UID: 222, Room: "General"})
	registry.Add(&Session{UID: 333, Room: "Other"})

	alice := listenerFor(t, routerAddr, 111)
	bob := listenerFor(t, routerAddr, 222)
	charlie := listenerFor(t, routerAddr, 333)
	time.Sleep(50 * time.Millisecond) // let keep-alives register

	// Keep-alives are voice packets, forwarded to room peers whose endpoint
	// is already known: Alice's arrives before Bob's endpoint is learned and
	// reaches nobody, but Bob's reaches Alice. Read it off so it is not
	// mistaken below for Alice receiving her own packet back.
	recvWithTimeout(t, alice, 100*time.Millisecond)

	h := wire.Header{SenderUID: 111, Sequence: 5, Flags: 0}
	buf := make([]byte, wire.HeaderSize)
	wire.EncodeHeader(buf, h)
	if _, err := alice.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, ok := recvWithTimeout(t, bob, 500*time.Millisecond)
	if !ok {
		t.Fatal("bob did not receive Alice's voice packet")
	}
	if got2 := wire.DecodeHeader(got); got2.SenderUID != 111 || got2.Sequence != 5 {
		t.Fatalf("unexpected header: %+v", got2)
	}

	if _, ok := recvWithTimeout(t, charlie, 150*time.Millisecond); ok {
		t.Fatal("charlie (different room) should not receive Alice's voice packet")
	}
	if _, ok := recvWithTimeout(t, alice, 150*time.Millisecond); ok {
		t.Fatal("alice (sender) should not receive her own packet back")
	}
}

func TestRouterWhisperGoesOnlyToTarget(t *testing.T) {
	r, registry, _ := newTestRouter(t)
	routerAddr := r.conn.LocalAddr().(*net.UDPAddr)

	registry.Add(&Session{UID: 111, Room: "General"})
	registry.Add(&Session{UID: 222, Room: "General"})
	registry.Add(&Session{UID: 333, Room: "General"})

	alice := listenerFor(t, routerAddr, 111)
	bob := listenerFor(t, routerAddr, 222)
	charlie := listenerFor(t, routerAddr, 333)
	time.Sleep(50 * time.Millisecond)
	recvWithTimeout(t, bob, 100*time.Millisecond)
	recvWithTimeout(t, charlie, 100*time.Millisecond)

	payload := make([]byte, wire.WhisperHeaderSize+3)
	wire.EncodeWhisperTarget(payload, 222)
	copy(payload[wire.WhisperHeaderSize:], []byte{0xAA, 0xBB, 0xCC})

	h := wire.Header{SenderUID: 111, Sequence: 1, Flags: wire.FlagWhisper}
	buf := make([]byte, wire.HeaderSize+len(payload))
	wire.EncodeHeader(buf, h)
	copy(buf[wire.HeaderSize:], payload)
	if _, err := alice.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, ok := recvWithTimeout(t, bob, 500*time.Millisecond); !ok {
		t.Fatal("bob (whisper target) did not receive the whisper")
	}
	if _, ok := recvWithTimeout(t, charlie, 150*time.Millisecond); ok {
		t.Fatal("charlie should not receive a whisper targeted at bob")
	}
}

func TestRouterPingEchoesVerbatim(t *testing.T) {
	r, _, _ := newTestRouter(t)
	routerAddr := r.conn.LocalAddr().(*net.UDPAddr)

	conn, err := net.DialUDP("udp", nil, routerAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	h := wire.Header{SenderUID: 111, Sequence: 0, Flags: wire.FlagPing}
	buf := make([]byte, wire.HeaderSize)
	wire.EncodeHeader(buf, h)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, ok := recvWithTimeout(t, conn, 500*time.Millisecond)
	if !ok {
		t.Fatal("no ping echo received")
	}
	if string(got) != string(buf) {
		t.Fatalf("echo mismatch: got %v, want %v", got, buf)
	}
}

func TestRouterVideoGoesToWatchersOnly(t *testing.T) {
	r, registry, watchers := newTestRouter(t)
	routerAddr := r.conn.LocalAddr().(*net.UDPAddr)

	registry.Add(&Session{UID: 111, Room: "General"})
	registry.Add(&Session{UID: 222, Room: "General"})
	watchers.Add(111, 222)

	streamer := listenerFor(t, routerAddr, 111)
	watcher := listenerFor(t, routerAddr, 222)
	time.Sleep(50 * time.Millisecond)
	recvWithTimeout(t, watcher, 100*time.Millisecond)

	inner := make([]byte, wire.VideoHeaderSize+4)
	wire.EncodeVideoChunkHeader(inner, wire.VideoChunkHeader{FrameID: 1, PartIdx: 0, TotalParts: 1})

	h := wire.Header{SenderUID: 111, Sequence: 1, Flags: wire.FlagVideo}
	buf := make([]byte, wire.HeaderSize+len(inner))
	wire.EncodeHeader(buf, h)
	copy(buf[wire.HeaderSize:], inner)
	if _, err := streamer.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, ok := recvWithTimeout(t, watcher, 500*time.Millisecond); !ok {
		t.Fatal("watcher did not receive video fragment")
	}
}
