package jitter

import (
	"testing"
	"time"
)

func TestNewDefaultsDelayWhenInvalid(t *testing.T) {
	b := New(0)
	if b.targetDelay != DefaultTargetDelay {
		t.Errorf("depth 0 should default to %d, got %d", DefaultTargetDelay, b.targetDelay)
	}
}

func TestBuffersUntilTargetDelayThenPlaysInOrder(t *testing.T) {
	b := New(2)

	// Below target depth: nothing should be delivered yet.
	b.Push(1, 100, []byte{0xAA})
	if frames := b.Pop(); len(frames) != 0 {
		t.Fatalf("expected no frames while buffering, got %d", len(frames))
	}

	b.Push(1, 101, []byte{0xBB})

	frames := b.Pop()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SenderID != 1 {
		t.Errorf("sender: got %d, want 1", frames[0].SenderID)
	}
	if string(frames[0].OpusData) != string([]byte{0xAA}) {
		t.Errorf("data: got %v, want [0xAA]", frames[0].OpusData)
	}
}

func TestOutOfOrderArrivalsAreReorderedBySeq(t *testing.T) {
	b := New(3)

	b.Push(1, 102, []byte{0xCC})
	b.Push(1, 100, []byte{0xAA})
	b.Push(1, 101, []byte{0xBB})

	var got []byte
	for i := 0; i < 3; i++ {
		frames := b.Pop()
		if len(frames) != 1 {
			t.Fatalf("pop %d: expected 1 frame, got %d", i, len(frames))
		}
		got = append(got, frames[0].OpusData...)
	}
	want := string([]byte{0xAA, 0xBB, 0xCC})
	if string(got) != want {
		t.Errorf("reordered output: got %v, want %v", got, want)
	}
}

func TestMonotonicityDropsPacketAtOrBehindLastDelivered(t *testing.T) {
	b := New(1)

	b.Push(1, 50, []byte{1})
	frames := b.Pop()
	if len(frames) != 1 || frames[0].OpusData[0] != 1 {
		t.Fatalf("expected seq 50 delivered first, got %+v", frames)
	}

	// A late arrival at or behind the last delivered seq must be dropped.
	b.Push(1, 50, []byte{99})
	b.Push(1, 49, []byte{99})
	b.Push(1, 51, []byte{2})

	frames = b.Pop()
	if len(frames) != 1 || frames[0].OpusData[0] != 2 {
		t.Fatalf("expected only seq 51 delivered, got %+v", frames)
	}
}

func TestOverflowDiscardsOldestEntry(t *testing.T) {
	b := New(1000) // stay in buffering state so the heap accumulates

	for i := 0; i < MaxSize+5; i++ {
		b.Push(1, uint32(i), []byte{byte(i)})
	}

	s := b.streams[1]
	if len(s.heap) != MaxSize {
		t.Fatalf("expected heap capped at %d, got %d", MaxSize, len(s.heap))
	}

	// The 5 lowest sequence numbers (0..4) should have been discarded.
	min := s.heap[0].seq
	for _, e := range s.heap {
		if e.seq < min {
			min = e.seq
		}
	}
	if min < 5 {
		t.Errorf("expected oldest entries discarded, lowest remaining seq is %d", min)
	}
}

func TestUnderflowReturnsToBufferingState(t *testing.T) {
	b := New(2)

	b.Push(1, 10, []byte{1})
	b.Push(1, 11, []byte{2})
	if frames := b.Pop(); len(frames) != 1 {
		t.Fatalf("expected 1 frame once primed, got %d", len(frames))
	}
	b.Pop() // delivers seq 11

	// Heap is now empty — should fall back to buffering and emit nothing
	// until target delay is satisfied again.
	if frames := b.Pop(); len(frames) != 0 {
		t.Fatalf("expected underflow to suppress output, got %d frames", len(frames))
	}

	b.Push(1, 12, []byte{3})
	if frames := b.Pop(); len(frames) != 0 {
		t.Fatalf("expected still buffering with only 1 frame, got %d", len(frames))
	}
	b.Push(1, 13, []byte{4})
	frames := b.Pop()
	if len(frames) != 1 || frames[0].OpusData[0] != 3 {
		t.Fatalf("expected seq 12 delivered after re-buffering, got %+v", frames)
	}
}

func TestStaleSenderIsPruned(t *testing.T) {
	b := New(1)
	b.Push(7, 1, []byte{1})
	s := b.streams[7]
	s.lastRecv = time.Now().Add(-2 * staleTimeout)

	b.Pop()
	if _, ok := b.streams[7]; ok {
		t.Error("expected stale sender to be pruned")
	}
}

func TestResetClearsAllStreams(t *testing.T) {
	b := New(1)
	b.Push(1, 1, []byte{1})
	b.Push(2, 1, []byte{1})
	b.Reset()
	if len(b.streams) != 0 {
		t.Errorf("expected empty streams after Reset, got %d", len(b.streams))
	}
}

func TestActiveSendersCountsOnlyNonBuffering(t *testing.T) {
	b := New(2)
	b.Push(1, 1, []byte{1}) // still buffering (depth 2)
	b.Push(2, 1, []byte{1})
	b.Push(2, 2, []byte{2}) // reaches depth 2, becomes active on next Pop

	b.Pop()
	if n := b.ActiveSenders(); n != 1 {
		t.Errorf("expected 1 active sender, got %d", n)
	}
}
