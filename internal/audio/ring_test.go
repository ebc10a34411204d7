package audio

import (
	"testing"
	"time"
)

func chunkAt(seq uint64, at time.Time) Chunk {
	return Chunk{SourceID: "src", Sequence: seq, Payload: []byte{byte(seq)}, CapturedAt: at}
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := NewRing(3)
	now := time.Now()

	for seq := uint64(1); seq <= 3; seq++ {
		if r.Add(chunkAt(seq, now)) {
			t.Fatalf("eviction before capacity at seq %d", seq)
		}
	}
	if !r.Add(chunkAt(4, now)) {
		t.Fatal("expected eviction at capacity")
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}

	// The oldest surviving chunk is seq 2; seq 1 was dropped.
	c, ok := r.PopOldest()
	if !ok || c.Sequence != 2 {
		t.Fatalf("oldest = %+v", c)
	}
}

func TestRingPopPreservesOrder(t *testing.T) {
	r := NewRing(4)
	now := time.Now()
	for seq := uint64(1); seq <= 4; seq++ {
		r.Add(chunkAt(seq, now))
	}

	for want := uint64(1); want <= 4; want++ {
		c, ok := r.PopOldest()
		if !ok || c.Sequence != want {
			t.Fatalf("pop = %+v, want seq %d", c, want)
		}
	}
	if _, ok := r.PopOldest(); ok {
		t.Fatal("pop from empty ring succeeded")
	}
}

func TestRingPeekDoesNotConsume(t *testing.T) {
	r := NewRing(2)
	r.Add(chunkAt(1, time.Now()))

	if c, ok := r.PeekOldest(); !ok || c.Sequence != 1 {
		t.Fatalf("peek = %+v", c)
	}
	if r.Len() != 1 {
		t.Fatalf("len after peek = %d", r.Len())
	}
}

func TestRingDiscardOlderThan(t *testing.T) {
	r := NewRing(8)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Add(chunkAt(uint64(i+1), base.Add(time.Duration(i)*time.Second)))
	}

	dropped := r.DiscardOlderThan(base.Add(2 * time.Second))
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if c, ok := r.PeekOldest(); !ok || c.Sequence != 3 {
		t.Fatalf("oldest after discard = %+v", c)
	}

	// Cutoff before everything drops nothing.
	if n := r.DiscardOlderThan(base.Add(-time.Hour)); n != 0 {
		t.Fatalf("dropped = %d, want 0", n)
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(2)
	r.Add(chunkAt(1, time.Now()))
	r.Add(chunkAt(2, time.Now()))
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("len = %d", r.Len())
	}
	if _, ok := r.PeekOldest(); ok {
		t.Fatal("peek after clear succeeded")
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing(0)
	r.Add(chunkAt(1, time.Now()))
	if evicted := r.Add(chunkAt(2, time.Now())); !evicted {
		t.Fatal("capacity-one ring must evict on second add")
	}
	if c, _ := r.PopOldest(); c.Sequence != 2 {
		t.Fatalf("survivor = %+v", c)
	}
}
