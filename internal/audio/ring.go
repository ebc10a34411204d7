package audio

import (
	"sync"
	"time"
)

// Chunk is one captured audio window. Sequence is strictly increasing per
// source; a chunk is never mutated after creation.
type Chunk struct {
	SourceID   string
	Sequence   uint64
	Payload    []byte
	CapturedAt time.Time
}

// Ring provides thread-safe chunk storage with a fixed capacity. When full,
// Add evicts the oldest chunk: live audio favors recency over completeness.
type Ring struct {
	mu       sync.Mutex
	data     []Chunk
	capacity int
	size     int
	head     int // Points to the next write position
	tail     int // Points to the oldest element
}

// NewRing creates a ring buffer with the specified capacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		data:     make([]Chunk, capacity),
		capacity: capacity,
	}
}

// Add appends a chunk, evicting the oldest if the buffer is full. Returns
// true when an eviction happened.
func (r *Ring) Add(c Chunk) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	r.data[r.head] = c
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	} else {
		// Buffer is full, move tail
		r.tail = (r.tail + 1) % r.capacity
		evicted = true
	}
	return evicted
}

// PeekOldest returns the oldest chunk without removing it.
func (r *Ring) PeekOldest() (Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return Chunk{}, false
	}
	return r.data[r.tail], true
}

// PopOldest removes and returns the oldest chunk.
func (r *Ring) PopOldest() (Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return Chunk{}, false
	}
	c := r.data[r.tail]
	r.data[r.tail] = Chunk{}
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return c, true
}

// DiscardOlderThan drops every chunk captured before the cutoff and reports
// how many were dropped. Chunks are ordered by capture time, so the scan
// stops at the first fresh one.
func (r *Ring) DiscardOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for r.size > 0 {
		if !r.data[r.tail].CapturedAt.Before(cutoff) {
			break
		}
		r.data[r.tail] = Chunk{}
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		dropped++
	}
	return dropped
}

// Len returns the current number of buffered chunks.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Clear empties the buffer.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = 0
	r.head = 0
	r.tail = 0
}
