// Package prep is the segment preparer: a state machine that slices the
// block at the planner tail into short fixed-length segments, computing a
// per-segment step count and pulse period, and publishing them to a
// bounded segment ring.
package prep

import (
	"sync"

	"github.com/google/uuid"

	"cncmotion.dev/core/kinematics"
)

// Segment is one segment-ring entry: a short, constant-velocity slice of a
// planner block, ready for the executor to run.
type Segment struct {
	NStep                uint32
	Steps                [kinematics.NumAxes]uint32
	BresenhamCounterInit [kinematics.NumAxes]uint32
	DirectionBits        uint8
	PeriodCounts         uint16
	OwningBlockID        uuid.UUID
}

// DefaultCapacity is a commonly sufficient segment ring depth: a few
// segments' worth of runway at the default 2mm segment length.
const DefaultCapacity = 8

// Ring is the single-producer (preparer), single-consumer (executor)
// segment ring.
type Ring struct {
	mu      sync.Mutex
	entries []Segment
	tail    int
	count   int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Segment, capacity)}
}

func (r *Ring) Fill() (used, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count, len(r.entries)
}

// Push appends a segment; ok=false if the ring is full. Never blocks.
func (r *Ring) Push(s Segment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.entries) {
		return false
	}
	r.entries[(r.tail+r.count)%len(r.entries)] = s
	r.count++
	return true
}

// Pop removes and returns the oldest segment; ok=false if empty.
func (r *Ring) Pop() (Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return Segment{}, false
	}
	s := r.entries[r.tail]
	r.tail = (r.tail + 1) % len(r.entries)
	r.count--
	return s, true
}

// Clear discards every queued segment, used by the soft-reset path
// alongside planner.Ring.Reset.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tail = 0
	r.count = 0
}
