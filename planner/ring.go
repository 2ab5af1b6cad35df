package planner

import (
	"sync"

	"cncmotion.dev/core/kinematics"
)

// DefaultCapacity is the commonly used look-ahead depth.
const DefaultCapacity = 16

// Ring is the bounded ring of planned blocks. blocks[tail] is the
// oldest (currently executing or about to be); plannedCount blocks starting
// at tail are frozen (already optimized); the rest, up to head, are open to
// replanning.
type Ring struct {
	mu sync.Mutex

	blocks []Block
	tail   int // index into blocks of the oldest entry
	count  int // number of occupied slots

	plannedCount int // blocks [0, plannedCount) from tail are frozen

	settings *kinematics.Store
	state    State
}

// New constructs a Ring of the given capacity bound to settings. settings
// is expected to have been constructed with a RingEmptyChecker that calls
// back into Empty() below.
func New(capacity int, settings *kinematics.Store) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		blocks:   make([]Block, capacity),
		settings: settings,
	}
}

func (r *Ring) idx(offset int) int {
	return (r.tail + offset) % len(r.blocks)
}

// Empty reports whether the ring currently holds no blocks. Safe to use as
// a kinematics.RingEmptyChecker.
func (r *Ring) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == 0
}

// Capacity is the ring's fixed slot count.
func (r *Ring) Capacity() int {
	return len(r.blocks)
}

// Fill returns (used, capacity) for status reporting.
func (r *Ring) Fill() (used, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count, len(r.blocks)
}

// SysPositionSteps returns the authoritative planner-side position in
// steps, for status and for seeding a fresh State after a reset.
func (r *Ring) SysPositionSteps(axis kinematics.AxisID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.SysPosition[axis]
}

// Reset clears the ring and reseeds sys_position, used by soft-reset and by
// tests.
func (r *Ring) Reset(sysPositionSteps [kinematics.NumAxes]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tail = 0
	r.count = 0
	r.plannedCount = 0
	r.state = State{SysPosition: sysPositionSteps}
}

// GetCurrentBlock returns a copy of the block at tail, or ok=false if
// empty.
func (r *Ring) GetCurrentBlock() (Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return Block{}, false
	}
	return r.blocks[r.tail], true
}

// PeekAt returns a copy of the block `offset` slots ahead of tail (0 is the
// current block), or ok=false if the ring doesn't hold that many blocks.
// Used by the segment preparer to read the next block's entry speed
// without discarding anything.
func (r *Ring) PeekAt(offset int) (Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < 0 || offset >= r.count {
		return Block{}, false
	}
	return r.blocks[r.idx(offset)], true
}

// DiscardCurrentBlock advances tail; must only be called once the preparer
// has emitted all segments for that block.
func (r *Ring) DiscardCurrentBlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return
	}
	r.tail = (r.tail + 1) % len(r.blocks)
	r.count--
	if r.plannedCount > 0 {
		r.plannedCount--
	}
}
