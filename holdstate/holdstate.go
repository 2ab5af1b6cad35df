// Package holdstate is the feed-hold flag shared between the segment
// preparer and the pulse executor's start-segment path: halting
// motion on feed hold means both "don't slice any more segments" and
// "don't start any more segments" have to see the same bit, without the
// preparer importing the executor or vice versa.
package holdstate

import "go.uber.org/atomic"

// Flag is safe for concurrent use; a nil *Flag is treated as never held by
// every Held() call site in this repository, so callers that don't care
// about feed hold can pass nil.
type Flag struct {
	held atomic.Bool
}

// Hold engages feed hold: rings stay intact, but neither new segments nor
// new segment-execution starts occur until Resume is called.
func (f *Flag) Hold() {
	if f == nil {
		return
	}
	f.held.Store(true)
}

// Resume is cycle start: consumption/production may continue.
func (f *Flag) Resume() {
	if f == nil {
		return
	}
	f.held.Store(false)
}

// Held reports the current state. A nil Flag is never held.
func (f *Flag) Held() bool {
	if f == nil {
		return false
	}
	return f.held.Load()
}
