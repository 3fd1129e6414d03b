// Package backpressure bounds the number of encoded units that may be in
// flight to the network at once. The capture path consults the gate before
// encoding, the send path reserves a slot per unit, and the network
// completion path releases it. A saturated gate drops immediately; nothing
// ever waits.
package backpressure

import "sync"

// Ceiling bounds for the in-flight limit.
const (
	MinLimit     = 1
	MaxLimit     = 4
	DefaultLimit = 2
)

// Gate is the bounded in-flight admission controller. The in-flight count
// never goes negative and never exceeds the limit; both the early encode
// gate and the authoritative send reservation go through the same mutex so
// no interleaving can push the count past the ceiling.
//
// Reservations are tagged with the session generation active at admission
// time. A release carrying a stale generation is ignored, which cleanly
// discards completions from a just-stopped session instead of corrupting
// the counter of the next one.
type Gate struct {
	mu         sync.Mutex
	count      int
	limit      int
	generation uint64
	drops      int
	totalDrops int
}

// NewGate creates a gate with the given in-flight ceiling, clamped to
// [MinLimit, MaxLimit].
func NewGate(limit int) *Gate {
	return &Gate{limit: clampLimit(limit)}
}

func clampLimit(n int) int {
	if n < MinLimit {
		return MinLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Reset rebinds the gate to a new session generation and zeroes the
// in-flight and drop counters. Called from start(); outstanding releases
// from the previous generation become no-ops.
func (g *Gate) Reset(generation uint64, limit int) {
	g.mu.Lock()
	g.generation = generation
	g.count = 0
	g.drops = 0
	g.totalDrops = 0
	g.limit = clampLimit(limit)
	g.mu.Unlock()
}

// SetLimit applies a new in-flight ceiling as a live tweak. An in-flight
// count above a lowered ceiling drains naturally through releases.
func (g *Gate) SetLimit(n int) {
	g.mu.Lock()
	g.limit = clampLimit(n)
	g.mu.Unlock()
}

// AdmitEncode is the early gate, evaluated before encode work is spent on a
// frame that would be dropped at send time anyway. It performs the same
// saturation check as Reserve without reserving. A rejected frame counts
// toward the drop window.
func (g *Gate) AdmitEncode() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count >= g.limit {
		g.drops++
		g.totalDrops++
		return false
	}
	return true
}

// Reserve is the authoritative admission check, called once a unit is ready
// to send. On success it increments the in-flight count and returns the
// generation stamp the eventual release must carry. On saturation it counts
// a drop and returns false; the caller must discard the unit.
func (g *Gate) Reserve() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count >= g.limit {
		g.drops++
		g.totalDrops++
		return 0, false
	}
	g.count++
	return g.generation, true
}

// Release returns one in-flight slot. Releases stamped with a stale
// generation are ignored; the count never goes below zero.
func (g *Gate) Release(generation uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if generation != g.generation {
		return
	}
	if g.count > 0 {
		g.count--
	}
}

// InFlight returns the current in-flight count.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// TakeDrops returns the number of frames dropped since the last call and
// resets the window. Consumed only by the adaptive controller tick.
func (g *Gate) TakeDrops() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.drops
	g.drops = 0
	return n
}

// DropsTotal returns the cumulative drop count for the current generation.
// Reading it does not disturb the adaptation window.
func (g *Gate) DropsTotal() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalDrops
}
