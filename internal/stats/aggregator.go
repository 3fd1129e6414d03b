// Package stats aggregates send-path counters into a once-per-second
// fps/throughput snapshot for the status surface. It never blocks the data
// path: recording a sent buffer is two atomic adds.
package stats

import (
	"context"
	"sync/atomic"
	"time"
)

// WindowInterval is the fixed aggregation window.
const WindowInterval = time.Second

// Snapshot is the per-window telemetry emitted once per second.
type Snapshot struct {
	FPS            int     `json:"fps"`
	ThroughputMbps float64 `json:"throughputMbps"`
}

// Aggregator counts successfully sent wire buffers in a fixed one-second
// window and emits a Snapshot at each window boundary.
type Aggregator struct {
	frames atomic.Int64
	bytes  atomic.Int64
	emit   func(Snapshot)
}

// NewAggregator creates an aggregator that delivers each window snapshot to
// emit. The callback runs on the aggregator's tick goroutine and must not
// block.
func NewAggregator(emit func(Snapshot)) *Aggregator {
	return &Aggregator{emit: emit}
}

// Record adds one sent wire buffer of n bytes to the current window.
func (a *Aggregator) Record(n int) {
	a.frames.Add(1)
	a.bytes.Add(int64(n))
}

// Run emits a snapshot every window interval until ctx is cancelled.
// Counters are zeroed at each boundary.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(WindowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.emit(a.take())
		}
	}
}

// take swaps out the window counters and converts them to a snapshot.
func (a *Aggregator) take() Snapshot {
	frames := a.frames.Swap(0)
	bytes := a.bytes.Swap(0)
	return Snapshot{
		FPS:            int(frames),
		ThroughputMbps: float64(bytes) * 8 / 1_000_000,
	}
}
