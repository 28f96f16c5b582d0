package audio

import (
	"fmt"
	"time"
)

// AccumulatorStats is a snapshot of the accumulator counters.
type AccumulatorStats struct {
	SamplesAccepted uint64
	SegmentsEmitted uint64
}

// Accumulator cuts an arbitrarily chunked sample stream into segments of a
// fixed length. It performs no I/O and never blocks, so it can run inline on
// the capture callback. It is not safe for concurrent use: exactly one
// context may own it.
type Accumulator struct {
	size    int
	pending []int32
	stats   AccumulatorStats
	now     func() time.Time
}

// NewAccumulator returns an accumulator emitting segments of size samples.
func NewAccumulator(size int) (*Accumulator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", size)
	}
	return &Accumulator{
		size:    size,
		pending: make([]int32, 0, size),
		now:     time.Now,
	}, nil
}

// SegmentSize returns the configured segment length in samples.
func (a *Accumulator) SegmentSize() int {
	return a.size
}

// Accept appends chunk to the carried samples and returns every segment that
// became complete, oldest first. The chunk's slice is not retained.
func (a *Accumulator) Accept(chunk Chunk) []Segment {
	var out []Segment
	in := chunk.Samples
	a.stats.SamplesAccepted += uint64(len(in))

	for len(in) > 0 {
		n := copy(a.pending[len(a.pending):a.size], in)
		a.pending = a.pending[:len(a.pending)+n]
		in = in[n:]

		if len(a.pending) == a.size {
			out = append(out, Segment{
				Seq:         a.stats.SegmentsEmitted,
				Samples:     a.pending,
				CompletedAt: a.now(),
			})
			a.stats.SegmentsEmitted++
			a.pending = make([]int32, 0, a.size)
		}
	}

	return out
}

// Pending returns the number of carried samples, always below SegmentSize.
func (a *Accumulator) Pending() int {
	return len(a.pending)
}

// Leftover returns a copy of the carried samples.
func (a *Accumulator) Leftover() []int32 {
	out := make([]int32, len(a.pending))
	copy(out, a.pending)
	return out
}

// Reset drops the carried samples. Counters are kept.
func (a *Accumulator) Reset() {
	a.pending = a.pending[:0]
}

// Stats returns the running counters.
func (a *Accumulator) Stats() AccumulatorStats {
	return a.stats
}
