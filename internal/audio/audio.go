package audio

import (
	"errors"
	"strings"
	"time"
)

// ErrUnsupportedBitDepth is returned when a stream is opened with a sample
// width other than 16 or 32 bits.
var ErrUnsupportedBitDepth = errors.New("unsupported bit depth")

// Source defines the interface for a continuous capture device
type Source interface {
	// Open starts the stream. handler runs synchronously on the driver's
	// context for every delivered chunk and must not block.
	Open(cfg StreamConfig, handler ChunkHandler) error
	// Close stops the stream. No handler call is in flight once it returns.
	Close() error
	// Faults reports unrecoverable device failures after Open succeeded.
	Faults() <-chan error
}

// ChunkHandler receives each chunk together with the driver status flags
// observed for it.
type ChunkHandler func(chunk Chunk, status StreamStatus)

// StreamConfig describes the mono input stream to open.
type StreamConfig struct {
	SampleRate      int
	BitDepth        int
	FramesPerBuffer int
}

// Chunk is a block of samples as delivered by the driver.
// 16-bit captures are widened to int32 and keep their 16-bit range.
type Chunk struct {
	Seq     uint64
	Samples []int32
}

// Segment is a fixed-length slice of the capture stream, the unit of
// persistence.
type Segment struct {
	Seq         uint64
	Samples     []int32
	CompletedAt time.Time
}

// StreamStatus carries the anomalies a driver reported for a chunk.
type StreamStatus struct {
	InputOverflow  bool
	InputUnderflow bool
}

// OK reports whether the driver flagged nothing.
func (s StreamStatus) OK() bool {
	return !s.InputOverflow && !s.InputUnderflow
}

func (s StreamStatus) String() string {
	if s.OK() {
		return "ok"
	}
	var parts []string
	if s.InputOverflow {
		parts = append(parts, "input overflow")
	}
	if s.InputUnderflow {
		parts = append(parts, "input underflow")
	}
	return strings.Join(parts, ", ")
}
