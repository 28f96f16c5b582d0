package app

import (
	"github.com/rs/zerolog"

	"github.com/petems/mic-segmenter/internal/audio"
	"github.com/petems/mic-segmenter/internal/control"
	"github.com/petems/mic-segmenter/internal/metrics"
	"github.com/petems/mic-segmenter/internal/queue"
)

// capturePath runs on the driver's callback context. It must not block:
// accumulating, pushing onto the queue and bumping counters are all
// non-blocking.
type capturePath struct {
	acc     *audio.Accumulator
	queue   *queue.Queue
	flags   *control.Flags
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func newCapturePath(acc *audio.Accumulator, q *queue.Queue, flags *control.Flags, m *metrics.Metrics, log zerolog.Logger) *capturePath {
	return &capturePath{
		acc:     acc,
		queue:   q,
		flags:   flags,
		metrics: m,
		log:     log,
	}
}

// handle is the audio.ChunkHandler given to the source.
func (c *capturePath) handle(chunk audio.Chunk, status audio.StreamStatus) {
	if !status.OK() {
		c.observeStatus(chunk, status)
	}

	for _, seg := range c.acc.Accept(chunk) {
		c.metrics.SegmentsEmitted.Inc()

		if !c.flags.StorageEnabled() {
			c.metrics.SegmentsDiscarded.Inc()
			c.log.Debug().Uint64("segment", seg.Seq).Msg("Storage disabled, segment discarded")
			continue
		}

		if !c.queue.Push(seg) {
			// only reachable if the source delivers after Close
			c.metrics.SegmentsLost.Inc()
			c.log.Warn().Uint64("segment", seg.Seq).Msg("Queue closed, segment lost")
			continue
		}
		c.metrics.SegmentsQueued.Inc()
		c.metrics.QueueDepth.Set(float64(c.queue.Len()))
	}
}

func (c *capturePath) observeStatus(chunk audio.Chunk, status audio.StreamStatus) {
	if status.InputOverflow {
		c.metrics.ObserveStatus("input_overflow")
	}
	if status.InputUnderflow {
		c.metrics.ObserveStatus("input_underflow")
	}
	c.log.Warn().Str("status", status.String()).Uint64("chunk", chunk.Seq).Msg("Capture status")
}

// pending is only safe to call once the source is closed.
func (c *capturePath) pending() int {
	return c.acc.Pending()
}
