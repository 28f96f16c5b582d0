package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/mic-segmenter/internal/audio"
	"github.com/petems/mic-segmenter/internal/metrics"
	"github.com/petems/mic-segmenter/internal/queue"
)

// DefaultPollInterval bounds how long the worker waits on an empty queue
// before re-checking whether it is done.
const DefaultPollInterval = 500 * time.Millisecond

// WorkerConfig holds the worker's collaborators.
type WorkerConfig struct {
	Queue   *queue.Queue
	Writer  Writer
	Metrics *metrics.Metrics // optional
	Logger  zerolog.Logger
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Worker drains the queue into the writer.
type Worker struct {
	queue   *queue.Queue
	writer  Writer
	metrics *metrics.Metrics
	log     zerolog.Logger
	poll    time.Duration

	mu        sync.Mutex
	inFlight  bool
	abandoned bool
}

func NewWorker(cfg WorkerConfig) *Worker {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Worker{
		queue:   cfg.Queue,
		writer:  cfg.Writer,
		metrics: m,
		log:     cfg.Logger,
		poll:    poll,
	}
}

// Run writes segments until the queue is closed and empty, or until
// Abandon. Closing the queue is the only way to end a normal run: a capture
// callback still in flight may push after the operator asked to stop, so
// the owner closes the queue once the source is closed.
func (w *Worker) Run() {
	for !w.queue.Drained() {
		seg, ok, stop := w.next()
		if stop {
			w.log.Debug().Int("pending", w.queue.Len()).Msg("Storage worker abandoned")
			return
		}
		if !ok {
			continue
		}
		w.metrics.QueueDepth.Set(float64(w.queue.Len()))
		w.persist(seg)
	}
	w.log.Debug().Msg("Storage worker finished")
}

// next pops under the worker lock so that Abandon sees either the segment
// still queued or the write in flight, never neither.
func (w *Worker) next() (seg audio.Segment, ok, stop bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.abandoned {
		return audio.Segment{}, false, true
	}
	seg, ok = w.queue.Pop(w.poll)
	w.inFlight = ok
	return seg, ok, false
}

// finish clears the in-flight mark and reports whether the worker was
// abandoned while writing.
func (w *Worker) finish() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = false
	return w.abandoned
}

// Abandon stops the worker from taking more segments and returns the number
// of writes in progress (0 or 1). The caller owns the accounting of those
// and of everything left in the queue. Abandon may wait up to one poll
// interval.
func (w *Worker) Abandon() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.abandoned = true
	if w.inFlight {
		return 1
	}
	return 0
}

// persist writes one segment. Failures are logged and counted; the worker
// carries on with the next segment.
func (w *Worker) persist(seg audio.Segment) {
	start := time.Now()
	res, err := w.writer.Write(seg)

	if w.finish() {
		w.log.Warn().Err(err).Uint64("segment", seg.Seq).Msg("Write finished after the drain deadline")
		return
	}

	if err != nil {
		w.metrics.WriteFailures.Inc()
		w.log.Error().Err(err).Uint64("segment", seg.Seq).Msg("Failed to save segment")
		return
	}

	w.metrics.ObserveWrite(res.Size, time.Since(start))
	w.log.Info().
		Str("file", res.Path).
		Float64("size_kb", float64(res.Size)/1024).
		Int64("size_bytes", res.Size).
		Uint64("segment", seg.Seq).
		Msg("[SAVED]")
}
