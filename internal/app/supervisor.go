// Package app wires capture, queue and storage together and owns the
// shutdown sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/mic-segmenter/internal/audio"
	"github.com/petems/mic-segmenter/internal/config"
	"github.com/petems/mic-segmenter/internal/control"
	"github.com/petems/mic-segmenter/internal/metrics"
	"github.com/petems/mic-segmenter/internal/queue"
	"github.com/petems/mic-segmenter/internal/storage"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrDeviceOpen    = errors.New("failed to open capture device")
	ErrDeviceFault   = errors.New("capture device fault")
	ErrDrainTimeout  = errors.New("drain timed out")
)

type State int32

const (
	Initializing State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result summarises a finished run.
type Result struct {
	State State
	// Clean is true when the run ended on request and drained in time.
	Clean     bool
	Lost      uint64
	Written   uint64
	Failed    uint64
	Discarded uint64
}

type Config struct {
	Settings *config.Config
	Source   audio.Source
	// Queue is optional; by default one is built from Settings.Pipeline.
	Queue   *queue.Queue
	Writer  storage.Writer
	Flags   *control.Flags
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type Supervisor struct {
	settings *config.Config
	source   audio.Source
	queue    *queue.Queue
	writer   storage.Writer
	flags    *control.Flags
	metrics  *metrics.Metrics
	log      zerolog.Logger

	state atomic.Int32
}

// New creates a supervisor. Nothing is started until Run.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Settings == nil || cfg.Source == nil || cfg.Writer == nil || cfg.Flags == nil {
		return nil, errors.New("app: settings, source, writer and flags are required")
	}

	m := cfg.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &Supervisor{
		settings: cfg.Settings,
		source:   cfg.Source,
		queue:    cfg.Queue,
		writer:   cfg.Writer,
		flags:    cfg.Flags,
		metrics:  m,
		log:      cfg.Logger,
	}, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug().Str("state", st.String()).Msg("Supervisor state")
}

// Run records until the stop flag is set, ctx is cancelled or the device
// fails, then drains the queue. Configuration is validated before any
// device is opened or goroutine started.
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	s.setState(Initializing)

	if err := s.settings.Validate(); err != nil {
		s.setState(Stopped)
		return s.result(false), fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	acc, err := audio.NewAccumulator(s.settings.SegmentLength())
	if err != nil {
		s.setState(Stopped)
		return s.result(false), fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if s.queue == nil {
		s.queue = queue.New(
			queue.WithLimit(s.settings.Pipeline.QueueLimit),
			queue.WithDropFunc(s.onDrop),
		)
	}

	worker := storage.NewWorker(storage.WorkerConfig{
		Queue:        s.queue,
		Writer:       s.writer,
		Metrics:      s.metrics,
		Logger:       s.log,
		PollInterval: s.settings.Pipeline.PollInterval.Duration,
	})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run()
	}()

	capture := newCapturePath(acc, s.queue, s.flags, s.metrics, s.log)
	streamCfg := audio.StreamConfig{
		SampleRate:      s.settings.SamplingRate,
		BitDepth:        s.settings.BitDepth,
		FramesPerBuffer: s.settings.Audio.FramesPerBuffer,
	}
	if err := s.source.Open(streamCfg, capture.handle); err != nil {
		s.flags.Stop()
		s.queue.Close()
		<-workerDone
		s.setState(Stopped)
		return s.result(false), fmt.Errorf("%w: %w", ErrDeviceOpen, err)
	}

	s.setState(Running)
	s.log.Info().
		Int("sampling_rate", s.settings.SamplingRate).
		Int("bit_depth", s.settings.BitDepth).
		Int("duration", s.settings.Duration).
		Bool("storage", s.flags.StorageEnabled()).
		Msg("Recording started (press 'q' to stop, 'p' to toggle storage)")

	runErr := s.wait(ctx)

	s.setState(Draining)
	if err := s.source.Close(); err != nil {
		s.log.Error().Err(err).Msg("Failed to close capture source")
	}
	s.flags.Stop()
	s.queue.Close()

	if n := capture.pending(); n > 0 {
		s.log.Debug().Int("samples", n).Msg("Discarding incomplete trailing segment")
	}

	drainErr := s.drain(worker, workerDone)
	s.setState(Stopped)

	res := s.result(runErr == nil && drainErr == nil)
	s.log.Info().
		Uint64("written", res.Written).
		Uint64("failed", res.Failed).
		Uint64("discarded", res.Discarded).
		Uint64("lost", res.Lost).
		Msg("Recording stopped")

	return res, errors.Join(runErr, drainErr)
}

// wait polls the stop flag until it clears, ctx ends or the source faults.
func (s *Supervisor) wait(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.Pipeline.PollInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Context cancelled, stopping")
			return nil
		case err := <-s.source.Faults():
			s.log.Error().Err(err).Msg("Capture device failed")
			return fmt.Errorf("%w: %w", ErrDeviceFault, err)
		case <-ticker.C:
			if !s.flags.Recording() {
				return nil
			}
		}
	}
}

// drain waits up to the drain timeout for the worker. On timeout the worker
// is abandoned: the segment it is writing and everything still queued are
// counted as lost. The abandoned write never produces a final file name
// unless it completes.
func (s *Supervisor) drain(worker *storage.Worker, workerDone <-chan struct{}) error {
	timeout := s.settings.Pipeline.DrainTimeout.Duration
	s.log.Info().Int("pending", s.queue.Len()).Dur("timeout", timeout).Msg("Draining queue")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-workerDone:
		return nil
	case <-timer.C:
	}

	lost := uint64(worker.Abandon())
	for {
		seg, ok := s.queue.Pop(0)
		if !ok {
			break
		}
		lost++
		s.log.Warn().Uint64("segment", seg.Seq).Msg("Segment lost on shutdown")
	}
	if lost == 0 {
		// the last write completed as the timer fired
		return nil
	}
	s.metrics.SegmentsLost.Add(float64(lost))
	s.metrics.QueueDepth.Set(0)

	return fmt.Errorf("%w after %s: %d segment(s) lost", ErrDrainTimeout, timeout, lost)
}

func (s *Supervisor) onDrop(seg audio.Segment) {
	s.metrics.SegmentsDropped.Inc()
	s.log.Warn().Uint64("segment", seg.Seq).Msg("Queue full, dropped oldest segment")
}

func (s *Supervisor) result(clean bool) Result {
	sum := s.metrics.Snapshot()
	return Result{
		State:     s.State(),
		Clean:     clean,
		Lost:      sum.Lost,
		Written:   sum.Written,
		Failed:    sum.Failed,
		Discarded: sum.Discarded,
	}
}
