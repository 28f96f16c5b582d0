package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petems/mic-segmenter/internal/audio"
	"github.com/petems/mic-segmenter/internal/config"
	"github.com/petems/mic-segmenter/internal/control"
	"github.com/petems/mic-segmenter/internal/metrics"
	"github.com/petems/mic-segmenter/internal/storage"
)

type runResult struct {
	res Result
	err error
}

type fixture struct {
	settings *config.Config
	source   *fakeSource
	flags    *control.Flags
	metrics  *metrics.Metrics
	fs       afero.Fs
	sup      *Supervisor
}

func testSettings() *config.Config {
	cfg := config.Default()
	cfg.Storage.OutputDir = "/out"
	cfg.Pipeline.PollInterval = config.Duration{Duration: 5 * time.Millisecond}
	cfg.Pipeline.DrainTimeout = config.Duration{Duration: 2 * time.Second}
	return cfg
}

func newFixture(t *testing.T, settings *config.Config, writer storage.Writer) *fixture {
	t.Helper()
	m, err := metrics.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	fx := &fixture{
		settings: settings,
		source:   newFakeSource(),
		flags:    control.NewFlags(settings.Storage.Enabled),
		metrics:  m,
		fs:       afero.NewMemMapFs(),
	}
	if writer == nil {
		writer, err = storage.NewWAVWriter(fx.fs, storage.WAVOptions{
			Dir:        settings.Storage.OutputDir,
			Prefix:     settings.Storage.Prefix,
			SampleRate: 16000,
			BitDepth:   16,
		})
		require.NoError(t, err)
	}

	fx.sup, err = New(Config{
		Settings: settings,
		Source:   fx.source,
		Writer:   writer,
		Flags:    fx.flags,
		Metrics:  m,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return fx
}

// start runs the supervisor and waits for the source to be opened.
func (fx *fixture) start(t *testing.T, ctx context.Context) <-chan runResult {
	t.Helper()
	done := make(chan runResult, 1)
	go func() {
		res, err := fx.sup.Run(ctx)
		done <- runResult{res, err}
	}()

	select {
	case <-fx.source.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("source was never opened")
	}
	require.Eventually(t, func() bool { return fx.sup.State() == Running }, time.Second, time.Millisecond)
	return done
}

func awaitResult(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
		return runResult{}
	}
}

func wavFiles(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	files, err := afero.Glob(fs, "/out/*.wav")
	require.NoError(t, err)
	return files
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Settings: config.Default()})
	assert.Error(t, err)
}

func TestNewDefaultsMetrics(t *testing.T) {
	sup, err := New(Config{
		Settings: testSettings(),
		Source:   newFakeSource(),
		Writer:   &blockingWriter{},
		Flags:    control.NewFlags(true),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.NotNil(t, sup.metrics)
}

func TestOneSecondProducesOneFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fx := newFixture(t, testSettings(), nil)
	done := fx.start(t, context.Background())

	input := samplesOf(16000)
	for off := 0; off < len(input); off += 1024 {
		end := min(off+1024, len(input))
		require.True(t, fx.source.Emit(input[off:end], audio.StreamStatus{}))
	}
	fx.flags.Stop()

	r := awaitResult(t, done)
	require.NoError(t, r.err)
	assert.True(t, r.res.Clean)
	assert.Equal(t, Stopped, r.res.State)
	assert.Equal(t, uint64(1), r.res.Written)
	assert.True(t, fx.source.Closed())
	assert.Equal(t, audio.StreamConfig{SampleRate: 16000, BitDepth: 16}, fx.source.cfg)

	files := wavFiles(t, fx.fs)
	require.Len(t, files, 1)

	f, err := fx.fs.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(16000), d.SampleRate)
	assert.Equal(t, uint16(16), d.BitDepth)
	assert.Equal(t, uint16(1), d.NumChans)
	require.Len(t, buf.Data, 16000)
	for i, v := range buf.Data {
		if v != int(input[i]) {
			t.Fatalf("sample %d: got %d, want %d", i, v, input[i])
		}
	}
}

func TestInvalidConfigStartsNothing(t *testing.T) {
	cases := map[string]func(*config.Config){
		"zero sampling rate": func(c *config.Config) { c.SamplingRate = 0 },
		"negative duration":  func(c *config.Config) { c.Duration = -1 },
		"bad bit depth":      func(c *config.Config) { c.BitDepth = 24 },
		"oversized segment": func(c *config.Config) {
			c.SamplingRate, c.Duration = 1000000000, 1000000
		},
		"segment over budget": func(c *config.Config) {
			c.SamplingRate, c.Duration = 768000, 3600
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			settings := testSettings()
			mutate(settings)
			fx := newFixture(t, settings, &blockingWriter{})

			res, err := fx.sup.Run(context.Background())
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorIs(t, err, config.ErrInvalid)
			assert.False(t, res.Clean)
			assert.Equal(t, Stopped, res.State)
			assert.Zero(t, fx.source.OpenCalls(), "no device stream may be opened")
		})
	}
}

func TestDeviceOpenFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fx := newFixture(t, testSettings(), nil)
	fx.source.openErr = errors.New("no default input device")

	res, err := fx.sup.Run(context.Background())
	require.ErrorIs(t, err, ErrDeviceOpen)
	assert.False(t, res.Clean)
	assert.Equal(t, Stopped, res.State)
	assert.Empty(t, wavFiles(t, fx.fs))
}

func TestDeviceFaultDrainsQueuedSegments(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	settings := testSettings()
	settings.SamplingRate = 100
	fx := newFixture(t, settings, nil)
	done := fx.start(t, context.Background())

	fx.source.Emit(samplesOf(300), audio.StreamStatus{})
	fx.source.faults <- audio.ErrDeviceStopped

	r := awaitResult(t, done)
	require.ErrorIs(t, r.err, ErrDeviceFault)
	assert.ErrorIs(t, r.err, audio.ErrDeviceStopped)
	assert.False(t, r.res.Clean)
	assert.Equal(t, uint64(3), r.res.Written)
	assert.Len(t, wavFiles(t, fx.fs), 3)
}

func TestContextCancelStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fx := newFixture(t, testSettings(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := fx.start(t, ctx)

	cancel()

	r := awaitResult(t, done)
	require.NoError(t, r.err)
	assert.True(t, r.res.Clean)
	assert.False(t, fx.flags.Recording())
}

func TestStorageDisabledDiscardsSegments(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	settings := testSettings()
	settings.SamplingRate = 100
	settings.Storage.Enabled = false
	fx := newFixture(t, settings, nil)
	done := fx.start(t, context.Background())

	fx.source.Emit(samplesOf(250), audio.StreamStatus{})
	fx.flags.Stop()

	r := awaitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, uint64(2), r.res.Discarded)
	assert.Zero(t, r.res.Written)
	assert.Empty(t, wavFiles(t, fx.fs))
}

func TestDrainTimeoutReportsLostSegments(t *testing.T) {
	settings := testSettings()
	settings.SamplingRate = 100
	settings.Pipeline.DrainTimeout = config.Duration{Duration: 50 * time.Millisecond}

	writer := newBlockingWriter()
	fx := newFixture(t, settings, writer)
	done := fx.start(t, context.Background())

	fx.source.Emit(samplesOf(300), audio.StreamStatus{})
	<-writer.entered
	fx.flags.Stop()

	r := awaitResult(t, done)
	require.ErrorIs(t, r.err, ErrDrainTimeout)
	assert.False(t, r.res.Clean)
	// the segment being written counts as lost along with the two queued
	assert.Equal(t, uint64(3), r.res.Lost)
	assert.Zero(t, r.res.Written)

	// a write completing after the deadline is not reported as saved
	close(writer.release)
	time.Sleep(20 * time.Millisecond)
	sum := fx.metrics.Snapshot()
	assert.Equal(t, uint64(3), sum.Lost)
	assert.Zero(t, sum.Written)
}

func TestBoundedQueueDropsOldest(t *testing.T) {
	settings := testSettings()
	settings.SamplingRate = 100
	settings.Pipeline.QueueLimit = 1
	settings.Pipeline.DrainTimeout = config.Duration{Duration: time.Second}

	writer := newBlockingWriter()
	fx := newFixture(t, settings, writer)
	done := fx.start(t, context.Background())

	// first segment parks the worker, the next three contend for one slot
	fx.source.Emit(samplesOf(100), audio.StreamStatus{})
	<-writer.entered
	fx.source.Emit(samplesOf(300), audio.StreamStatus{})
	fx.flags.Stop()
	close(writer.release)

	r := awaitResult(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, uint64(2), fx.metrics.Snapshot().Dropped)
	assert.Equal(t, uint64(2), r.res.Written)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
