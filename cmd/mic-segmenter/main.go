package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/petems/mic-segmenter/internal/app"
	"github.com/petems/mic-segmenter/internal/audio"
	"github.com/petems/mic-segmenter/internal/config"
	"github.com/petems/mic-segmenter/internal/control"
	"github.com/petems/mic-segmenter/internal/logging"
	"github.com/petems/mic-segmenter/internal/metrics"
	"github.com/petems/mic-segmenter/internal/permissions"
	"github.com/petems/mic-segmenter/internal/storage"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

func execute(ctx context.Context, args []string) int {
	root := newRootCommand(record)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err != nil {
		log := logging.Fallback()
		log.Error().Err(err).Msg("mic-segmenter failed")
	}
	return exitCode(err)
}

// exitCode maps a run error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, app.ErrInvalidConfig):
		return 2
	case errors.Is(err, app.ErrDeviceOpen):
		return 3
	case errors.Is(err, app.ErrDeviceFault):
		return 4
	case errors.Is(err, app.ErrDrainTimeout):
		return 5
	default:
		return 1
	}
}

// record captures from the microphone until the operator stops it.
func record(ctx context.Context, cfg *config.Config) error {
	// Nothing is acquired before the settings are known to be valid
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}

	log, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}
	defer closer.Close()

	log.Info().Str("version", Version).Str("commit", Commit).Msg("mic-segmenter starting...")

	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsureMicrophone(); err != nil {
		return fmt.Errorf("%w: %w", app.ErrDeviceOpen, err)
	}

	source, err := audio.NewSource(cfg.Audio.Backend, log)
	if err != nil {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}

	writer, err := storage.NewWAVWriter(afero.NewOsFs(), storage.WAVOptions{
		Dir:        cfg.Storage.OutputDir,
		Prefix:     cfg.Storage.Prefix,
		SampleRate: cfg.SamplingRate,
		BitDepth:   cfg.BitDepth,
	})
	if err != nil {
		return fmt.Errorf("failed to prepare output directory: %w", err)
	}

	m, err := metrics.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint stopped")
			}
		}()
	}

	flags := control.NewFlags(cfg.Storage.Enabled)
	control.NotifySignals(ctx, flags, log)

	// The listener may stay blocked on stdin after recording ends; it is
	// not joined.
	listener := control.NewListener(os.Stdin, flags, log)
	defer listener.Close()
	go func() {
		if err := listener.Run(); err != nil {
			log.Warn().Err(err).Msg("Keyboard control unavailable")
		}
	}()

	sup, err := app.New(app.Config{
		Settings: cfg,
		Source:   source,
		Writer:   writer,
		Flags:    flags,
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	res, err := sup.Run(ctx)
	if err == nil {
		log.Info().Str("output_dir", writer.Dir()).Uint64("files", res.Written).Msg("Recording saved")
	}
	return err
}
