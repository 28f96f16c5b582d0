package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/petems/mic-segmenter/internal/app"
	"github.com/petems/mic-segmenter/internal/config"
)

type recordFunc func(ctx context.Context, cfg *config.Config) error

// options mirrors the command line. Only flags the user actually set are
// applied on top of the file and environment configuration.
type options struct {
	configPath   string
	bitDepth     int
	samplingRate int
	duration     int
	backend      string
	outputDir    string
	prefix       string
	storage      bool
	drainTimeout time.Duration
	queueLimit   int
	metricsAddr  string
	logLevel     string
	logFile      string
}

func newRootCommand(run recordFunc) *cobra.Command {
	opts := &options{}
	def := config.Default()

	rootCmd := &cobra.Command{
		Use:           "mic-segmenter",
		Short:         "Record the microphone into fixed-length WAV segments",
		Long:          "Capture the default input device and save every completed segment as a WAV file.\nPress 'q' to stop and 'p' to toggle saving while recording.",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	})

	// Persistent so the config subcommands see the same overrides
	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "Path to the JSON config file (default "+config.Path()+")")
	f.IntVar(&opts.bitDepth, "bit-depth", def.BitDepth, "Sample width in bits (16 or 32)")
	f.IntVar(&opts.samplingRate, "sampling-rate", def.SamplingRate, "Sampling rate in Hz")
	f.IntVar(&opts.duration, "duration", def.Duration, "Segment length in seconds")
	f.StringVar(&opts.backend, "backend", def.Audio.Backend, "Capture backend (portaudio or malgo)")
	f.StringVar(&opts.outputDir, "output-dir", def.Storage.OutputDir, "Directory for WAV files")
	f.StringVar(&opts.prefix, "prefix", def.Storage.Prefix, "File name prefix")
	f.BoolVar(&opts.storage, "storage", def.Storage.Enabled, "Save segments from the start")
	f.DurationVar(&opts.drainTimeout, "drain-timeout", def.Pipeline.DrainTimeout.Duration, "How long to wait for pending writes on shutdown")
	f.IntVar(&opts.queueLimit, "queue-limit", def.Pipeline.QueueLimit, "Bound the write queue, dropping the oldest segment when full (0 = unbounded)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", def.MetricsAddr, "Serve Prometheus metrics on this address")
	f.StringVar(&opts.logLevel, "log-level", def.LogLevel, "Log level (trace, debug, info, warn, error)")
	f.StringVar(&opts.logFile, "log-file", def.LogFile, "Also append logs to this file")

	rootCmd.AddCommand(configCommand(opts))
	return rootCmd
}

func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}
	applyFlags(cmd, opts, cfg)
	return cfg, nil
}

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}

	set("bit-depth", func() { cfg.BitDepth = opts.bitDepth })
	set("sampling-rate", func() { cfg.SamplingRate = opts.samplingRate })
	set("duration", func() { cfg.Duration = opts.duration })
	set("backend", func() { cfg.Audio.Backend = opts.backend })
	set("output-dir", func() { cfg.Storage.OutputDir = opts.outputDir })
	set("prefix", func() { cfg.Storage.Prefix = opts.prefix })
	set("storage", func() { cfg.Storage.Enabled = opts.storage })
	set("drain-timeout", func() { cfg.Pipeline.DrainTimeout = config.Duration{Duration: opts.drainTimeout} })
	set("queue-limit", func() { cfg.Pipeline.QueueLimit = opts.queueLimit })
	set("metrics-addr", func() { cfg.MetricsAddr = opts.metricsAddr })
	set("log-level", func() { cfg.LogLevel = opts.logLevel })
	set("log-file", func() { cfg.LogFile = opts.logFile })
}

func configCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or persist the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Validate the merged configuration and write it to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
			}
			path := opts.configPath
			if path == "" {
				path = config.Path()
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
			return nil
		},
	})

	return cmd
}
