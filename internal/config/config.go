// Package config loads and validates the recorder settings.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SEGMENTER_"

// MaxSegmentSamples caps sampling_rate × duration, the size of the buffer
// allocated per segment (512 MiB of int32 samples).
const MaxSegmentSamples = 1 << 27

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	BitDepth     int            `json:"bit_depth" env:"BIT_DEPTH, overwrite" validate:"oneof=16 32"`
	SamplingRate int            `json:"sampling_rate" env:"SAMPLING_RATE, overwrite" validate:"gt=0,lte=768000"`
	Duration     int            `json:"duration" env:"DURATION, overwrite" validate:"gt=0,lte=3600"` // seconds per segment
	Audio        AudioConfig    `json:"audio"`
	Storage      StorageConfig  `json:"storage"`
	Pipeline     PipelineConfig `json:"pipeline"`
	MetricsAddr  string         `json:"metrics_addr" env:"METRICS_ADDR, overwrite"` // empty disables /metrics
	LogLevel     string         `json:"log_level" env:"LOG_LEVEL, overwrite" validate:"oneof=trace debug info warn error"`
	LogFile      string         `json:"log_file" env:"LOG_FILE, overwrite"`
}

type AudioConfig struct {
	Backend         string `json:"backend" env:"BACKEND, overwrite" validate:"oneof=portaudio malgo"`
	FramesPerBuffer int    `json:"frames_per_buffer" env:"FRAMES_PER_BUFFER, overwrite" validate:"gte=0"`
}

type StorageConfig struct {
	Enabled   bool   `json:"enabled" env:"STORAGE_ENABLED, overwrite"`
	OutputDir string `json:"output_dir" env:"OUTPUT_DIR, overwrite" validate:"required"`
	Prefix    string `json:"prefix" env:"FILE_PREFIX, overwrite" validate:"required,excludesall=/"`
}

type PipelineConfig struct {
	DrainTimeout Duration `json:"drain_timeout" env:"DRAIN_TIMEOUT, overwrite" validate:"gt=0"`
	PollInterval Duration `json:"poll_interval" env:"POLL_INTERVAL, overwrite" validate:"gt=0"`
	// QueueLimit bounds the persistence queue with drop-oldest; 0 is unbounded.
	QueueLimit int `json:"queue_limit" env:"QUEUE_LIMIT, overwrite" validate:"gte=0"`
}

// Duration is a time.Duration written as "5s" in JSON and the environment.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// EnvDecode lets go-envconfig parse the variable directly.
func (d *Duration) EnvDecode(val string) error {
	return d.UnmarshalText([]byte(val))
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		BitDepth:     16,
		SamplingRate: 16000,
		Duration:     1,
		Audio: AudioConfig{
			Backend:         "portaudio",
			FramesPerBuffer: 0, // driver decides
		},
		Storage: StorageConfig{
			Enabled:   true,
			OutputDir: ".",
			Prefix:    "audio",
		},
		Pipeline: PipelineConfig{
			DrainTimeout: Duration{5 * time.Second},
			PollInterval: Duration{100 * time.Millisecond},
			QueueLimit:   0,
		},
		LogLevel: "info",
	}
}

// Load reads the config file at path (the platform default when empty) over
// the defaults, then applies SEGMENTER_* environment variables. A missing
// file is not an error. The result is not validated.
func Load(ctx context.Context, path string) (*Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	if path == "" {
		path = Path()
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// SegmentLength is the number of samples in one segment.
func (c *Config) SegmentLength() int {
	return c.SamplingRate * c.Duration
}

// Validate checks every field and returns a descriptive error wrapping
// ErrInvalid.
func (c *Config) Validate() error {
	var msgs []string

	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range verrs {
			msgs = append(msgs, describe(fe))
		}
	}

	if !segmentFits(c.SamplingRate, c.Duration) {
		msgs = append(msgs, fmt.Sprintf("segment of sampling_rate × duration (%d × %d) exceeds %d samples",
			c.SamplingRate, c.Duration, MaxSegmentSamples))
	}

	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// segmentFits reports whether rate × duration stays within
// MaxSegmentSamples without computing the product. Non-positive values are
// left to the field checks.
func segmentFits(rate, duration int) bool {
	if rate <= 0 || duration <= 0 {
		return true
	}
	return rate <= MaxSegmentSamples/duration
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(Duration); ok {
			return d.Duration
		}
		return nil
	}, Duration{})
	return v
}

func describe(fe validator.FieldError) string {
	name := fe.Namespace()
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}

	var rule string
	switch fe.Tag() {
	case "gt":
		rule = "must be greater than " + fe.Param()
	case "gte":
		rule = "must be at least " + fe.Param()
	case "lte":
		rule = "must be at most " + fe.Param()
	case "oneof":
		rule = "must be one of [" + fe.Param() + "]"
	case "required":
		rule = "is required"
	case "excludesall":
		rule = "must not contain any of " + fe.Param()
	default:
		rule = "failed " + fe.Tag() + " check"
	}

	return fmt.Sprintf("%s %s (got %v)", name, rule, fe.Value())
}

// Path returns the platform-specific config file path
func Path() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "mic-segmenter", "config.json")
}
