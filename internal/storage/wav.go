package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	segaudio "github.com/petems/mic-segmenter/internal/audio"
)

const timestampLayout = "20060102_150405"

// PartialSuffix marks a file still being encoded. Only complete files carry
// the .wav name.
const PartialSuffix = ".part"

// WAVOptions configures a WAVWriter.
type WAVOptions struct {
	Dir        string
	Prefix     string
	SampleRate int
	BitDepth   int
}

// WAVWriter encodes segments as mono PCM WAV files.
type WAVWriter struct {
	fs   afero.Fs
	opts WAVOptions
	now  func() time.Time
}

// NewWAVWriter creates a writer on fs. The output directory is created if it
// doesn't exist.
func NewWAVWriter(fs afero.Fs, opts WAVOptions) (*WAVWriter, error) {
	if opts.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", opts.SampleRate)
	}
	if opts.BitDepth != 16 && opts.BitDepth != 32 {
		return nil, fmt.Errorf("%w: %d", segaudio.ErrUnsupportedBitDepth, opts.BitDepth)
	}
	if opts.Prefix == "" {
		opts.Prefix = "audio"
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}

	if err := fs.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	return &WAVWriter{fs: fs, opts: opts, now: time.Now}, nil
}

// Dir returns the output directory.
func (w *WAVWriter) Dir() string {
	return w.opts.Dir
}

func (w *WAVWriter) Write(seg segaudio.Segment) (Result, error) {
	f, path, err := w.create()
	if err != nil {
		return Result{}, err
	}
	part := path + PartialSuffix

	if err := w.encode(f, seg); err != nil {
		_ = f.Close()
		_ = w.fs.Remove(part)
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		_ = w.fs.Remove(part)
		return Result{}, fmt.Errorf("close %s: %w", path, err)
	}

	if err := w.fs.Rename(part, path); err != nil {
		_ = w.fs.Remove(part)
		return Result{}, fmt.Errorf("finalize %s: %w", path, err)
	}

	info, err := w.fs.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}

	return Result{Path: path, Size: info.Size()}, nil
}

// create opens the partial file for a new name based on the current time and
// returns the final path. A name that is already taken gets a random suffix
// instead of being overwritten.
func (w *WAVWriter) create() (afero.File, string, error) {
	now := w.now()
	stamp := fmt.Sprintf("%s_%06d", now.Format(timestampLayout), now.Nanosecond()/1000)

	path := filepath.Join(w.opts.Dir, fmt.Sprintf("%s_%s.wav", w.opts.Prefix, stamp))
	f, err := w.openExclusive(path)
	if err == nil {
		return f, path, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, "", fmt.Errorf("create %s: %w", path, err)
	}

	suffix := uuid.NewString()[:8]
	path = filepath.Join(w.opts.Dir, fmt.Sprintf("%s_%s_%s.wav", w.opts.Prefix, stamp, suffix))
	f, err = w.openExclusive(path)
	if err != nil {
		return nil, "", fmt.Errorf("create %s: %w", path, err)
	}
	return f, path, nil
}

func (w *WAVWriter) openExclusive(path string) (afero.File, error) {
	exists, err := afero.Exists(w.fs, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, os.ErrExist
	}
	return w.fs.OpenFile(path+PartialSuffix, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
}

func (w *WAVWriter) encode(f afero.File, seg segaudio.Segment) error {
	enc := wav.NewEncoder(f, w.opts.SampleRate, w.opts.BitDepth, 1, 1)

	data := make([]int, len(seg.Samples))
	for i, s := range seg.Samples {
		data[i] = int(s)
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: 1,
			SampleRate:  w.opts.SampleRate,
		},
		Data:           data,
		SourceBitDepth: w.opts.BitDepth,
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode samples: %w", err)
	}

	// Close patches the RIFF and data chunk sizes.
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}
