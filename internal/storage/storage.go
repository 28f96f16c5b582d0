// Package storage persists captured segments as WAV files.
package storage

import "github.com/petems/mic-segmenter/internal/audio"

// Writer persists one segment.
type Writer interface {
	// Write stores seg in a new, uniquely named file.
	Write(seg audio.Segment) (Result, error)
}

// Result describes a written file.
type Result struct {
	Path string
	Size int64
}
