package audio

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Capture backends understood by NewSource.
const (
	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"
)

// NewSource returns the capture source for the named backend.
func NewSource(backend string, log zerolog.Logger) (Source, error) {
	switch backend {
	case BackendPortAudio, "":
		return NewPortAudio(), nil
	case BackendMalgo:
		return NewMalgo(log), nil
	default:
		return nil, fmt.Errorf("unknown capture backend: %s", backend)
	}
}
