package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource captures from the default input device through a
// PortAudio callback stream.
type PortAudioSource struct {
	mu       sync.Mutex
	stream   *portaudio.Stream
	watchdog *watchdog
	seq      uint64
	faults   chan error
}

// NewPortAudio creates a new PortAudio-based capture source
func NewPortAudio() *PortAudioSource {
	return &PortAudioSource{faults: make(chan error, 1)}
}

func (p *PortAudioSource) Open(cfg StreamConfig, handler ChunkHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return fmt.Errorf("stream already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to get default input device: %w", err)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}

	// PortAudio has no notification for a device that goes away, the
	// callbacks just stop.
	var wd *watchdog
	var callback interface{}
	switch cfg.BitDepth {
	case 16:
		callback = func(in []int16, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			wd.kick()
			handler(Chunk{Seq: p.nextSeq(), Samples: widenInt16(in)}, statusFromFlags(flags))
		}
	case 32:
		callback = func(in []int32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			wd.kick()
			handler(Chunk{Seq: p.nextSeq(), Samples: copyInt32(in)}, statusFromFlags(flags))
		}
	default:
		portaudio.Terminate()
		return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, cfg.BitDepth)
	}
	wd = startWatchdog(stallTimeout(cfg), p.reportStall)

	// Open stream: mono, configured sample rate and width
	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		wd.close()
		portaudio.Terminate()
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		wd.close()
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	p.stream = stream
	p.watchdog = wd
	return nil
}

func (p *PortAudioSource) reportStall() {
	select {
	case p.faults <- ErrDeviceStalled:
	default:
	}
}

// nextSeq is only called from the stream callback, which PortAudio never
// runs concurrently with itself.
func (p *PortAudioSource) nextSeq() uint64 {
	s := p.seq
	p.seq++
	return s
}

func (p *PortAudioSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}

	p.watchdog.close()
	p.watchdog = nil

	// Stop returns once the last callback has finished.
	stopErr := p.stream.Stop()
	closeErr := p.stream.Close()
	p.stream = nil
	portaudio.Terminate()

	if stopErr != nil {
		return fmt.Errorf("failed to stop audio stream: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close audio stream: %w", closeErr)
	}
	return nil
}

// Faults reports ErrDeviceStalled when no chunk has arrived for many buffer
// periods.
func (p *PortAudioSource) Faults() <-chan error {
	return p.faults
}

func statusFromFlags(flags portaudio.StreamCallbackFlags) StreamStatus {
	return StreamStatus{
		InputOverflow:  flags&portaudio.InputOverflow != 0,
		InputUnderflow: flags&portaudio.InputUnderflow != 0,
	}
}

// widenInt16 copies a driver-owned buffer into a fresh int32 slice.
func widenInt16(in []int16) []int32 {
	out := make([]int32, len(in))
	for i, s := range in {
		out[i] = int32(s)
	}
	return out
}

func copyInt32(in []int32) []int32 {
	out := make([]int32, len(in))
	copy(out, in)
	return out
}
