package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// ErrDeviceStopped is reported on Faults when miniaudio stops the capture
// device without Close having been called.
var ErrDeviceStopped = errors.New("capture device stopped unexpectedly")

// MalgoSource captures from the default input device through miniaudio.
type MalgoSource struct {
	log zerolog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	seq     uint64
	closing atomic.Bool
	faults  chan error
}

// NewMalgo creates a new miniaudio-based capture source
func NewMalgo(log zerolog.Logger) *MalgoSource {
	return &MalgoSource{
		log:    log,
		faults: make(chan error, 1),
	}
}

func (m *MalgoSource) Open(cfg StreamConfig, handler ChunkHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return fmt.Errorf("device already open")
	}

	var (
		format malgo.FormatType
		decode func([]byte) []int32
	)
	switch cfg.BitDepth {
	case 16:
		format, decode = malgo.FormatS16, decodeS16LE
	case 32:
		format, decode = malgo.FormatS32, decodeS32LE
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, cfg.BitDepth)
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.log.Debug().Str("backend", "malgo").Msg(message)
	})
	if err != nil {
		return fmt.Errorf("failed to initialize miniaudio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.FramesPerBuffer)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			handler(Chunk{Seq: m.nextSeq(), Samples: decode(input)}, StreamStatus{})
		},
		Stop: func() {
			if m.closing.Load() {
				return
			}
			select {
			case m.faults <- ErrDeviceStopped:
			default:
			}
		},
	}

	m.closing.Store(false)
	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	m.ctx = ctx
	m.device = device
	return nil
}

// nextSeq is only called from the data callback, which miniaudio serializes.
func (m *MalgoSource) nextSeq() uint64 {
	s := m.seq
	m.seq++
	return s
}

func (m *MalgoSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return nil
	}

	m.closing.Store(true)
	stopErr := m.device.Stop()
	m.device.Uninit()
	m.device = nil

	uninitErr := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil

	if stopErr != nil {
		return fmt.Errorf("failed to stop capture device: %w", stopErr)
	}
	if uninitErr != nil {
		return fmt.Errorf("failed to release miniaudio context: %w", uninitErr)
	}
	return nil
}

func (m *MalgoSource) Faults() <-chan error {
	return m.faults
}

// decodeS16LE converts interleaved little-endian 16-bit PCM bytes.
func decodeS16LE(b []byte) []int32 {
	out := make([]int32, len(b)/2)
	for i := range out {
		out[i] = int32(int16(binary.LittleEndian.Uint16(b[i*2:])))
	}
	return out
}

// decodeS32LE converts interleaved little-endian 32-bit PCM bytes.
func decodeS32LE(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
