package app

import (
	"errors"
	"sync"
	"time"

	"github.com/petems/mic-segmenter/internal/audio"
	"github.com/petems/mic-segmenter/internal/storage"
)

// fakeSource delivers chunks on demand. Emit holds the lock for the whole
// callback so Close, like a real driver, returns only after the last
// callback has finished.
type fakeSource struct {
	mu        sync.Mutex
	openErr   error
	handler   audio.ChunkHandler
	cfg       audio.StreamConfig
	openCalls int
	closed    bool
	seq       uint64

	opened chan struct{}
	faults chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		opened: make(chan struct{}),
		faults: make(chan error, 1),
	}
}

func (f *fakeSource) Open(cfg audio.StreamConfig, handler audio.ChunkHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openErr != nil {
		return f.openErr
	}
	f.cfg = cfg
	f.handler = handler
	close(f.opened)
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) Faults() <-chan error {
	return f.faults
}

func (f *fakeSource) Emit(samples []int32, status audio.StreamStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.handler == nil {
		return false
	}
	f.handler(audio.Chunk{Seq: f.seq, Samples: samples}, status)
	f.seq++
	return true
}

func (f *fakeSource) OpenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls
}

func (f *fakeSource) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// blockingWriter parks every write until release is closed.
type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingWriter) Write(seg audio.Segment) (storage.Result, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return storage.Result{Path: "released.wav", Size: 44}, nil
	case <-time.After(5 * time.Second):
		return storage.Result{}, errors.New("never released")
	}
}

func samplesOf(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i % 1000)
	}
	return out
}
