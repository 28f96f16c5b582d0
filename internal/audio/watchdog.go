package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDeviceStalled is reported on Faults when a stream stops delivering
// chunks without being closed.
var ErrDeviceStalled = errors.New("capture device stopped delivering audio")

const (
	minStallTimeout = 2 * time.Second
	stallPeriods    = 20
	// assumed buffer size when the driver picks one
	defaultFramesPerBuffer = 1024
)

// stallTimeout is how long a stream may stay silent before it is considered
// dead: stallPeriods buffer periods, at least minStallTimeout.
func stallTimeout(cfg StreamConfig) time.Duration {
	if cfg.SampleRate <= 0 {
		return minStallTimeout
	}
	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	period := time.Duration(frames) * time.Second / time.Duration(cfg.SampleRate)
	return max(minStallTimeout, stallPeriods*period)
}

// watchdog calls onStall once if kick is not called for timeout.
type watchdog struct {
	timeout time.Duration
	onStall func()
	last    atomic.Int64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startWatchdog(timeout time.Duration, onStall func()) *watchdog {
	w := &watchdog{
		timeout: timeout,
		onStall: onStall,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.kick()
	go w.run()
	return w
}

// kick is called from the driver callback; it must stay lock free.
func (w *watchdog) kick() {
	w.last.Store(time.Now().UnixNano())
}

func (w *watchdog) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, w.last.Load())) > w.timeout {
				w.onStall()
				return
			}
		}
	}
}

// close stops the watchdog and waits for it to exit.
func (w *watchdog) close() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}
