package control

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Operator keys.
const (
	KeyStop   = 'q'
	KeyToggle = 'p'

	// keyInterrupt is Ctrl-C as seen by a terminal in raw mode.
	keyInterrupt = 0x03
)

// Listener turns single key presses into flag changes.
type Listener struct {
	in    io.Reader
	flags *Flags
	log   zerolog.Logger

	restore func() error
	once    sync.Once
}

// NewListener reads commands from in. When in is a terminal it is switched
// to unbuffered, non-echoing input until Close.
func NewListener(in io.Reader, flags *Flags, log zerolog.Logger) *Listener {
	l := &Listener{
		in:      in,
		flags:   flags,
		log:     log,
		restore: func() error { return nil },
	}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		restore, err := enableCbreak(int(f.Fd()))
		if err != nil {
			log.Warn().Err(err).Msg("Terminal stays line buffered, confirm keys with Enter")
		} else {
			l.restore = restore
		}
	}

	return l
}

// Run blocks reading keys until the stop key, end of input or a read error.
// It returns nil on stop or end of input.
func (l *Listener) Run() error {
	buf := make([]byte, 1)
	for {
		n, err := l.in.Read(buf)
		if n == 1 && l.handle(buf[0]) {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.log.Debug().Msg("Operator input closed")
				return nil
			}
			return err
		}
	}
}

// handle applies one key and reports whether listening should end.
func (l *Listener) handle(key byte) bool {
	switch key {
	case KeyStop, KeyStop - 'a' + 'A', keyInterrupt:
		l.log.Info().Msg("[Q pressed] Stopping recording...")
		l.flags.Stop()
		return true
	case KeyToggle, KeyToggle - 'a' + 'A':
		if l.flags.ToggleStorage() {
			l.log.Info().Msg("[P pressed] Storage ENABLED")
		} else {
			l.log.Info().Msg("[P pressed] Storage DISABLED")
		}
	}
	return false
}

// Close restores the terminal state.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		err = l.restore()
	})
	return err
}
