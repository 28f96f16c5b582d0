//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package control

import (
	"golang.org/x/term"
)

// enableCbreak falls back to raw mode where termios is unavailable.
func enableCbreak(fd int) (func() error, error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() error {
		return term.Restore(fd, state)
	}, nil
}
