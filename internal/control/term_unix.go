//go:build linux || darwin || freebsd || netbsd || openbsd

package control

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// enableCbreak disables echo and line buffering but keeps output processing
// and signal keys, so log lines render normally and Ctrl-C still works.
func enableCbreak(fd int) (func() error, error) {
	old, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, fmt.Errorf("read terminal state: %w", err)
	}

	raw := *old
	raw.Lflag &^= unix.ECHO | unix.ICANON
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &raw); err != nil {
		return nil, fmt.Errorf("set terminal state: %w", err)
	}

	return func() error {
		return unix.IoctlSetTermios(fd, ioctlSetTermios, old)
	}, nil
}
