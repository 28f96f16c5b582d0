// Package permissions gates capture on the operating system's microphone
// consent.
package permissions

import "errors"

// ErrMicrophoneDenied is returned when the process may not record.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")
