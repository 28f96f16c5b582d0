// Package control carries operator commands into the running pipeline.
package control

import "sync/atomic"

// Flags is the state shared by the capture path, the storage worker, the
// supervisor and the operator listener. Each flag is an independent atomic;
// no operation reads or writes both under one lock.
type Flags struct {
	recording      atomic.Bool
	storageEnabled atomic.Bool
}

// NewFlags returns flags with recording on and persistence set to storage.
func NewFlags(storage bool) *Flags {
	f := &Flags{}
	f.recording.Store(true)
	f.storageEnabled.Store(storage)
	return f
}

// Recording reports whether capture should keep running.
func (f *Flags) Recording() bool {
	return f.recording.Load()
}

// Stop clears the recording flag. It reports whether this call changed it.
func (f *Flags) Stop() bool {
	return f.recording.CompareAndSwap(true, false)
}

// StorageEnabled reports whether completed segments are persisted.
func (f *Flags) StorageEnabled() bool {
	return f.storageEnabled.Load()
}

// SetStorage sets the persistence flag.
func (f *Flags) SetStorage(enabled bool) {
	f.storageEnabled.Store(enabled)
}

// ToggleStorage flips the persistence flag and returns the new value.
func (f *Flags) ToggleStorage() bool {
	for {
		old := f.storageEnabled.Load()
		if f.storageEnabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}
