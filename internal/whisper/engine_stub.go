//go:build !whisper_cpp

package whisper

import "fmt"

// NativeAvailable reports whether the whisper.cpp backend is compiled in.
func NativeAvailable() bool { return false }

// NewBackend fails in builds without the whisper_cpp tag so the project
// builds without cgo.
func NewBackend(modelPath string) (Backend, error) {
	return nil, fmt.Errorf("%w: cannot load %s (rebuild with -tags whisper_cpp)", ErrBackendUnavailable, modelPath)
}
