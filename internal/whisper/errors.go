package whisper

import (
	"errors"
	"fmt"
)

var (
	ErrModelLoad           = errors.New("unable to load model")
	ErrFeatureExtraction   = errors.New("feature extraction failed")
	ErrEncode              = errors.New("encode failed")
	ErrDecode              = errors.New("decode failed")
	ErrTruncatedOutput     = errors.New("decoder hit the maximum output length")
	ErrUnsupportedStrategy = errors.New("sampling strategy not supported")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidParams       = errors.New("invalid parameters")
	ErrBackendUnavailable  = errors.New("whisper.cpp support is disabled in this build")
	ErrRegistryFull        = errors.New("session registry is full")
	ErrUnknownSession      = errors.New("unknown session")
)

// WindowError reports the audio window whose processing was aborted.
// Segments of earlier windows stay available on the session.
type WindowError struct {
	Window int
	Seek   int
	Err    error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("window %d (seek %d): %v", e.Window, e.Seek, e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }

// TruncatedError is returned after every window ran when at least one of
// them stopped at the output limit before end-of-text. The partial segments
// are kept.
type TruncatedError struct {
	Windows []int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("%v in window(s) %v", ErrTruncatedOutput, e.Windows)
}

func (e *TruncatedError) Is(target error) bool { return target == ErrTruncatedOutput }
