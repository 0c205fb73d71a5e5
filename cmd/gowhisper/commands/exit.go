package commands

import "errors"

// Exit codes, one per failure kind.
const (
	exitUsage         = 1
	exitNoInput       = 2
	exitWAV           = 3
	exitWAVFormat     = 4
	exitResample      = 5
	exitStream        = 6
	exitTranscription = 7
	exitOutputTXT     = 8
	exitOutputVTT     = 9
	exitOutputSRT     = 10
	exitTruncated     = 11
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// ExitCode maps an error returned by Execute to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return exitUsage
}
