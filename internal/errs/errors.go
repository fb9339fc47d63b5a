// Package errs defines the error kinds shared by every curveslicer component.
//
// Components wrap a kind together with the underlying cause, for example
//
//	fmt.Errorf("%w: box %d: %w", errs.ErrDownload, i, err)
//
// and callers classify failures with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrDegenerateInput reports too few or coincident sample points.
	ErrDegenerateInput = errors.New("degenerate input")

	// ErrInvalidParameter reports a rejected configuration or argument value,
	// such as a non-positive slice spacing or an unavailable resolution level.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrDownload reports a failure fetching data from the remote volume source.
	ErrDownload = errors.New("download failed")

	// ErrPartition reports an inconsistent bounding box partition.
	ErrPartition = errors.New("partition failed")

	// ErrIO reports a failure writing or reading output frames or temporary files.
	ErrIO = errors.New("i/o failure")

	// ErrPrecision reports source values that the float32 voxel storage
	// cannot hold exactly, such as uint32 labels above MaxExactUint32.
	ErrPrecision = errors.New("value not exactly representable")

	// ErrMemoryBudget reports a RAM budget that forces single-frame chunking.
	// It is a warning: the operation that returns it still produces a usable result.
	ErrMemoryBudget = errors.New("memory budget too small")
)

// StageError records which pipeline stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Invalidf returns an ErrInvalidParameter error with a formatted description.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// IsWarning reports whether err only carries non-fatal conditions.
func IsWarning(err error) bool {
	return err != nil && errors.Is(err, ErrMemoryBudget)
}
