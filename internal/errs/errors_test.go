package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStageErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("%w: box 3: connection reset", ErrDownload)
	err := error(&StageError{Stage: "slice", Err: cause})

	if !errors.Is(err, ErrDownload) {
		t.Errorf("Expected stage error to wrap ErrDownload")
	}
	if !strings.Contains(err.Error(), `"slice"`) {
		t.Errorf("Expected stage name in message, got %q", err.Error())
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "slice" {
		t.Errorf("Expected errors.As to recover the stage")
	}
}

func TestInvalidf(t *testing.T) {
	err := Invalidf("spacing must be positive, got %v", -1.0)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Expected ErrInvalidParameter, got %v", err)
	}
	if !strings.Contains(err.Error(), "-1") {
		t.Errorf("Expected value in message, got %q", err.Error())
	}
}

func TestIsWarning(t *testing.T) {
	if IsWarning(nil) {
		t.Errorf("nil must not be a warning")
	}
	if !IsWarning(fmt.Errorf("chunking: %w", ErrMemoryBudget)) {
		t.Errorf("Expected wrapped ErrMemoryBudget to be a warning")
	}
	if IsWarning(ErrIO) {
		t.Errorf("ErrIO must not be a warning")
	}
}
