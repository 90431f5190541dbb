package pipeline

import (
	"errors"
	"fmt"
)

// NonRetryableError marks failures that will not go away on a later attempt,
// such as a missing local input. Dispatchers stop retrying when they see one.
type NonRetryableError struct {
	msg string
}

func (e *NonRetryableError) Error() string {
	return e.msg
}

// NonRetryable builds a NonRetryableError from a format string.
func NonRetryable(format string, args ...any) error {
	return &NonRetryableError{msg: fmt.Sprintf(format, args...)}
}

// IsNonRetryable reports whether err originated from a non-retryable failure.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}

	var target *NonRetryableError
	return errors.As(err, &target)
}

// ExitError reports a remote script that finished with a non-zero status.
type ExitError struct {
	Script string
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote processing failed: %s exited with status %d", e.Script, e.Status)
}
