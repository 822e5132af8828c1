package application

import "errors"

var (
	// ErrInvalidInput wraps validation failures of caller-supplied values.
	ErrInvalidInput = errors.New("invalid input")

	// ErrOwnerNotFound is returned for unknown or disabled owners.
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrSourceNotFound is returned for unknown sources and for sources that
	// belong to another owner.
	ErrSourceNotFound = errors.New("source not found")

	// ErrRunNotFound is returned for unknown runs and for runs of another owner.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotRetryable is returned by RetryRun for runs that are not failed.
	ErrRunNotRetryable = errors.New("only failed runs can be retried")
)
