package driven

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// Connector fetches updates from one kind of external tool.
//
// FetchSince yields updates changed at or after since. The sequence is lazy
// and finite; the caller may stop early by breaking out of the range loop.
// A connector reports failure by yielding a zero Update with a non-nil error
// as its last element. Updates yielded before the error are valid partial
// results. Connectors must stop when ctx is done and report it as an
// Unavailable ConnectorError.
type Connector interface {
	Type() model.SourceType
	FetchSince(ctx context.Context, src model.SourceConfig, secret string, since time.Time) iter.Seq2[model.Update, error]
}

// Connector error sentinels. A ConnectorError matches exactly one of them
// through errors.Is.
var (
	ErrAuthExpired = errors.New("source credential expired or revoked")
	ErrRateLimited = errors.New("source rate limit exceeded")
	ErrUnavailable = errors.New("source unavailable")
)

// ConnectorError is the error type returned by every connector.
type ConnectorError struct {
	Kind       error // one of ErrAuthExpired, ErrRateLimited, ErrUnavailable
	Source     model.SourceType
	RetryAfter time.Duration // set for rate limits when the source says so
	Err        error
}

func (e *ConnectorError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Source, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ConnectorError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Recoverable reports whether the source is expected to work on a later run
// without user action.
func (e *ConnectorError) Recoverable() bool {
	return !errors.Is(e.Kind, ErrAuthExpired)
}

// NewAuthExpired, NewRateLimited and NewUnavailable build ConnectorErrors.
func NewAuthExpired(src model.SourceType, err error) *ConnectorError {
	return &ConnectorError{Kind: ErrAuthExpired, Source: src, Err: err}
}

func NewRateLimited(src model.SourceType, retryAfter time.Duration, err error) *ConnectorError {
	return &ConnectorError{Kind: ErrRateLimited, Source: src, RetryAfter: retryAfter, Err: err}
}

func NewUnavailable(src model.SourceType, err error) *ConnectorError {
	return &ConnectorError{Kind: ErrUnavailable, Source: src, Err: err}
}

// ErrorKind returns a short label for err for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	default:
		return "unexpected"
	}
}
