package driven

import (
	"context"
	"fmt"
	"time"
)

// MessageChannel delivers text to an owner destination and returns the
// channel's acknowledgment (for example the sent message IDs).
type MessageChannel interface {
	Send(ctx context.Context, destination, text string) (ack string, err error)
}

// DeliveryError is returned by MessageChannel implementations. Permanent
// errors (unknown chat, bot blocked) are not retried.
type DeliveryError struct {
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("delivery failed (%s): %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
