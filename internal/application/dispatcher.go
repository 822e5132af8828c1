package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
	"github.com/ericfisherdev/workdigest/internal/metrics"
)

// DispatchConfig bounds delivery retries.
type DispatchConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DeliveryResult summarizes one Deliver call.
type DeliveryResult struct {
	Delivered bool
	Attempts  int // attempts made by this call
	Ack       string
	Err       error // last error when not delivered
}

// Dispatcher sends digest text through a MessageChannel with exponential
// backoff and logs every attempt.
type Dispatcher struct {
	channel    driven.MessageChannel
	deliveries driven.DeliveryStore
	cfg        DispatchConfig
	metrics    *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. MaxAttempts below one is treated as one.
func NewDispatcher(channel driven.MessageChannel, deliveries driven.DeliveryStore, cfg DispatchConfig, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{channel: channel, deliveries: deliveries, cfg: cfg, metrics: m}
}

// Deliver sends text to destination for run, retrying transient failures up
// to the attempt ceiling. Attempt numbers continue from earlier Deliver calls
// for the same run. Permanent failures stop immediately.
func (d *Dispatcher) Deliver(ctx context.Context, run model.DigestRun, destination, text string) DeliveryResult {
	previous, err := d.deliveries.CountByRun(ctx, run.ID)
	if err != nil {
		return DeliveryResult{Err: fmt.Errorf("count previous attempts: %w", err)}
	}

	var result DeliveryResult
	hint := &retryAfterBackOff{BackOff: d.newBackOff()}

	operation := func() error {
		result.Attempts++
		attempt := previous + result.Attempts

		ack, sendErr := d.channel.Send(ctx, destination, text)
		status := model.DeliveryStatusSent
		var permanent bool
		if sendErr != nil {
			status = model.DeliveryStatusTransient
			var de *driven.DeliveryError
			if errors.As(sendErr, &de) {
				permanent = de.Permanent
				hint.retryAfter = de.RetryAfter
			}
			if permanent {
				status = model.DeliveryStatusPermanent
			}
		}

		d.record(ctx, model.DigestDelivery{
			RunID:         run.ID,
			AttemptNumber: attempt,
			SentAt:        time.Now(),
			Status:        status,
			Ack:           ack,
			Error:         errorText(sendErr),
		})

		if sendErr == nil {
			result.Ack = ack
			return nil
		}
		if permanent {
			return backoff.Permanent(sendErr)
		}
		return sendErr
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("digest delivery failed, retrying",
			"run_id", run.ID,
			"attempt", previous+result.Attempts,
			"retry_in", wait.Round(time.Millisecond),
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(hint, uint64(d.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		result.Err = err
		slog.Error("digest delivery gave up",
			"run_id", run.ID,
			"attempts", result.Attempts,
			"error", err,
		)
		return result
	}

	result.Delivered = true
	slog.Info("digest delivered", "run_id", run.ID, "attempts", result.Attempts)
	return result
}

// record appends the attempt even when ctx has expired so the log stays
// complete.
func (d *Dispatcher) record(ctx context.Context, attempt model.DigestDelivery) {
	d.metrics.DeliveryAttempt(string(attempt.Status))

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := d.deliveries.Append(writeCtx, attempt); err != nil {
		slog.Error("failed to record delivery attempt",
			"run_id", attempt.RunID,
			"attempt", attempt.AttemptNumber,
			"error", err,
		)
	}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if d.cfg.InitialBackoff > 0 {
		b.InitialInterval = d.cfg.InitialBackoff
	}
	if d.cfg.MaxBackoff > 0 {
		b.MaxInterval = d.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryAfterBackOff waits at least as long as the channel asked for.
type retryAfterBackOff struct {
	backoff.BackOff
	retryAfter time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.retryAfter > next {
		next = b.retryAfter
	}
	b.retryAfter = 0
	return next
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
