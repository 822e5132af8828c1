package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
	"github.com/ericfisherdev/workdigest/internal/metrics"
)

type requestKind int

const (
	requestRun requestKind = iota
	requestRetry
)

// runRequest is a manual trigger passed through the scheduler loop.
type runRequest struct {
	kind    requestKind
	ownerID string
	runID   int64
	done    chan runReply
}

type runReply struct {
	run model.DigestRun
	err error
}

// Scheduler fires digest runs when owners are due and serves manual
// triggers. All run creation happens on the loop goroutine; the per-owner
// guard itself is enforced by the RunStore.
type Scheduler struct {
	owners   driven.OwnerStore
	runs     driven.RunStore
	digests  *DigestService
	tick     time.Duration
	maxRun   time.Duration
	metrics  *metrics.Metrics
	requests chan runRequest
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewScheduler creates a Scheduler. maxRun is the stale threshold for the
// sweep.
func NewScheduler(
	owners driven.OwnerStore,
	runs driven.RunStore,
	digests *DigestService,
	tick, maxRun time.Duration,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		owners:   owners,
		runs:     runs,
		digests:  digests,
		tick:     tick,
		maxRun:   maxRun,
		metrics:  m,
		requests: make(chan runRequest),
		now:      time.Now,
	}
}

// Start recovers runs interrupted by a previous process, then ticks until
// ctx is canceled. Start blocks; call Stop afterwards to wait for in-flight
// runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.recoverInterrupted(ctx)
	s.runTick(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.runTick(ctx)
		case req := <-s.requests:
			req.done <- s.handleRequest(ctx, req)
		}
	}
}

// Stop waits for in-flight runs or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight runs: %w", ctx.Err())
	}
}

// RequestRun creates a manual run for an owner under the same guard as
// scheduled runs. It returns driven.ErrRunInProgress if a run is active.
func (s *Scheduler) RequestRun(ctx context.Context, ownerID string) (model.DigestRun, error) {
	return s.submit(ctx, runRequest{kind: requestRun, ownerID: ownerID})
}

// RetryRun retries a failed run. A run with digest text is reopened and
// redelivered with continuing attempt numbers; a run that failed before
// summarizing is replaced by a fresh run for the same owner.
func (s *Scheduler) RetryRun(ctx context.Context, runID int64) (model.DigestRun, error) {
	return s.submit(ctx, runRequest{kind: requestRetry, runID: runID})
}

func (s *Scheduler) submit(ctx context.Context, req runRequest) (model.DigestRun, error) {
	req.done = make(chan runReply, 1)

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return model.DigestRun{}, ctx.Err()
	}

	select {
	case reply := <-req.done:
		return reply.run, reply.err
	case <-ctx.Done():
		return model.DigestRun{}, ctx.Err()
	}
}

func (s *Scheduler) handleRequest(ctx context.Context, req runRequest) runReply {
	switch req.kind {
	case requestRetry:
		run, err := s.retry(ctx, req.runID)
		return runReply{run: run, err: err}
	default:
		owner, err := s.owners.Get(ctx, req.ownerID)
		if err != nil {
			return runReply{err: fmt.Errorf("load owner %q: %w", req.ownerID, err)}
		}
		if owner == nil || !owner.Enabled {
			return runReply{err: ErrOwnerNotFound}
		}
		run, err := s.startRun(ctx, owner.ID, model.RunTriggerManual, s.now())
		return runReply{run: run, err: err}
	}
}

func (s *Scheduler) retry(ctx context.Context, runID int64) (model.DigestRun, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return model.DigestRun{}, fmt.Errorf("load run %d: %w", runID, err)
	}
	if run == nil {
		return model.DigestRun{}, fmt.Errorf("run %d: %w", runID, ErrRunNotFound)
	}
	if run.Status != model.RunStatusFailed {
		return model.DigestRun{}, ErrRunNotRetryable
	}

	if run.DigestText == "" {
		return s.startRun(ctx, run.OwnerID, model.RunTriggerRetry, s.now())
	}

	if err := s.runs.Reopen(ctx, run.ID, s.now()); err != nil {
		return model.DigestRun{}, err
	}
	run.Status = model.RunStatusSummarized
	run.Error = ""

	slog.Info("redelivering failed run", "run_id", run.ID, "owner_id", run.OwnerID)
	s.launch(ctx, *run, s.digests.Redeliver)
	return *run, nil
}

// runTick sweeps stale runs and starts runs for due owners.
func (s *Scheduler) runTick(ctx context.Context) {
	now := s.now()

	if s.maxRun > 0 {
		ids, err := s.runs.FailStale(ctx, now.Add(-s.maxRun), ReasonStale)
		if err != nil {
			slog.Error("stale run sweep failed", "error", err)
		}
		for _, id := range ids {
			slog.Warn("stale run failed by sweep", "run_id", id)
			s.metrics.RunFinished(string(model.RunStatusFailed), s.maxRun)
		}
	}

	due, err := s.owners.ListDue(ctx, now)
	if err != nil {
		slog.Error("list due owners failed", "error", err)
		return
	}

	for _, owner := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, owner, now)
	}
}

// fire advances the owner's next fire time before creating the run so a
// failed or skipped cycle is never fired twice.
func (s *Scheduler) fire(ctx context.Context, owner model.Owner, now time.Time) {
	cadence, err := ParseCadence(owner.Cadence)
	if err != nil {
		slog.Error("owner has invalid cadence", "owner_id", owner.ID, "cadence", owner.Cadence, "error", err)
		return
	}

	scheduledFor := owner.NextFireAt
	next := cadence.Next(scheduledFor, now)
	if err := s.owners.SetNextFire(ctx, owner.ID, next); err != nil {
		slog.Error("failed to advance next fire time", "owner_id", owner.ID, "error", err)
		return
	}

	_, err = s.startRun(ctx, owner.ID, model.RunTriggerScheduled, scheduledFor)
	if errors.Is(err, driven.ErrRunInProgress) {
		s.metrics.MissedCycle()
		slog.Warn("missed digest cycle, previous run still active",
			"owner_id", owner.ID,
			"scheduled_for", scheduledFor,
			"next_fire_at", next,
		)
		return
	}
	if err != nil {
		slog.Error("failed to start scheduled run", "owner_id", owner.ID, "error", err)
	}
}

func (s *Scheduler) startRun(ctx context.Context, ownerID string, trigger model.RunTrigger, scheduledFor time.Time) (model.DigestRun, error) {
	run, err := s.runs.Create(ctx, model.DigestRun{
		OwnerID:      ownerID,
		Trigger:      trigger,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		return model.DigestRun{}, err
	}

	slog.Info("digest run created", "run_id", run.ID, "owner_id", ownerID, "trigger", trigger)
	s.launch(ctx, run, s.digests.Execute)
	return run, nil
}

// launch runs fn on its own goroutine. Runs outlive the loop context so that
// shutdown lets them finish; their own deadline still applies.
func (s *Scheduler) launch(ctx context.Context, run model.DigestRun, fn func(context.Context, model.DigestRun) error) {
	runCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(runCtx, run); err != nil {
			slog.Warn("digest run ended with error", "run_id", run.ID, "error", err)
		}
	}()
}

// recoverInterrupted fails runs left active by a previous process.
func (s *Scheduler) recoverInterrupted(ctx context.Context) {
	active, err := s.runs.ListActive(ctx)
	if err != nil {
		slog.Error("failed to list interrupted runs", "error", err)
		return
	}

	for _, run := range active {
		err := s.runs.MarkFailed(ctx, run.ID, ReasonInterrupted, s.now())
		if err != nil && !errors.Is(err, driven.ErrStaleTransition) {
			slog.Error("failed to fail interrupted run", "run_id", run.ID, "error", err)
			continue
		}
		slog.Warn("interrupted run marked failed", "run_id", run.ID, "owner_id", run.OwnerID, "status", run.Status)
	}
}

// ConfigureOwner validates the cadence and stores the owner. The next fire
// time is computed for new owners and whenever the cadence changes.
func (s *Scheduler) ConfigureOwner(ctx context.Context, owner model.Owner) (model.Owner, error) {
	cadence, err := ParseCadence(owner.Cadence)
	if err != nil {
		return model.Owner{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	existing, err := s.owners.Get(ctx, owner.ID)
	if err != nil {
		return model.Owner{}, fmt.Errorf("load owner %q: %w", owner.ID, err)
	}

	owner.NextFireAt = time.Time{}
	if existing == nil || existing.Cadence != owner.Cadence || existing.NextFireAt.IsZero() {
		owner.NextFireAt = cadence.Next(time.Time{}, s.now())
	}

	if err := s.owners.Upsert(ctx, owner); err != nil {
		return model.Owner{}, err
	}

	stored, err := s.owners.Get(ctx, owner.ID)
	if err != nil {
		return model.Owner{}, fmt.Errorf("reload owner %q: %w", owner.ID, err)
	}
	if stored == nil {
		return model.Owner{}, ErrOwnerNotFound
	}
	return *stored, nil
}
