package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/workdigest/internal/application"
	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
	"github.com/ericfisherdev/workdigest/internal/metrics"
)

// startScheduler runs s.Start in the background and stops it on cleanup.
func startScheduler(t *testing.T, s *application.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
	})
}

func newTestScheduler(h *harness, maxRun time.Duration, m *metrics.Metrics) *application.Scheduler {
	return application.NewScheduler(h.owners, h.runs, h.svc, 10*time.Millisecond, maxRun, m)
}

func TestScheduler_FiresDueOwnerOncePerCycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.owners.SetNextFire(context.Background(), "alice", time.Now().Add(-time.Second)))

	s := newTestScheduler(h, time.Minute, nil)
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		runs := h.runs.all()
		return len(runs) == 1 && runs[0].Status == model.RunStatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	// Further ticks inside the hour-long cycle fire nothing.
	time.Sleep(50 * time.Millisecond)
	runs := h.runs.all()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunTriggerScheduled, runs[0].Trigger)
	assert.True(t, h.owners.nextFire("alice").After(time.Now().Add(59*time.Minute)))
}

func TestScheduler_MissedCycleWhileRunActive(t *testing.T) {
	h := newHarness(t)
	h.gh.block = make(chan struct{})
	m := metrics.New(prometheus.NewRegistry())

	s := newTestScheduler(h, time.Hour, m)
	startScheduler(t, s)
	t.Cleanup(func() { close(h.gh.block) })

	ctx := context.Background()
	first, err := s.RequestRun(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, h.owners.SetNextFire(ctx, "alice", time.Now().Add(-time.Second)))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.MissedCycles) == 1
	}, 2*time.Second, 5*time.Millisecond)

	runs := h.runs.all()
	require.Len(t, runs, 1)
	assert.Equal(t, first.ID, runs[0].ID)
	assert.True(t, h.owners.nextFire("alice").After(time.Now()), "missed cycle still advances the schedule")
}

func TestScheduler_RequestRunWhileActive(t *testing.T) {
	h := newHarness(t)
	h.gh.block = make(chan struct{})

	s := newTestScheduler(h, time.Hour, nil)
	startScheduler(t, s)

	ctx := context.Background()
	_, err := s.RequestRun(ctx, "alice")
	require.NoError(t, err)

	_, err = s.RequestRun(ctx, "alice")
	require.ErrorIs(t, err, driven.ErrRunInProgress)

	close(h.gh.block)
	require.Eventually(t, func() bool {
		n, _ := h.runs.CountByStatus(ctx, model.RunStatusDelivered)
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.RequestRun(ctx, "alice")
	require.NoError(t, err)
}

func TestScheduler_RequestRunUnknownOwner(t *testing.T) {
	h := newHarness(t)
	s := newTestScheduler(h, time.Hour, nil)
	startScheduler(t, s)

	_, err := s.RequestRun(context.Background(), "bob")
	require.ErrorIs(t, err, application.ErrOwnerNotFound)
}

func TestScheduler_NeverTwoActiveRunsPerOwner(t *testing.T) {
	h := newHarness(t)
	h.gh.results[codeSource] = []model.Update{upd(codeSource, "1", 1)}

	s := newTestScheduler(h, time.Hour, nil)
	startScheduler(t, s)

	ctx := context.Background()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.owners.SetNextFire(ctx, "alice", time.Now().Add(-time.Second))
			_, _ = s.RequestRun(ctx, "alice")
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		active, _ := h.runs.ListActive(ctx)
		return len(active) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.runs.peakActive("alice"))
	assert.NotEmpty(t, h.runs.all())
}

func TestScheduler_RecoversInterruptedRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pending, err := h.runs.Create(ctx, model.DigestRun{OwnerID: "alice"})
	require.NoError(t, err)

	s := newTestScheduler(h, time.Hour, nil)
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		run, _ := h.runs.Get(ctx, pending.ID)
		return run.Status == model.RunStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	run, _ := h.runs.Get(ctx, pending.ID)
	assert.Equal(t, application.ReasonInterrupted, run.Error)
}

func TestScheduler_SweepsStaleRuns(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.gh.block = block

	s := newTestScheduler(h, 30*time.Millisecond, nil)
	startScheduler(t, s)
	t.Cleanup(func() { close(block) })

	ctx := context.Background()
	run, err := s.RequestRun(ctx, "alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := h.runs.Get(ctx, run.ID)
		return got.Status == model.RunStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := h.runs.Get(ctx, run.ID)
	assert.Equal(t, application.ReasonStale, got.Error)

	// The sweep frees the owner for a new run.
	h.gh.mu.Lock()
	h.gh.block = nil
	h.gh.mu.Unlock()
	_, err = s.RequestRun(ctx, "alice")
	require.NoError(t, err)
}

func TestScheduler_RetryRedeliversStoredDigest(t *testing.T) {
	h := newHarness(t)
	h.channel.failN = 3
	h.channel.err = &driven.DeliveryError{Err: context.DeadlineExceeded}
	h.gh.results[codeSource] = []model.Update{upd(codeSource, "1", 1)}

	failed := h.execute(t)
	require.Equal(t, model.RunStatusFailed, failed.Status)

	s := newTestScheduler(h, time.Hour, nil)
	startScheduler(t, s)

	ctx := context.Background()
	retried, err := s.RetryRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, retried.ID)

	require.Eventually(t, func() bool {
		got, _ := h.runs.Get(ctx, failed.ID)
		return got.Status == model.RunStatusDelivered
	}, 2*time.Second, 5*time.Millisecond)

	msgs := h.channel.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, failed.DigestText, msgs[0].Text)
	assert.Len(t, h.runs.all(), 1)
}

func TestScheduler_RetryOfOldRunIsNotSweptAsStale(t *testing.T) {
	h := newHarness(t)
	h.channel.failN = 3
	h.channel.err = &driven.DeliveryError{Err: context.DeadlineExceeded}
	h.gh.results[codeSource] = []model.Update{upd(codeSource, "1", 1)}

	failed := h.execute(t)
	require.Equal(t, model.RunStatusFailed, failed.Status)
	h.runs.backdate(failed.ID, time.Now().Add(-time.Hour))

	gate := make(chan struct{})
	h.channel.mu.Lock()
	h.channel.gate = gate
	h.channel.mu.Unlock()

	s := newTestScheduler(h, time.Minute, nil)
	startScheduler(t, s)

	ctx := context.Background()
	_, err := s.RetryRun(ctx, failed.ID)
	require.NoError(t, err)

	// Several sweeps pass while the redelivery is in flight.
	time.Sleep(50 * time.Millisecond)
	got, _ := h.runs.Get(ctx, failed.ID)
	require.Equal(t, model.RunStatusSummarized, got.Status)

	close(gate)
	require.Eventually(t, func() bool {
		got, _ := h.runs.Get(ctx, failed.ID)
		return got.Status == model.RunStatusDelivered
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RetryWithoutDigestStartsFreshRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	failed, err := h.runs.Create(ctx, model.DigestRun{OwnerID: "alice"})
	require.NoError(t, err)
	require.NoError(t, h.runs.MarkFailed(ctx, failed.ID, "boom", time.Now()))

	s := newTestScheduler(h, time.Hour, nil)
	startScheduler(t, s)

	fresh, err := s.RetryRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, fresh.ID)
	assert.Equal(t, model.RunTriggerRetry, fresh.Trigger)
}

func TestScheduler_RetryRejectsNonFailedRuns(t *testing.T) {
	h := newHarness(t)
	s := newTestScheduler(h, time.Hour, nil)
	startScheduler(t, s)

	ctx := context.Background()
	delivered := h.execute(t)
	require.Equal(t, model.RunStatusDelivered, delivered.Status)

	_, err := s.RetryRun(ctx, delivered.ID)
	require.ErrorIs(t, err, application.ErrRunNotRetryable)

	_, err = s.RetryRun(ctx, 999)
	require.ErrorIs(t, err, application.ErrRunNotFound)
}

func TestScheduler_ConfigureOwner(t *testing.T) {
	h := newHarness(t)
	s := newTestScheduler(h, time.Hour, nil)
	ctx := context.Background()

	owner, err := s.ConfigureOwner(ctx, model.Owner{ID: "bob", Destination: "7", Cadence: "0 9 * * *", Enabled: true})
	require.NoError(t, err)
	assert.True(t, owner.NextFireAt.After(time.Now()))
	assert.Equal(t, 9, owner.NextFireAt.Hour())

	// Unchanged cadence keeps the schedule.
	require.NoError(t, h.owners.SetNextFire(ctx, "bob", owner.NextFireAt.Add(time.Hour)))
	again, err := s.ConfigureOwner(ctx, model.Owner{ID: "bob", Destination: "8", Cadence: "0 9 * * *", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "8", again.Destination)
	assert.True(t, owner.NextFireAt.Add(time.Hour).Equal(again.NextFireAt))

	// A new cadence reschedules.
	changed, err := s.ConfigureOwner(ctx, model.Owner{ID: "bob", Destination: "8", Cadence: "30m", Enabled: true})
	require.NoError(t, err)
	assert.True(t, changed.NextFireAt.Before(time.Now().Add(31*time.Minute)))

	_, err = s.ConfigureOwner(ctx, model.Owner{ID: "bob", Cadence: "every tuesday"})
	require.ErrorIs(t, err, application.ErrInvalidInput)
}

func TestScheduler_StopWaitsForRuns(t *testing.T) {
	h := newHarness(t)
	h.gh.block = make(chan struct{})

	s := newTestScheduler(h, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	run, err := s.RequestRun(context.Background(), "alice")
	require.NoError(t, err)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stopCancel()
	require.Error(t, s.Stop(stopCtx), "run still blocked")

	close(h.gh.block)
	require.NoError(t, s.Stop(context.Background()))

	got, _ := h.runs.Get(context.Background(), run.ID)
	assert.Equal(t, model.RunStatusDelivered, got.Status, "shutdown lets in-flight runs finish")
}
