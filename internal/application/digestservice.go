package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
	"github.com/ericfisherdev/workdigest/internal/metrics"
)

// Failure reasons recorded on runs.
const (
	ReasonInterrupted       = "interrupted: process restarted while the run was active"
	ReasonStale             = "stale: exceeded max run duration"
	ReasonDeliveryFailed    = "delivery failed"
	ReasonOwnerMissing      = "owner not found"
	reasonCredentialMissing = "credential_missing"
	reasonVaultLocked       = "vault_locked"
)

// DigestConfig tunes the pipeline.
type DigestConfig struct {
	MaxRunDuration       time.Duration
	AuthFailureThreshold int
	InitialLookback      time.Duration
}

// DigestStores groups the persistence ports the pipeline writes to.
type DigestStores struct {
	Owners  driven.OwnerStore
	Sources driven.SourceStore
	Runs    driven.RunStore
	Updates driven.UpdateStore
}

// DigestService executes one digest run from fetch to delivery. It is the
// only writer of its run row; every transition is a compare-and-set, so a
// run failed by the stale sweep is never moved again.
type DigestService struct {
	stores     DigestStores
	vault      *Vault
	aggregator *Aggregator
	summarizer *Summarizer
	dispatcher *Dispatcher
	alerts     driven.MessageChannel
	cfg        DigestConfig
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewDigestService creates a DigestService. alerts may be nil to disable
// source-disabled notifications.
func NewDigestService(
	stores DigestStores,
	vault *Vault,
	aggregator *Aggregator,
	summarizer *Summarizer,
	dispatcher *Dispatcher,
	alerts driven.MessageChannel,
	cfg DigestConfig,
	m *metrics.Metrics,
) *DigestService {
	if cfg.AuthFailureThreshold < 1 {
		cfg.AuthFailureThreshold = 3
	}
	return &DigestService{
		stores:     stores,
		vault:      vault,
		aggregator: aggregator,
		summarizer: summarizer,
		dispatcher: dispatcher,
		alerts:     alerts,
		cfg:        cfg,
		metrics:    m,
		now:        time.Now,
	}
}

// Execute runs the pipeline for a pending run. Errors are recorded on the
// run; the returned error is for logging only.
func (s *DigestService) Execute(ctx context.Context, run model.DigestRun) error {
	if s.cfg.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxRunDuration)
		defer cancel()
	}

	started := s.now()
	log := slog.With("run_id", run.ID, "owner_id", run.OwnerID, "trigger", run.Trigger)

	if err := s.stores.Runs.MarkRunning(ctx, run.ID, started); err != nil {
		return fmt.Errorf("start run %d: %w", run.ID, err)
	}

	owner, err := s.stores.Owners.Get(ctx, run.OwnerID)
	if err != nil {
		return s.fail(ctx, run, started, fmt.Sprintf("load owner: %v", err))
	}
	if owner == nil {
		return s.fail(ctx, run, started, ReasonOwnerMissing)
	}

	sources, err := s.stores.Sources.ListEnabledByOwner(ctx, owner.ID)
	if err != nil {
		return s.fail(ctx, run, started, fmt.Sprintf("load sources: %v", err))
	}

	targets, incomplete := s.prepareTargets(ctx, owner, sources, started)
	batches := s.aggregator.Collect(ctx, targets)

	if ctx.Err() != nil {
		// Partial results of an expired run are discarded.
		return s.fail(ctx, run, started, ReasonStale)
	}

	var completed []SourceBatch
	for _, batch := range batches {
		if inc, failed := batch.Incomplete(); failed {
			incomplete = append(incomplete, inc)
			if errors.Is(batch.Err, driven.ErrAuthExpired) {
				s.recordCredentialFailure(ctx, owner, batch.Source, batch.Err)
			}
			continue
		}
		completed = append(completed, batch)
	}

	updates, err := s.dropDelivered(ctx, Merge(batches))
	if err != nil {
		return s.fail(ctx, run, started, fmt.Sprintf("load delivered updates: %v", err))
	}

	style := Style{
		Language:    owner.Language,
		SourceNames: sourceNames(sources),
		Incomplete:  incomplete,
	}
	digest := s.summarizer.Summarize(ctx, updates, style)

	if err := s.stores.Updates.SaveForRun(ctx, run.ID, updates); err != nil {
		return s.fail(ctx, run, started, fmt.Sprintf("save run updates: %v", err))
	}

	summary := driven.SummaryResult{
		DigestText:        digest.Text,
		UsedFallback:      digest.UsedFallback,
		UpdateCount:       len(updates),
		Watermark:         latestTimestamp(updates),
		IncompleteSources: incomplete,
	}
	if err := s.stores.Runs.MarkSummarized(ctx, run.ID, summary); err != nil {
		return s.abandon(ctx, run, started, fmt.Errorf("summarize run %d: %w", run.ID, err))
	}

	log.Info("digest summarized",
		"updates", len(updates),
		"incomplete_sources", len(incomplete),
		"fallback", digest.UsedFallback,
	)

	run.DigestText = digest.Text
	if !s.deliver(ctx, run, owner, started) {
		return fmt.Errorf("run %d: %s", run.ID, ReasonDeliveryFailed)
	}

	for _, batch := range completed {
		s.recordSourceSuccess(ctx, batch.Source.ID, batch.FetchedAt, latestTimestamp(batch.Updates))
	}
	return nil
}

// Redeliver sends the stored digest of a reopened (summarized) run again.
// Watermarks advance from the run's recorded updates once delivery succeeds.
func (s *DigestService) Redeliver(ctx context.Context, run model.DigestRun) error {
	if s.cfg.MaxRunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxRunDuration)
		defer cancel()
	}

	started := s.now()

	owner, err := s.stores.Owners.Get(ctx, run.OwnerID)
	if err != nil {
		return s.fail(ctx, run, started, fmt.Sprintf("load owner: %v", err))
	}
	if owner == nil {
		return s.fail(ctx, run, started, ReasonOwnerMissing)
	}

	if !s.deliver(ctx, run, owner, started) {
		return fmt.Errorf("run %d: %s", run.ID, ReasonDeliveryFailed)
	}

	updates, err := s.stores.Updates.ListByRun(ctx, run.ID)
	if err != nil {
		slog.Error("failed to load run updates after redelivery", "run_id", run.ID, "error", err)
		return nil
	}
	latest := make(map[int64]time.Time)
	for _, u := range updates {
		if u.Timestamp.After(latest[u.SourceID]) {
			latest[u.SourceID] = u.Timestamp
		}
	}
	for sourceID, wm := range latest {
		s.recordSourceSuccess(ctx, sourceID, run.StartedAt, wm)
	}
	return nil
}

// deliver dispatches run.DigestText and moves the run to delivered or failed.
func (s *DigestService) deliver(ctx context.Context, run model.DigestRun, owner *model.Owner, started time.Time) bool {
	result := s.dispatcher.Deliver(ctx, run, owner.Destination, run.DigestText)
	if !result.Delivered {
		reason := ReasonDeliveryFailed
		if ctx.Err() != nil {
			reason = ReasonStale
		} else if result.Err != nil {
			reason = fmt.Sprintf("%s after %d attempts: %v", ReasonDeliveryFailed, result.Attempts, result.Err)
		}
		_ = s.fail(ctx, run, started, reason)
		return false
	}

	if err := s.stores.Runs.MarkDelivered(detached(ctx), run.ID, s.now()); err != nil {
		slog.Error("delivered run could not be marked delivered", "run_id", run.ID, "error", err)
		return false
	}
	s.metrics.RunFinished(string(model.RunStatusDelivered), s.now().Sub(started))
	return true
}

// prepareTargets reveals credentials of due sources. Sources whose
// credential cannot be revealed are recorded as incomplete and counted as
// credential failures.
func (s *DigestService) prepareTargets(ctx context.Context, owner *model.Owner, sources []model.SourceConfig, now time.Time) ([]FetchTarget, []model.IncompleteSource) {
	var targets []FetchTarget
	var incomplete []model.IncompleteSource

	for _, src := range sources {
		if !src.DueForPoll(now) {
			slog.Debug("source not due", "source_id", src.ID, "last_polled_at", src.LastPolledAt)
			continue
		}

		secret, err := s.vault.RevealSource(ctx, src.ID)
		if err != nil {
			// A locked vault is an operator problem, not a bad credential.
			if errors.Is(err, driven.ErrEncryptionKeyNotSet) {
				incomplete = append(incomplete, model.IncompleteSource{SourceID: src.ID, Name: src.Name, Reason: reasonVaultLocked})
				continue
			}
			reason := driven.ErrorKind(err)
			if errors.Is(err, ErrCredentialMissing) {
				reason = reasonCredentialMissing
			}
			incomplete = append(incomplete, model.IncompleteSource{SourceID: src.ID, Name: src.Name, Reason: reason})
			s.metrics.ConnectorError(string(src.Type), reason)
			s.recordCredentialFailure(ctx, owner, src, err)
			continue
		}

		since := src.Watermark
		if since.IsZero() {
			since = now.Add(-s.cfg.InitialLookback)
		}
		targets = append(targets, FetchTarget{Source: src, Secret: secret, Since: since})
	}
	return targets, incomplete
}

// dropDelivered removes updates already delivered with the same or a newer
// timestamp.
func (s *DigestService) dropDelivered(ctx context.Context, updates []model.Update) ([]model.Update, error) {
	if len(updates) == 0 {
		return updates, nil
	}

	keys := make([]model.UpdateKey, len(updates))
	for i, u := range updates {
		keys[i] = u.Key()
	}
	delivered, err := s.stores.Updates.LatestDelivered(ctx, keys)
	if err != nil {
		return nil, err
	}

	kept := updates[:0]
	for _, u := range updates {
		if ts, ok := delivered[u.Key()]; ok && !u.Timestamp.After(ts) {
			continue
		}
		kept = append(kept, u)
	}
	return kept, nil
}

// recordCredentialFailure counts an auth or decryption failure and disables
// the source at the threshold, alerting the owner once.
func (s *DigestService) recordCredentialFailure(ctx context.Context, owner *model.Owner, src model.SourceConfig, cause error) {
	ctx = detached(ctx)

	failures, err := s.stores.Sources.RecordFailure(ctx, src.ID)
	if err != nil {
		slog.Error("failed to record source failure", "source_id", src.ID, "error", err)
		return
	}
	slog.Warn("source credential failure",
		"source_id", src.ID,
		"source_type", src.Type,
		"consecutive_failures", failures,
		"kind", driven.ErrorKind(cause),
	)

	if failures < s.cfg.AuthFailureThreshold {
		return
	}

	if err := s.stores.Sources.SetEnabled(ctx, src.ID, false); err != nil {
		slog.Error("failed to disable source", "source_id", src.ID, "error", err)
		return
	}
	s.metrics.SourceDisabled(string(src.Type))
	slog.Warn("source disabled after repeated credential failures", "source_id", src.ID, "failures", failures)

	if s.alerts == nil {
		return
	}
	if _, err := s.alerts.Send(ctx, owner.Destination, disabledAlert(owner.Language, src, cause)); err != nil {
		slog.Error("failed to send source disabled alert", "source_id", src.ID, "error", err)
	}
}

func (s *DigestService) recordSourceSuccess(ctx context.Context, sourceID int64, polledAt, watermark time.Time) {
	if err := s.stores.Sources.RecordSuccess(detached(ctx), sourceID, polledAt, watermark); err != nil {
		slog.Error("failed to advance source watermark", "source_id", sourceID, "error", err)
	}
}

// fail moves the run to failed. A stale transition means the sweep already
// did so.
func (s *DigestService) fail(ctx context.Context, run model.DigestRun, started time.Time, reason string) error {
	err := s.stores.Runs.MarkFailed(detached(ctx), run.ID, reason, s.now())
	if err != nil && !errors.Is(err, driven.ErrStaleTransition) {
		slog.Error("failed to mark run failed", "run_id", run.ID, "error", err)
	}
	if err == nil {
		s.metrics.RunFinished(string(model.RunStatusFailed), s.now().Sub(started))
	}
	slog.Warn("digest run failed", "run_id", run.ID, "owner_id", run.OwnerID, "reason", reason)
	return fmt.Errorf("run %d failed: %s", run.ID, reason)
}

// abandon handles a lost compare-and-set: the row was moved by someone else
// so nothing more is written.
func (s *DigestService) abandon(ctx context.Context, run model.DigestRun, started time.Time, err error) error {
	if errors.Is(err, driven.ErrStaleTransition) {
		slog.Warn("digest run abandoned, row moved by another writer", "run_id", run.ID)
		return err
	}
	return s.fail(ctx, run, started, err.Error())
}

// detached keeps bookkeeping writes alive after the run deadline.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func sourceNames(sources []model.SourceConfig) map[int64]string {
	names := make(map[int64]string, len(sources))
	for _, src := range sources {
		names[src.ID] = src.Name
	}
	return names
}

func latestTimestamp(updates []model.Update) time.Time {
	var latest time.Time
	for _, u := range updates {
		if u.Timestamp.After(latest) {
			latest = u.Timestamp
		}
	}
	return latest
}

func disabledAlert(language string, src model.SourceConfig, cause error) string {
	if language == "ru" {
		return fmt.Sprintf("**Источник отключён:** %s (%s)\n\nДоступ к источнику не удался (%s). Обновите учётные данные и включите источник снова.",
			escapeMarkdown(src.Name), src.Type, driven.ErrorKind(cause))
	}
	return fmt.Sprintf("**Source disabled:** %s (%s)\n\nAccess failed repeatedly (%s). Update the credential and re-enable the source.",
		escapeMarkdown(src.Name), src.Type, driven.ErrorKind(cause))
}
