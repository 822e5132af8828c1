package application

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
	"github.com/ericfisherdev/workdigest/internal/metrics"
)

// FetchTarget is one source to fetch in a run. Secret is the revealed
// credential and lives only for the duration of Collect.
type FetchTarget struct {
	Source model.SourceConfig
	Secret string
	Since  time.Time
}

// SourceBatch is the outcome of fetching one source.
type SourceBatch struct {
	Source    model.SourceConfig
	Updates   []model.Update
	FetchedAt time.Time
	Err       error
}

// Incomplete reports whether the source failed, and if so how it should be
// recorded on the run. Partial is set when updates fetched before a
// recoverable error are kept.
func (b SourceBatch) Incomplete() (model.IncompleteSource, bool) {
	if b.Err == nil {
		return model.IncompleteSource{}, false
	}
	return model.IncompleteSource{
		SourceID: b.Source.ID,
		Name:     b.Source.Name,
		Reason:   driven.ErrorKind(b.Err),
		Partial:  len(b.Updates) > 0,
	}, true
}

// Aggregator fetches sources concurrently and merges their updates.
type Aggregator struct {
	registry     *ConnectorRegistry
	concurrency  int
	fetchTimeout time.Duration
	metrics      *metrics.Metrics
}

// NewAggregator creates an Aggregator. concurrency bounds simultaneous
// fetches; fetchTimeout bounds each fetch.
func NewAggregator(registry *ConnectorRegistry, concurrency int, fetchTimeout time.Duration, m *metrics.Metrics) *Aggregator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Aggregator{
		registry:     registry,
		concurrency:  concurrency,
		fetchTimeout: fetchTimeout,
		metrics:      m,
	}
}

// Collect fetches every target and returns one batch per target in the same
// order. It waits for all fetches. A failing source never fails the others.
func (a *Aggregator) Collect(ctx context.Context, targets []FetchTarget) []SourceBatch {
	batches := make([]SourceBatch, len(targets))

	var g errgroup.Group
	g.SetLimit(a.concurrency)

	for i, target := range targets {
		g.Go(func() error {
			batches[i] = a.fetch(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	return batches
}

func (a *Aggregator) fetch(ctx context.Context, target FetchTarget) SourceBatch {
	src := target.Source
	batch := SourceBatch{Source: src}

	connector, ok := a.registry.Get(src.Type)
	if !ok {
		batch.Err = driven.NewUnavailable(src.Type, fmt.Errorf("no connector registered for %q", src.Type))
		batch.FetchedAt = time.Now()
		return batch
	}

	fetchCtx := ctx
	if a.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, a.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	for u, err := range connector.FetchSince(fetchCtx, src, target.Secret, target.Since) {
		if err != nil {
			batch.Err = asConnectorError(src.Type, err)
			break
		}
		u.SourceID = src.ID
		batch.Updates = append(batch.Updates, u)
	}
	batch.FetchedAt = time.Now()

	a.metrics.UpdatesFetched(string(src.Type), len(batch.Updates))

	if batch.Err != nil {
		kind := driven.ErrorKind(batch.Err)
		a.metrics.ConnectorError(string(src.Type), kind)

		var ce *driven.ConnectorError
		if errors.As(batch.Err, &ce) && !ce.Recoverable() {
			batch.Updates = nil
		}
		slog.Warn("source fetch incomplete",
			"source_id", src.ID,
			"source_type", src.Type,
			"kind", kind,
			"kept", len(batch.Updates),
			"error", batch.Err,
		)
		return batch
	}

	slog.Debug("source fetched",
		"source_id", src.ID,
		"source_type", src.Type,
		"updates", len(batch.Updates),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return batch
}

// asConnectorError classifies errors that a connector did not wrap itself.
// A context error means the fetch timeout expired and is Unavailable.
func asConnectorError(t model.SourceType, err error) error {
	var ce *driven.ConnectorError
	if errors.As(err, &ce) {
		return err
	}
	return driven.NewUnavailable(t, err)
}

// Merge deduplicates updates across batches on (source, external ID). The
// copy from the later-fetched batch wins, then the later position inside a
// batch. The result is ordered by timestamp, then source ID, then external
// ID. Merge is idempotent.
func Merge(batches []SourceBatch) []model.Update {
	ordered := slices.Clone(batches)
	slices.SortStableFunc(ordered, func(a, b SourceBatch) int {
		return a.FetchedAt.Compare(b.FetchedAt)
	})

	byKey := make(map[model.UpdateKey]model.Update)
	for _, batch := range ordered {
		for _, u := range batch.Updates {
			byKey[u.Key()] = u
		}
	}

	merged := make([]model.Update, 0, len(byKey))
	for _, u := range byKey {
		merged = append(merged, u)
	}
	slices.SortFunc(merged, compareUpdates)
	return merged
}

func compareUpdates(a, b model.Update) int {
	return cmp.Or(
		a.Timestamp.Compare(b.Timestamp),
		cmp.Compare(a.SourceID, b.SourceID),
		cmp.Compare(a.ExternalID, b.ExternalID),
	)
}
