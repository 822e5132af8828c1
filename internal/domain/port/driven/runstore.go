package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

var (
	// ErrRunInProgress is returned when an owner already has an active run.
	ErrRunInProgress = errors.New("a digest run is already active for this owner")

	// ErrStaleTransition is returned when a run row is not in the expected status,
	// meaning another writer (the stale sweep) has already moved it.
	ErrStaleTransition = errors.New("digest run is not in the expected status")
)

// SummaryResult carries the fields written by the running → summarized transition.
type SummaryResult struct {
	DigestText        string
	UsedFallback      bool
	UpdateCount       int
	Watermark         time.Time
	IncompleteSources []model.IncompleteSource
}

// RunStore persists DigestRun rows. Every transition is a compare-and-set on
// the current status so only the owning run task can move its row.
type RunStore interface {
	// Create inserts a pending run. Returns ErrRunInProgress if the owner
	// already has a pending, running or summarized run.
	Create(ctx context.Context, run model.DigestRun) (model.DigestRun, error)
	// Get returns (nil, nil) when the run does not exist.
	Get(ctx context.Context, id int64) (*model.DigestRun, error)
	ListByOwner(ctx context.Context, ownerID string, status model.RunStatus, limit int) ([]model.DigestRun, error)
	ListActive(ctx context.Context) ([]model.DigestRun, error)
	// LastDelivered returns the most recently delivered run of an owner, or of
	// any owner when ownerID is empty. Returns (nil, nil) when there is none.
	LastDelivered(ctx context.Context, ownerID string) (*model.DigestRun, error)
	CountByStatus(ctx context.Context, status model.RunStatus) (int, error)

	MarkRunning(ctx context.Context, id int64, at time.Time) error
	MarkSummarized(ctx context.Context, id int64, res SummaryResult) error
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	// MarkFailed moves an active run to failed.
	MarkFailed(ctx context.Context, id int64, reason string, at time.Time) error
	// Reopen moves a failed run that has digest text back to summarized and
	// records at as the time it became active again. Returns ErrRunInProgress
	// if the owner has another active run.
	Reopen(ctx context.Context, id int64, at time.Time) error
	// FailStale fails active runs that became active before cutoff and
	// returns their IDs. A reopened run counts from its reopen time.
	FailStale(ctx context.Context, cutoff time.Time, reason string) ([]int64, error)
}
