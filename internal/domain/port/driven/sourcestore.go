package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// SourceStore persists SourceConfig rows.
type SourceStore interface {
	Add(ctx context.Context, src model.SourceConfig) (model.SourceConfig, error)
	// Get returns (nil, nil) when the source does not exist.
	Get(ctx context.Context, id int64) (*model.SourceConfig, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.SourceConfig, error)
	ListEnabledByOwner(ctx context.Context, ownerID string) ([]model.SourceConfig, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	// Update stores the name, poll cadence and options of an existing source.
	// Poll bookkeeping and the failure counter are not changed.
	Update(ctx context.Context, src model.SourceConfig) error

	// RecordSuccess resets the failure counter and advances the poll bookkeeping.
	// The watermark never moves backwards.
	RecordSuccess(ctx context.Context, id int64, polledAt, watermark time.Time) error

	// RecordFailure increments the failure counter and returns its new value.
	RecordFailure(ctx context.Context, id int64) (int, error)
}
