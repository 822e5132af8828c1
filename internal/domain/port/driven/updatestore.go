package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// UpdateStore records the updates included in each summarized run.
type UpdateStore interface {
	SaveForRun(ctx context.Context, runID int64, updates []model.Update) error
	ListByRun(ctx context.Context, runID int64) ([]model.Update, error)
	// LatestDelivered returns, for each key included in a delivered run, the
	// newest delivered timestamp. Keys never delivered are absent.
	LatestDelivered(ctx context.Context, keys []model.UpdateKey) (map[model.UpdateKey]time.Time, error)
}
