package driven

import (
	"context"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// DeliveryStore is the append-only log of dispatch attempts.
type DeliveryStore interface {
	Append(ctx context.Context, d model.DigestDelivery) (model.DigestDelivery, error)
	ListByRun(ctx context.Context, runID int64) ([]model.DigestDelivery, error)
	CountByRun(ctx context.Context, runID int64) (int, error)
}
