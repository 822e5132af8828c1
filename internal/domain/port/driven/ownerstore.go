package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// OwnerStore persists digest recipients and their cadence state.
type OwnerStore interface {
	Upsert(ctx context.Context, owner model.Owner) error
	// Get returns (nil, nil) when the owner does not exist.
	Get(ctx context.Context, id string) (*model.Owner, error)
	ListAll(ctx context.Context) ([]model.Owner, error)
	// ListDue returns enabled owners whose next fire time is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]model.Owner, error)
	SetNextFire(ctx context.Context, id string, next time.Time) error
}
