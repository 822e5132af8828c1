package application

import (
	"context"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport is the service health view served by the API.
type HealthReport struct {
	StoreOK         bool
	StoreError      string
	LastDeliveredAt time.Time
	FailedRuns      int
	ActiveRuns      int
}

// Healthy reports whether the service can do useful work.
func (r HealthReport) Healthy() bool {
	return r.StoreOK
}

// HealthService assembles the health view. It depends only on port interfaces.
type HealthService struct {
	store Pinger
	runs  driven.RunStore
}

// NewHealthService creates a new HealthService with the required dependencies.
func NewHealthService(store Pinger, runs driven.RunStore) *HealthService {
	return &HealthService{store: store, runs: runs}
}

// Check pings the store and, when reachable, loads run statistics.
func (s *HealthService) Check(ctx context.Context) HealthReport {
	var report HealthReport

	if err := s.store.Ping(ctx); err != nil {
		report.StoreError = err.Error()
		return report
	}
	report.StoreOK = true

	if last, err := s.runs.LastDelivered(ctx, ""); err == nil && last != nil {
		report.LastDeliveredAt = last.CompletedAt
	}
	if n, err := s.runs.CountByStatus(ctx, model.RunStatusFailed); err == nil {
		report.FailedRuns = n
	}
	if active, err := s.runs.ListActive(ctx); err == nil {
		report.ActiveRuns = len(active)
	}
	return report
}
