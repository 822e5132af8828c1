package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.DeliveryStore = (*DeliveryRepo)(nil)

// DeliveryRepo is the SQLite implementation of the DeliveryStore port interface.
// Rows are only ever inserted.
type DeliveryRepo struct {
	db *DB
}

// NewDeliveryRepo creates a new DeliveryRepo backed by the given DB.
func NewDeliveryRepo(db *DB) *DeliveryRepo {
	return &DeliveryRepo{db: db}
}

// Append records one dispatch attempt and returns it with its assigned ID.
func (r *DeliveryRepo) Append(ctx context.Context, d model.DigestDelivery) (model.DigestDelivery, error) {
	const query = `
		INSERT INTO digest_deliveries (run_id, attempt_number, sent_at, status, ack, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if d.SentAt.IsZero() {
		d.SentAt = time.Now()
	}
	d.SentAt = d.SentAt.UTC()

	res, err := r.db.Writer.ExecContext(ctx, query,
		d.RunID, d.AttemptNumber, formatTime(d.SentAt), string(d.Status), d.Ack, d.Error,
	)
	if err != nil {
		return model.DigestDelivery{}, fmt.Errorf("append delivery attempt %d for run %d: %w", d.AttemptNumber, d.RunID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.DigestDelivery{}, fmt.Errorf("read delivery id: %w", err)
	}
	d.ID = id
	return d, nil
}

// ListByRun returns the attempts of a run in attempt order.
func (r *DeliveryRepo) ListByRun(ctx context.Context, runID int64) ([]model.DigestDelivery, error) {
	const query = `
		SELECT id, run_id, attempt_number, sent_at, status, ack, error
		FROM digest_deliveries
		WHERE run_id = ?
		ORDER BY attempt_number
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries for run %d: %w", runID, err)
	}
	defer rows.Close()

	var deliveries []model.DigestDelivery
	for rows.Next() {
		var d model.DigestDelivery
		var sentAt, status string
		if err := rows.Scan(&d.ID, &d.RunID, &d.AttemptNumber, &sentAt, &status, &d.Ack, &d.Error); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Status = model.DeliveryStatus(status)
		if d.SentAt, err = parseTime(sentAt); err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return deliveries, nil
}

func (r *DeliveryRepo) CountByRun(ctx context.Context, runID int64) (int, error) {
	var n int
	err := r.db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM digest_deliveries WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries for run %d: %w", runID, err)
	}
	return n, nil
}
