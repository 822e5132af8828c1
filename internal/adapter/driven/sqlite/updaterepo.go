package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.UpdateStore = (*UpdateRepo)(nil)

// keyBatchSize keeps each lookup well below SQLite's bound parameter limit.
const keyBatchSize = 200

// UpdateRepo is the SQLite implementation of the UpdateStore port interface.
type UpdateRepo struct {
	db *DB
}

// NewUpdateRepo creates a new UpdateRepo backed by the given DB.
func NewUpdateRepo(db *DB) *UpdateRepo {
	return &UpdateRepo{db: db}
}

// SaveForRun records the updates included in a run. Saving the same update
// for a run twice is a no-op.
func (r *UpdateRepo) SaveForRun(ctx context.Context, runID int64, updates []model.Update) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save updates: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
		INSERT OR IGNORE INTO run_updates (run_id, source_id, external_id, title, url, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare save updates: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, runID, u.SourceID, u.ExternalID, u.Title, u.URL, formatTime(u.Timestamp)); err != nil {
			return fmt.Errorf("save update %s for run %d: %w", u.ExternalID, runID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save updates: %w", err)
	}
	return nil
}

// ListByRun returns the updates of a run ordered by timestamp. Bodies are not
// stored.
func (r *UpdateRepo) ListByRun(ctx context.Context, runID int64) ([]model.Update, error) {
	const query = `
		SELECT source_id, external_id, title, url, occurred_at
		FROM run_updates
		WHERE run_id = ?
		ORDER BY occurred_at, source_id, external_id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list updates for run %d: %w", runID, err)
	}
	defer rows.Close()

	var updates []model.Update
	for rows.Next() {
		var u model.Update
		var occurredAt string
		if err := rows.Scan(&u.SourceID, &u.ExternalID, &u.Title, &u.URL, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan run update: %w", err)
		}
		if u.Timestamp, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run updates: %w", err)
	}
	return updates, nil
}

// LatestDelivered looks keys up in batches. Only runs that reached delivered
// count.
func (r *UpdateRepo) LatestDelivered(ctx context.Context, keys []model.UpdateKey) (map[model.UpdateKey]time.Time, error) {
	result := make(map[model.UpdateKey]time.Time, len(keys))

	for start := 0; start < len(keys); start += keyBatchSize {
		end := min(start+keyBatchSize, len(keys))
		if err := r.latestBatch(ctx, keys[start:end], result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *UpdateRepo) latestBatch(ctx context.Context, keys []model.UpdateKey, into map[model.UpdateKey]time.Time) error {
	placeholders := make([]string, len(keys))
	args := make([]any, 0, len(keys)*2)
	for i, k := range keys {
		placeholders[i] = "(?, ?)"
		args = append(args, k.SourceID, k.ExternalID)
	}

	query := `
		SELECT u.source_id, u.external_id, MAX(u.occurred_at)
		FROM run_updates u
		JOIN digest_runs r ON r.id = u.run_id
		WHERE r.status = 'delivered'
			AND (u.source_id, u.external_id) IN (VALUES ` + strings.Join(placeholders, ", ") + `)
		GROUP BY u.source_id, u.external_id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query delivered updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k model.UpdateKey
		var occurredAt string
		if err := rows.Scan(&k.SourceID, &k.ExternalID, &occurredAt); err != nil {
			return fmt.Errorf("scan delivered update: %w", err)
		}
		ts, err := parseTime(occurredAt)
		if err != nil {
			return fmt.Errorf("parse occurred_at: %w", err)
		}
		into[k] = ts
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate delivered updates: %w", err)
	}
	return nil
}
