package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.SourceStore = (*SourceRepo)(nil)

// SourceRepo is the SQLite implementation of the SourceStore port interface.
// Options are serialized as a JSON object in the TEXT column.
type SourceRepo struct {
	db *DB
}

// NewSourceRepo creates a new SourceRepo backed by the given DB.
func NewSourceRepo(db *DB) *SourceRepo {
	return &SourceRepo{db: db}
}

const sourceColumns = `id, owner_id, source_type, name, poll_cadence_ns, enabled, options,
	consecutive_failures, last_polled_at, watermark, created_at`

// Add inserts a new source and returns it with its assigned ID.
func (r *SourceRepo) Add(ctx context.Context, src model.SourceConfig) (model.SourceConfig, error) {
	const query = `
		INSERT INTO source_configs (owner_id, source_type, name, poll_cadence_ns, enabled, options, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	options := src.Options
	if options == nil {
		options = map[string]string{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return model.SourceConfig{}, fmt.Errorf("marshal options: %w", err)
	}

	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		src.OwnerID, string(src.Type), src.Name, int64(src.PollCadence), boolToInt(src.Enabled),
		string(optionsJSON), formatTime(createdAt),
	)
	if err != nil {
		return model.SourceConfig{}, fmt.Errorf("add source %q for owner %q: %w", src.Name, src.OwnerID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.SourceConfig{}, fmt.Errorf("read source id: %w", err)
	}

	src.ID = id
	src.Options = options
	src.CreatedAt = createdAt.UTC()
	return src, nil
}

// Get returns (nil, nil) when the source does not exist.
func (r *SourceRepo) Get(ctx context.Context, id int64) (*model.SourceConfig, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_configs WHERE id = ?`

	src, err := scanSource(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}
	return &src, nil
}

// ListByOwner returns every source of an owner, enabled or not.
func (r *SourceRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.SourceConfig, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_configs WHERE owner_id = ? ORDER BY id`
	return r.list(ctx, query, ownerID)
}

// ListEnabledByOwner returns the enabled sources of an owner.
func (r *SourceRepo) ListEnabledByOwner(ctx context.Context, ownerID string) ([]model.SourceConfig, error) {
	query := `SELECT ` + sourceColumns + ` FROM source_configs WHERE owner_id = ? AND enabled = 1 ORDER BY id`
	return r.list(ctx, query, ownerID)
}

// SetEnabled enables or disables a source. Re-enabling clears the failure counter.
func (r *SourceRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	const query = `
		UPDATE source_configs
		SET enabled = ?,
			consecutive_failures = CASE WHEN ? = 1 THEN 0 ELSE consecutive_failures END
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query, boolToInt(enabled), boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set enabled for source %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("source %d not found", id)
	}
	return nil
}

// Update stores the editable fields of a source. The watermark, poll time and
// failure counter are left as they are.
func (r *SourceRepo) Update(ctx context.Context, src model.SourceConfig) error {
	const query = `
		UPDATE source_configs
		SET name = ?, poll_cadence_ns = ?, options = ?
		WHERE id = ?
	`

	options := src.Options
	if options == nil {
		options = map[string]string{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	res, err := r.db.Writer.ExecContext(ctx, query, src.Name, int64(src.PollCadence), string(optionsJSON), src.ID)
	if err != nil {
		return fmt.Errorf("update source %d: %w", src.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("source %d not found", src.ID)
	}
	return nil
}

// RecordSuccess resets the failure counter, stores the poll time and advances
// the watermark. A zero or older watermark leaves the stored one untouched.
func (r *SourceRepo) RecordSuccess(ctx context.Context, id int64, polledAt, watermark time.Time) error {
	const query = `
		UPDATE source_configs
		SET consecutive_failures = 0,
			last_polled_at = ?,
			watermark = CASE
				WHEN ? IS NULL THEN watermark
				WHEN watermark IS NULL OR watermark < ? THEN ?
				ELSE watermark
			END
		WHERE id = ?
	`

	wm := nullTime(watermark)
	if _, err := r.db.Writer.ExecContext(ctx, query, formatTime(polledAt), wm, wm, wm, id); err != nil {
		return fmt.Errorf("record success for source %d: %w", id, err)
	}
	return nil
}

// RecordFailure increments the failure counter and returns the new value.
func (r *SourceRepo) RecordFailure(ctx context.Context, id int64) (int, error) {
	const query = `
		UPDATE source_configs
		SET consecutive_failures = consecutive_failures + 1
		WHERE id = ?
		RETURNING consecutive_failures
	`

	var failures int
	if err := r.db.Writer.QueryRowContext(ctx, query, id).Scan(&failures); err != nil {
		return 0, fmt.Errorf("record failure for source %d: %w", id, err)
	}
	return failures, nil
}

func (r *SourceRepo) list(ctx context.Context, query string, args ...any) ([]model.SourceConfig, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []model.SourceConfig
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

func scanSource(row rowScanner) (model.SourceConfig, error) {
	var s model.SourceConfig
	var sourceType, optionsJSON, createdAt string
	var cadence int64
	var enabled int
	var lastPolled, watermark sql.NullString

	err := row.Scan(&s.ID, &s.OwnerID, &sourceType, &s.Name, &cadence, &enabled, &optionsJSON,
		&s.ConsecutiveFailures, &lastPolled, &watermark, &createdAt)
	if err != nil {
		return model.SourceConfig{}, err
	}

	s.Type = model.SourceType(sourceType)
	s.PollCadence = time.Duration(cadence)
	s.Enabled = enabled == 1

	if err := json.Unmarshal([]byte(optionsJSON), &s.Options); err != nil {
		return model.SourceConfig{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if s.LastPolledAt, err = parseNullTime(lastPolled); err != nil {
		return model.SourceConfig{}, fmt.Errorf("parse last_polled_at: %w", err)
	}
	if s.Watermark, err = parseNullTime(watermark); err != nil {
		return model.SourceConfig{}, fmt.Errorf("parse watermark: %w", err)
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.SourceConfig{}, fmt.Errorf("parse created_at: %w", err)
	}
	return s, nil
}
