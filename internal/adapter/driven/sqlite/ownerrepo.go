package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.OwnerStore = (*OwnerRepo)(nil)

// OwnerRepo is the SQLite implementation of the OwnerStore port interface.
type OwnerRepo struct {
	db *DB
}

// NewOwnerRepo creates a new OwnerRepo backed by the given DB.
func NewOwnerRepo(db *DB) *OwnerRepo {
	return &OwnerRepo{db: db}
}

const ownerColumns = `id, destination, cadence, language, enabled, next_fire_at, created_at`

// Upsert inserts an owner or updates its settings. An existing next_fire_at is
// kept when the new value is zero.
func (r *OwnerRepo) Upsert(ctx context.Context, owner model.Owner) error {
	const query = `
		INSERT INTO owners (id, destination, cadence, language, enabled, next_fire_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			destination = excluded.destination,
			cadence = excluded.cadence,
			language = excluded.language,
			enabled = excluded.enabled,
			next_fire_at = COALESCE(excluded.next_fire_at, owners.next_fire_at)
	`

	language := owner.Language
	if language == "" {
		language = "en"
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		owner.ID, owner.Destination, owner.Cadence, language, boolToInt(owner.Enabled), nullTime(owner.NextFireAt),
	)
	if err != nil {
		return fmt.Errorf("upsert owner %q: %w", owner.ID, err)
	}
	return nil
}

// Get returns (nil, nil) when the owner does not exist.
func (r *OwnerRepo) Get(ctx context.Context, id string) (*model.Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM owners WHERE id = ?`

	owner, err := scanOwner(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owner %q: %w", id, err)
	}
	return &owner, nil
}

// ListAll returns all owners ordered by ID.
func (r *OwnerRepo) ListAll(ctx context.Context) ([]model.Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM owners ORDER BY id`
	return r.list(ctx, query)
}

// ListDue returns enabled owners whose next fire time is at or before now.
func (r *OwnerRepo) ListDue(ctx context.Context, now time.Time) ([]model.Owner, error) {
	query := `SELECT ` + ownerColumns + `
		FROM owners
		WHERE enabled = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at, id`
	return r.list(ctx, query, formatTime(now))
}

// SetNextFire records the next scheduled fire time of an owner.
func (r *OwnerRepo) SetNextFire(ctx context.Context, id string, next time.Time) error {
	const query = `UPDATE owners SET next_fire_at = ? WHERE id = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, nullTime(next), id); err != nil {
		return fmt.Errorf("set next fire for owner %q: %w", id, err)
	}
	return nil
}

func (r *OwnerRepo) list(ctx context.Context, query string, args ...any) ([]model.Owner, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []model.Owner
	for rows.Next() {
		owner, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return owners, nil
}

func scanOwner(row rowScanner) (model.Owner, error) {
	var o model.Owner
	var enabled int
	var nextFire sql.NullString
	var createdAt string

	if err := row.Scan(&o.ID, &o.Destination, &o.Cadence, &o.Language, &enabled, &nextFire, &createdAt); err != nil {
		return model.Owner{}, err
	}
	o.Enabled = enabled == 1

	var err error
	if o.NextFireAt, err = parseNullTime(nextFire); err != nil {
		return model.Owner{}, fmt.Errorf("parse next_fire_at: %w", err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Owner{}, fmt.Errorf("parse created_at: %w", err)
	}
	return o, nil
}
