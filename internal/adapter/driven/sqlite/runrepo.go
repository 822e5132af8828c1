package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RunStore = (*RunRepo)(nil)

// defaultRunListLimit caps ListByOwner when the caller passes no limit.
const defaultRunListLimit = 50

// activeStatuses mirrors the predicate of ux_digest_runs_owner_active.
const activeStatuses = `('pending', 'running', 'summarized')`

// RunRepo is the SQLite implementation of the RunStore port interface.
// The partial unique index on digest_runs enforces one active run per owner.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new RunRepo backed by the given DB.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

const runColumns = `id, owner_id, trigger_kind, status, scheduled_for, started_at, completed_at,
	watermark, incomplete_sources, digest_text, used_fallback, update_count, error, created_at`

// Create inserts a pending run. The unique index rejects a second active run
// for the same owner, which is reported as ErrRunInProgress.
func (r *RunRepo) Create(ctx context.Context, run model.DigestRun) (model.DigestRun, error) {
	const query = `
		INSERT INTO digest_runs (owner_id, trigger_kind, status, scheduled_for, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if run.ScheduledFor.IsZero() {
		run.ScheduledFor = now
	}
	run.Status = model.RunStatusPending
	run.CreatedAt = now

	res, err := r.db.Writer.ExecContext(ctx, query,
		run.OwnerID, string(run.Trigger), string(run.Status), formatTime(run.ScheduledFor), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.DigestRun{}, driven.ErrRunInProgress
		}
		return model.DigestRun{}, fmt.Errorf("create run for owner %q: %w", run.OwnerID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.DigestRun{}, fmt.Errorf("read run id: %w", err)
	}
	run.ID = id
	run.ScheduledFor = run.ScheduledFor.UTC()
	return run, nil
}

// Get returns (nil, nil) when the run does not exist.
func (r *RunRepo) Get(ctx context.Context, id int64) (*model.DigestRun, error) {
	query := `SELECT ` + runColumns + ` FROM digest_runs WHERE id = ?`

	run, err := scanRun(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	return &run, nil
}

// ListByOwner returns the newest runs of an owner first. An empty status
// matches every status.
func (r *RunRepo) ListByOwner(ctx context.Context, ownerID string, status model.RunStatus, limit int) ([]model.DigestRun, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}

	query := `SELECT ` + runColumns + ` FROM digest_runs
		WHERE owner_id = ? AND (? = '' OR status = ?)
		ORDER BY id DESC
		LIMIT ?`
	return r.list(ctx, query, ownerID, string(status), string(status), limit)
}

// ListActive returns every pending, running or summarized run.
func (r *RunRepo) ListActive(ctx context.Context) ([]model.DigestRun, error) {
	query := `SELECT ` + runColumns + ` FROM digest_runs WHERE status IN ` + activeStatuses + ` ORDER BY id`
	return r.list(ctx, query)
}

// LastDelivered returns (nil, nil) when there is no delivered run. An empty
// ownerID matches every owner.
func (r *RunRepo) LastDelivered(ctx context.Context, ownerID string) (*model.DigestRun, error) {
	query := `SELECT ` + runColumns + ` FROM digest_runs
		WHERE (? = '' OR owner_id = ?) AND status = 'delivered'
		ORDER BY completed_at DESC, id DESC
		LIMIT 1`

	run, err := scanRun(r.db.Reader.QueryRowContext(ctx, query, ownerID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last delivered run for owner %q: %w", ownerID, err)
	}
	return &run, nil
}

// CountByStatus counts runs of every owner in the given status.
func (r *RunRepo) CountByStatus(ctx context.Context, status model.RunStatus) (int, error) {
	var n int
	err := r.db.Reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM digest_runs WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs with status %s: %w", status, err)
	}
	return n, nil
}

// MarkRunning moves a pending run to running and stamps started_at.
func (r *RunRepo) MarkRunning(ctx context.Context, id int64, at time.Time) error {
	const query = `UPDATE digest_runs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`
	return r.transition(ctx, id, model.RunStatusRunning, query, formatTime(at), id)
}

// MarkSummarized moves a running run to summarized and stores the digest
// text with its token usage.
func (r *RunRepo) MarkSummarized(ctx context.Context, id int64, res driven.SummaryResult) error {
	const query = `
		UPDATE digest_runs
		SET status = 'summarized',
			digest_text = ?,
			used_fallback = ?,
			update_count = ?,
			watermark = ?,
			incomplete_sources = ?
		WHERE id = ? AND status = 'running'
	`

	incomplete := res.IncompleteSources
	if incomplete == nil {
		incomplete = []model.IncompleteSource{}
	}
	incompleteJSON, err := json.Marshal(incomplete)
	if err != nil {
		return fmt.Errorf("marshal incomplete sources: %w", err)
	}

	return r.transition(ctx, id, model.RunStatusSummarized, query,
		res.DigestText, boolToInt(res.UsedFallback), res.UpdateCount, nullTime(res.Watermark),
		string(incompleteJSON), id,
	)
}

// MarkDelivered moves a summarized run to delivered.
func (r *RunRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	const query = `UPDATE digest_runs SET status = 'delivered', completed_at = ? WHERE id = ? AND status = 'summarized'`
	return r.transition(ctx, id, model.RunStatusDelivered, query, formatTime(at), id)
}

// MarkFailed moves any active run to failed and records the reason.
func (r *RunRepo) MarkFailed(ctx context.Context, id int64, reason string, at time.Time) error {
	query := `UPDATE digest_runs SET status = 'failed', error = ?, completed_at = ?
		WHERE id = ? AND status IN ` + activeStatuses
	return r.transition(ctx, id, model.RunStatusFailed, query, reason, formatTime(at), id)
}

// Reopen moves a failed run with digest text back to summarized so it can be
// redelivered. activated_at is reset to at; started_at keeps the fetch time.
func (r *RunRepo) Reopen(ctx context.Context, id int64, at time.Time) error {
	const query = `
		UPDATE digest_runs
		SET status = 'summarized', error = '', completed_at = NULL, activated_at = ?
		WHERE id = ? AND status = 'failed' AND digest_text != ''
	`

	res, err := r.db.Writer.ExecContext(ctx, query, formatTime(at), id)
	if err != nil {
		if isUniqueViolation(err) {
			return driven.ErrRunInProgress
		}
		return fmt.Errorf("reopen run %d: %w", id, err)
	}
	return checkTransition(res, id, model.RunStatusSummarized)
}

// FailStale fails active runs that became active before cutoff. A reopened
// run is measured from its reopen time, a started run from its start and a
// pending run from its creation.
func (r *RunRepo) FailStale(ctx context.Context, cutoff time.Time, reason string) ([]int64, error) {
	query := `
		UPDATE digest_runs
		SET status = 'failed', error = ?, completed_at = ?
		WHERE status IN ` + activeStatuses + `
			AND COALESCE(activated_at, started_at, created_at) < ?
		RETURNING id
	`

	rows, err := r.db.Writer.QueryContext(ctx, query, reason, formatTime(time.Now()), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("fail stale runs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale runs: %w", err)
	}
	return ids, nil
}

func (r *RunRepo) transition(ctx context.Context, id int64, to model.RunStatus, query string, args ...any) error {
	res, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark run %d %s: %w", id, to, err)
	}
	return checkTransition(res, id, to)
}

func checkTransition(res sql.Result, id int64, to model.RunStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark run %d %s: %w", id, to, driven.ErrStaleTransition)
	}
	return nil
}

func (r *RunRepo) list(ctx context.Context, query string, args ...any) ([]model.DigestRun, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.DigestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (model.DigestRun, error) {
	var run model.DigestRun
	var trigger, status, scheduledFor, incompleteJSON, createdAt string
	var startedAt, completedAt, watermark sql.NullString
	var usedFallback int

	err := row.Scan(&run.ID, &run.OwnerID, &trigger, &status, &scheduledFor, &startedAt, &completedAt,
		&watermark, &incompleteJSON, &run.DigestText, &usedFallback, &run.UpdateCount, &run.Error, &createdAt)
	if err != nil {
		return model.DigestRun{}, err
	}

	run.Trigger = model.RunTrigger(trigger)
	run.Status = model.RunStatus(status)
	run.UsedFallback = usedFallback == 1

	if err := json.Unmarshal([]byte(incompleteJSON), &run.IncompleteSources); err != nil {
		return model.DigestRun{}, fmt.Errorf("unmarshal incomplete sources: %w", err)
	}
	if run.ScheduledFor, err = parseTime(scheduledFor); err != nil {
		return model.DigestRun{}, fmt.Errorf("parse scheduled_for: %w", err)
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return model.DigestRun{}, fmt.Errorf("parse started_at: %w", err)
	}
	if run.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return model.DigestRun{}, fmt.Errorf("parse completed_at: %w", err)
	}
	if run.Watermark, err = parseNullTime(watermark); err != nil {
		return model.DigestRun{}, fmt.Errorf("parse watermark: %w", err)
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.DigestRun{}, fmt.Errorf("parse created_at: %w", err)
	}
	return run, nil
}

// isUniqueViolation reports a UNIQUE constraint failure. The driver enables
// extended result codes on every connection.
func isUniqueViolation(err error) bool {
	var sqliteErr *moderncsqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
