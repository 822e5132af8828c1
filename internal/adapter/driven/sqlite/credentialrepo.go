package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
// It stores ciphertext and nonce exactly as produced by the Vault.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new CredentialRepo backed by the given DB.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

// Save stores or replaces the credential of a source.
func (r *CredentialRepo) Save(ctx context.Context, cred model.Credential) error {
	const query = `
		INSERT INTO credentials (source_id, owner_id, encrypted_blob, nonce, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			encrypted_blob = excluded.encrypted_blob,
			nonce = excluded.nonce,
			created_at = excluded.created_at
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		cred.SourceID, cred.OwnerID, cred.EncryptedBlob, cred.Nonce, formatTime(cred.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save credential for source %d: %w", cred.SourceID, err)
	}
	return nil
}

// GetBySource returns the credential of a source, or (nil, nil) if none exists.
func (r *CredentialRepo) GetBySource(ctx context.Context, sourceID int64) (*model.Credential, error) {
	const query = `
		SELECT source_id, owner_id, encrypted_blob, nonce, created_at
		FROM credentials
		WHERE source_id = ?
	`

	cred, err := scanCredential(r.db.Reader.QueryRowContext(ctx, query, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential for source %d: %w", sourceID, err)
	}
	return &cred, nil
}

// ListAll returns every stored credential ordered by source ID.
func (r *CredentialRepo) ListAll(ctx context.Context) ([]model.Credential, error) {
	const query = `
		SELECT source_id, owner_id, encrypted_blob, nonce, created_at
		FROM credentials
		ORDER BY source_id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}

	return creds, nil
}

// ReplaceAll overwrites ciphertext and nonce of every given credential in one
// transaction. Either all rows move to the new key or none do.
func (r *CredentialRepo) ReplaceAll(ctx context.Context, creds []model.Credential) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credential rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `UPDATE credentials SET encrypted_blob = ?, nonce = ? WHERE source_id = ?`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare credential rotation: %w", err)
	}
	defer stmt.Close()

	for _, cred := range creds {
		res, err := stmt.ExecContext(ctx, cred.EncryptedBlob, cred.Nonce, cred.SourceID)
		if err != nil {
			return fmt.Errorf("rotate credential for source %d: %w", cred.SourceID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("rotate credential for source %d: not found", cred.SourceID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential rotation: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (model.Credential, error) {
	var cred model.Credential
	var createdAt string
	if err := row.Scan(&cred.SourceID, &cred.OwnerID, &cred.EncryptedBlob, &cred.Nonce, &createdAt); err != nil {
		return model.Credential{}, err
	}

	var err error
	cred.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return model.Credential{}, fmt.Errorf("parse created_at: %w", err)
	}
	return cred, nil
}
