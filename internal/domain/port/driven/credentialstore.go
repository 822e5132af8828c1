package driven

import (
	"context"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// CredentialStore persists encrypted credentials. It never sees plaintext:
// encryption and decryption belong to the application Vault.
type CredentialStore interface {
	// Save stores or replaces the credential of a source.
	Save(ctx context.Context, cred model.Credential) error

	// GetBySource returns the credential of a source, or (nil, nil) if none exists.
	GetBySource(ctx context.Context, sourceID int64) (*model.Credential, error)

	// ListAll returns every stored credential ordered by source ID.
	ListAll(ctx context.Context) ([]model.Credential, error)

	// ReplaceAll overwrites the ciphertext of every given credential in a single
	// transaction. Used by key rotation.
	ReplaceAll(ctx context.Context, creds []model.Credential) error
}
