package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// SourceService connects, edits, tests and disables sources. Credentials go
// straight to the Vault and are never returned.
type SourceService struct {
	owners   driven.OwnerStore
	sources  driven.SourceStore
	vault    *Vault
	registry *ConnectorRegistry
}

// NewSourceService creates a SourceService.
func NewSourceService(owners driven.OwnerStore, sources driven.SourceStore, vault *Vault, registry *ConnectorRegistry) *SourceService {
	return &SourceService{owners: owners, sources: sources, vault: vault, registry: registry}
}

// Connect validates and stores a new source together with its encrypted
// credential. If the credential cannot be stored the source is left
// disabled.
func (s *SourceService) Connect(ctx context.Context, src model.SourceConfig, secret string) (model.SourceConfig, error) {
	src.Name = strings.TrimSpace(src.Name)
	switch {
	case src.Name == "":
		return model.SourceConfig{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	case secret == "":
		return model.SourceConfig{}, fmt.Errorf("%w: credential is required", ErrInvalidInput)
	case src.PollCadence < 0:
		return model.SourceConfig{}, fmt.Errorf("%w: poll cadence must not be negative", ErrInvalidInput)
	}
	if _, ok := s.registry.Get(src.Type); !ok {
		return model.SourceConfig{}, fmt.Errorf("%w: unsupported source type %q", ErrInvalidInput, src.Type)
	}

	owner, err := s.owners.Get(ctx, src.OwnerID)
	if err != nil {
		return model.SourceConfig{}, fmt.Errorf("load owner %q: %w", src.OwnerID, err)
	}
	if owner == nil {
		return model.SourceConfig{}, ErrOwnerNotFound
	}

	src.Enabled = true
	added, err := s.sources.Add(ctx, src)
	if err != nil {
		return model.SourceConfig{}, err
	}

	if _, err := s.vault.Store(ctx, added.OwnerID, added.ID, secret); err != nil {
		if derr := s.sources.SetEnabled(ctx, added.ID, false); derr != nil {
			slog.Error("failed to disable source without credential", "source_id", added.ID, "error", derr)
		}
		return model.SourceConfig{}, fmt.Errorf("store credential for source %d: %w", added.ID, err)
	}

	slog.Info("source connected", "source_id", added.ID, "owner_id", added.OwnerID, "source_type", added.Type)
	return added, nil
}

// UpdateCredential replaces the credential of an owner's source and
// re-enables it.
func (s *SourceService) UpdateCredential(ctx context.Context, ownerID string, sourceID int64, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: credential is required", ErrInvalidInput)
	}
	src, err := s.ownedSource(ctx, ownerID, sourceID)
	if err != nil {
		return err
	}
	if _, err := s.vault.Store(ctx, src.OwnerID, src.ID, secret); err != nil {
		return fmt.Errorf("store credential for source %d: %w", src.ID, err)
	}
	return s.sources.SetEnabled(ctx, src.ID, true)
}

// Disable soft-disables a source. Its history stays intact.
func (s *SourceService) Disable(ctx context.Context, ownerID string, sourceID int64) error {
	src, err := s.ownedSource(ctx, ownerID, sourceID)
	if err != nil {
		return err
	}
	if err := s.sources.SetEnabled(ctx, src.ID, false); err != nil {
		return err
	}
	slog.Info("source disabled", "source_id", src.ID, "owner_id", ownerID)
	return nil
}

// SourcePatch holds the editable fields of a source. Nil fields are left
// unchanged; a non-nil Options replaces the whole map.
type SourcePatch struct {
	Name        *string
	PollCadence *time.Duration
	Options     map[string]string
}

// Update edits a source in place. Its credential, watermark and failure
// counter are kept.
func (s *SourceService) Update(ctx context.Context, ownerID string, sourceID int64, patch SourcePatch) (model.SourceConfig, error) {
	src, err := s.ownedSource(ctx, ownerID, sourceID)
	if err != nil {
		return model.SourceConfig{}, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return model.SourceConfig{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		src.Name = name
	}
	if patch.PollCadence != nil {
		if *patch.PollCadence < 0 {
			return model.SourceConfig{}, fmt.Errorf("%w: poll cadence must not be negative", ErrInvalidInput)
		}
		src.PollCadence = *patch.PollCadence
	}
	if patch.Options != nil {
		src.Options = patch.Options
	}

	if err := s.sources.Update(ctx, *src); err != nil {
		return model.SourceConfig{}, err
	}
	slog.Info("source updated", "source_id", src.ID, "owner_id", ownerID)
	return *src, nil
}

// sourceTestTimeout bounds a credential check.
const sourceTestTimeout = 20 * time.Second

// SourceCheck is the outcome of testing a source's stored credential.
// Status is "ok" or the failure kind, such as auth_expired.
type SourceCheck struct {
	Valid  bool
	Status string
}

// Test checks the stored credential by reading the first update from now on.
// A locked vault is returned as an error; every other failure is reported
// in the SourceCheck. The source's failure counter is not touched.
func (s *SourceService) Test(ctx context.Context, ownerID string, sourceID int64) (SourceCheck, error) {
	src, err := s.ownedSource(ctx, ownerID, sourceID)
	if err != nil {
		return SourceCheck{}, err
	}
	connector, ok := s.registry.Get(src.Type)
	if !ok {
		return SourceCheck{}, fmt.Errorf("%w: unsupported source type %q", ErrInvalidInput, src.Type)
	}

	secret, err := s.vault.RevealSource(ctx, src.ID)
	switch {
	case errors.Is(err, driven.ErrEncryptionKeyNotSet):
		return SourceCheck{}, err
	case errors.Is(err, ErrCredentialMissing):
		return SourceCheck{Status: reasonCredentialMissing}, nil
	case err != nil:
		return SourceCheck{Status: driven.ErrorKind(err)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, sourceTestTimeout)
	defer cancel()

	for _, err := range connector.FetchSince(ctx, *src, secret, time.Now()) {
		if err != nil {
			if ctx.Err() != nil {
				err = driven.NewUnavailable(src.Type, err)
			}
			slog.Info("source test failed", "source_id", src.ID, "kind", driven.ErrorKind(err))
			return SourceCheck{Status: driven.ErrorKind(err)}, nil
		}
		break
	}
	return SourceCheck{Valid: true, Status: "ok"}, nil
}

func (s *SourceService) ownedSource(ctx context.Context, ownerID string, sourceID int64) (*model.SourceConfig, error) {
	src, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source %d: %w", sourceID, err)
	}
	if src == nil || src.OwnerID != ownerID {
		return nil, ErrSourceNotFound
	}
	return src, nil
}
