package sqlite

import (
	"context"
	"testing"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
)

// setupTestDB opens a migrated in-memory database named after the test, so
// parallel tests never share rows.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewMemoryDB(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := RunMigrations(db.Writer); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return db
}

// seedOwner inserts an enabled owner with a daily cadence.
func seedOwner(t *testing.T, db *DB, id string) {
	t.Helper()
	err := NewOwnerRepo(db).Upsert(context.Background(), model.Owner{
		ID:          id,
		Destination: "12345",
		Cadence:     "24h",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("seed owner %s: %v", id, err)
	}
}

// seedSource inserts an enabled GitHub source for the owner and returns its ID.
func seedSource(t *testing.T, db *DB, ownerID, name string) int64 {
	t.Helper()
	src, err := NewSourceRepo(db).Add(context.Background(), model.SourceConfig{
		OwnerID: ownerID,
		Type:    model.SourceTypeGitHub,
		Name:    name,
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("seed source %s: %v", name, err)
	}
	return src.ID
}
