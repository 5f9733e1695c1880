// Package testutil provides small fixtures shared across this module's
// tests: a temp-dir bbolt store opened directly rather than mocked.
package testutil

import (
	"testing"

	"github.com/deployerd/deployerd/internal/store"
)

// OpenStore opens a BoltStore rooted at a fresh t.TempDir(), closed
// automatically via t.Cleanup.
func OpenStore(t *testing.T) *store.BoltStore {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
