package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/lobbywatch/internal/db"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "lobbywatch-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedEvalResult stores a cached classification for fingerprint.
func SeedEvalResult(t *testing.T, store *db.Store, ctx context.Context, fingerprint, result string) db.EvalResult {
	t.Helper()
	res := db.EvalResult{
		Fingerprint: fingerprint,
		Kind:        db.EvalProfile,
		Result:      result,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.PutEvalResult(ctx, res); err != nil {
		t.Fatalf("seed eval result: %v", err)
	}
	return res
}
