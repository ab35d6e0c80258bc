package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db))

	mustExist := []string{"schema_migrations", "eval_results", "playtime", "avatar_sightings"}
	for _, table := range mustExist {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}

	require.NoError(t, RollbackAll(ctx, db))

	for _, table := range mustExist {
		var count int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count))
		assert.Zero(t, count, "table %s still exists after rollback", table)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db, ctx := openTempDB(t)
	for i := 0; i < 2; i++ {
		require.NoError(t, ApplyMigrations(ctx, db), "pass %d", i)
	}
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, len(migrations), n)
}

func TestEvalResultKindConstraint(t *testing.T) {
	db, ctx := openTempDB(t)
	require.NoError(t, ApplyMigrations(ctx, db))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `INSERT INTO eval_results(fingerprint, kind, result, created_at, last_used_at) VALUES('f1','profile','SAFE',?,?)`, now, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO eval_results(fingerprint, kind, result, created_at, last_used_at) VALUES('f2','world','SAFE',?,?)`, now, now)
	require.Error(t, err, "kind check constraint")

	var flagged int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT flagged FROM eval_results WHERE fingerprint = 'f1'`).Scan(&flagged))
	assert.Zero(t, flagged)
}
