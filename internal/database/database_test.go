package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/fieldsync/internal/config"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

func TestBuildSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", buildSQLiteDSN(config.DatabaseConfig{Path: ":memory:"}))

	dsn := buildSQLiteDSN(config.DatabaseConfig{
		Path:            "/tmp/fieldsync.db",
		BusyTimeout:     5000,
		JournalMode:     "WAL",
		SynchronousMode: "NORMAL",
		ForeignKeys:     true,
	})
	assert.Contains(t, dsn, "file:/tmp/fieldsync.db?")
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.NotContains(t, dsn, "_cache_size")
}

func TestMigrateAndRevert(t *testing.T) {
	logger := loggy.NewNoopLogger()
	db, err := Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 1000,
		JournalMode: "WAL",
	}, logger)
	require.NoError(t, err)
	defer db.Close()

	version, err := Migrate(db, logger)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	// Running again is a no-op
	version, err = Migrate(db, logger)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var seq int64
	require.NoError(t, db.QueryRow("SELECT value FROM outbox_counters WHERE name = 'sequence'").Scan(&seq))
	assert.Zero(t, seq)

	version, err = Revert(db, 1, logger)
	require.NoError(t, err)
	assert.Zero(t, version)

	err = db.QueryRow("SELECT count(*) FROM outbox_operations").Scan(&seq)
	assert.Error(t, err)
}

func TestWithTransaction(t *testing.T) {
	logger := loggy.NewNoopLogger()
	db, err := Open(config.DatabaseConfig{Path: ":memory:"}, logger)
	require.NoError(t, err)
	defer db.Close()

	_, err = Migrate(db, logger)
	require.NoError(t, err)

	ctx := context.Background()
	insert := func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO settings (id, key, value, created_at, updated_at) VALUES ('set-1', 'k', 'v', datetime('now'), datetime('now'))`)
		return err
	}

	boom := errors.New("boom")
	err = WithTransaction(ctx, db, func(tx *sql.Tx) error {
		require.NoError(t, insert(tx))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM settings").Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, WithTransaction(ctx, db, insert))
	require.NoError(t, db.QueryRow("SELECT count(*) FROM settings").Scan(&n))
	assert.Equal(t, 1, n)

	assert.Panics(t, func() {
		_ = WithTransaction(ctx, db, func(tx *sql.Tx) error { panic("bad") })
	})
}
