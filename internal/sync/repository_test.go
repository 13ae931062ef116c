package sync

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/fieldsync/internal/config"
	"github.com/tildaslashalef/fieldsync/internal/database"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	logger := loggy.NewNoopLogger()
	db, err := database.Open(config.DatabaseConfig{Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = database.Migrate(db, logger)
	require.NoError(t, err)
	return db
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sql":    NewSQLRepository(newTestDB(t), loggy.NewNoopLogger()),
	}
}

func TestRepository_SyncLogs(t *testing.T) {
	base := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			latest, err := repo.GetLatestSyncLog(ctx)
			require.NoError(t, err)
			assert.Nil(t, latest)

			ok := &SyncLog{Trigger: TriggerManual, Success: true, Pushed: 2, Pulled: 5, StartedAt: base, CompletedAt: base.Add(time.Second)}
			require.NoError(t, repo.CreateSyncLog(ctx, ok))
			assert.NotEmpty(t, ok.ID)

			failed := &SyncLog{
				Trigger: TriggerInterval, ErrorType: SyncErrorTypeNetwork, ErrorMessage: "dial tcp: refused",
				Deferred: 1, StartedAt: base.Add(time.Minute), CompletedAt: base.Add(time.Minute + time.Second),
			}
			require.NoError(t, repo.CreateSyncLog(ctx, failed))

			logs, err := repo.GetSyncLogs(ctx, 10, 0)
			require.NoError(t, err)
			require.Len(t, logs, 2)
			assert.Equal(t, failed.ID, logs[0].ID)
			assert.Equal(t, SyncErrorTypeNetwork, logs[0].ErrorType)
			assert.Equal(t, "dial tcp: refused", logs[0].ErrorMessage)
			assert.Equal(t, 1, logs[0].Deferred)
			assert.Equal(t, ok.ID, logs[1].ID)
			assert.Equal(t, TriggerManual, logs[1].Trigger)
			assert.Equal(t, 5, logs[1].Pulled)
			assert.True(t, logs[1].CompletedAt.Equal(base.Add(time.Second)))

			page, err := repo.GetSyncLogs(ctx, 1, 1)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, ok.ID, page[0].ID)

			latest, err = repo.GetLatestSyncLog(ctx)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, failed.ID, latest.ID)

			success, err := repo.GetLatestSuccess(ctx)
			require.NoError(t, err)
			require.NotNil(t, success)
			assert.Equal(t, ok.ID, success.ID)
		})
	}
}

func TestSQLRepository_CreateSyncLogError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO sync_logs").WillReturnError(errors.New("disk full"))

	repo := NewSQLRepository(db, loggy.NewNoopLogger())
	err = repo.CreateSyncLog(context.Background(), &SyncLog{ID: "cyc_1", Trigger: TriggerManual})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_GetSyncLogsQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM sync_logs").WillReturnError(errors.New("locked"))
	mock.ExpectQuery("SELECT (.+) FROM sync_logs").WillReturnRows(sqlmock.NewRows(syncLogColumns))

	repo := NewSQLRepository(db, loggy.NewNoopLogger())
	_, err = repo.GetSyncLogs(context.Background(), 5, 0)
	assert.Error(t, err)

	latest, err := repo.GetLatestSuccess(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}
