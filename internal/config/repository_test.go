package config

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

func newMockRepo(t *testing.T) (*SQLSettingsRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLSettingsRepository(db, loggy.NewNoopLogger()), mock
}

func TestSQLSettingsRepository_GetSetting(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT value FROM settings WHERE key = \\? LIMIT 1").
			WithArgs(KeyDeviceID).
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("dev-1"))

		v, err := repo.GetSetting(ctx, KeyDeviceID)
		require.NoError(t, err)
		assert.Equal(t, "dev-1", v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT value FROM settings").
			WithArgs(KeyDeviceID).
			WillReturnError(sql.ErrNoRows)

		v, err := repo.GetSetting(ctx, KeyDeviceID)
		require.NoError(t, err)
		assert.Empty(t, v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("token is deobfuscated", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT value FROM settings").
			WithArgs(KeyServerToken).
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(obfuscateToken("secret")))

		v, err := repo.GetSetting(ctx, KeyServerToken)
		require.NoError(t, err)
		assert.Equal(t, "secret", v)
	})
}

func TestSQLSettingsRepository_SetSetting(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO settings \\(id,key,value,created_at,updated_at\\) VALUES \\(\\?,\\?,\\?,\\?,\\?\\) ON CONFLICT\\(key\\) DO UPDATE").
		WithArgs(sqlmock.AnyArg(), KeyServerToken, obfuscateToken("tok"), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.SetSetting(context.Background(), KeyServerToken, "tok"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSettingsRepository_GetSettings(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT key, value FROM settings WHERE key LIKE \\?").
		WithArgs(KeyCursorPrefix + "%").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow(KeyCursorPrefix+"pin", "2026-01-01T00:00:00Z").
			AddRow(KeyCursorPrefix+"form", "2026-01-02T00:00:00Z"))

	got, err := repo.GetSettings(context.Background(), KeyCursorPrefix)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "2026-01-02T00:00:00Z", got[KeyCursorPrefix+"form"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenObfuscation(t *testing.T) {
	stored := obfuscateToken("abc-123")
	assert.NotContains(t, stored, "abc-123")

	plain, err := deobfuscateToken(stored)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", plain)

	plain, err = deobfuscateToken("legacy-plain")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plain", plain)
}

// memorySettings is a map backed SettingsRepository for service tests
type memorySettings map[string]string

func (m memorySettings) GetSetting(_ context.Context, key string) (string, error) {
	return m[key], nil
}

func (m memorySettings) GetSettings(_ context.Context, prefix string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (m memorySettings) SetSetting(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func (m memorySettings) DeleteSetting(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func TestSettingsService(t *testing.T) {
	ctx := context.Background()
	store := memorySettings{}
	cfg := New()
	svc := NewSettingsService(store, cfg, loggy.NewNoopLogger())

	t.Run("device id is stable", func(t *testing.T) {
		id, err := svc.DeviceID(ctx)
		require.NoError(t, err)
		assert.Contains(t, id, "dev-")
		assert.NotEmpty(t, cfg.Server.DeviceName)

		again, err := svc.DeviceID(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, again)
	})

	t.Run("cursors", func(t *testing.T) {
		zero, err := svc.Cursor(ctx, "pin")
		require.NoError(t, err)
		assert.True(t, zero.IsZero())

		at := time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)
		require.NoError(t, svc.SetCursor(ctx, "pin", at))
		got, err := svc.Cursor(ctx, "pin")
		require.NoError(t, err)
		assert.True(t, at.Equal(got))

		require.NoError(t, svc.ResetCursors(ctx))
		got, err = svc.Cursor(ctx, "pin")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("load overlays saved values", func(t *testing.T) {
		require.NoError(t, svc.SetServerURL(ctx, "https://saved.example.com"))
		require.NoError(t, svc.SetToken(ctx, "saved-token"))

		fresh := New()
		require.NoError(t, NewSettingsService(store, fresh, loggy.NewNoopLogger()).LoadInto(ctx))
		assert.Equal(t, "https://saved.example.com", fresh.Server.URL)
		assert.Equal(t, "saved-token", fresh.Server.Token)
	})
}
