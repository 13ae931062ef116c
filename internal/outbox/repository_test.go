package outbox

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
	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/ulid"
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

func strPtr(s string) *string      { return &s }
func floatPtr(f float64) *float64 { return &f }

func pinCreate(title string) Payload {
	return PinPayload(0, entity.PinPatch{Title: strPtr(title), Latitude: floatPtr(1.5), Longitude: floatPtr(2.5)})
}

func newOp(t *testing.T, repo Repository, kind entity.Mutation, id string, payload Payload, at time.Time) *Operation {
	t.Helper()
	seq, err := repo.NextSequence(context.Background())
	require.NoError(t, err)
	return &Operation{
		ID:             ulid.OperationID(),
		Kind:           kind,
		EntityType:     entity.TypePin,
		EntityID:       id,
		IdempotencyKey: IdempotencyKey("dev-1", entity.TypePin, id, kind, seq),
		Payload:        payload,
		Status:         StatusPending,
		MaxAttempts:    DefaultMaxAttempts,
		SequenceNumber: seq,
		DeviceID:       "dev-1",
		CreatedAt:      at,
		UpdatedAt:      at,
		NextAttemptAt:  at,
	}
}

func repositories(t *testing.T) map[string]func() Repository {
	return map[string]func() Repository{
		"memory": func() Repository { return NewMemoryRepository() },
		"sql":    func() Repository { return NewSQLRepository(newTestDB(t), loggy.NewNoopLogger()) },
	}
}

func TestRepository_Contract(t *testing.T) {
	for name, newRepo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("sequence is monotonic", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				a, err := repo.NextSequence(ctx)
				require.NoError(t, err)
				b, err := repo.NextSequence(ctx)
				require.NoError(t, err)
				assert.Equal(t, a+1, b)
			})

			t.Run("insert and get round trip", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
				op := newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("Well"), now)
				require.NoError(t, repo.Insert(ctx, op))

				got, err := repo.Get(ctx, op.ID)
				require.NoError(t, err)
				assert.Equal(t, op.IdempotencyKey, got.IdempotencyKey)
				assert.Equal(t, "Well", *got.Payload.Pin.Title)
				assert.True(t, got.CreatedAt.Equal(now))
				assert.Nil(t, got.LastAttemptAt)

				_, err = repo.Get(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("one live operation per entity", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				now := time.Now().UTC()
				require.NoError(t, repo.Insert(ctx, newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("a"), now)))

				err := repo.Insert(ctx, newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("b"), now))
				assert.ErrorIs(t, err, ErrStorage)
			})

			t.Run("next eligible is lowest sequence that is due", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

				first := newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("a"), now)
				first.NextAttemptAt = now.Add(time.Minute)
				second := newOp(t, repo, entity.MutationCreate, "pin-2", pinCreate("b"), now)
				third := newOp(t, repo, entity.MutationCreate, "pin-3", pinCreate("c"), now)
				for _, op := range []*Operation{third, first, second} {
					require.NoError(t, repo.Insert(ctx, op))
				}

				got, err := repo.NextEligible(ctx, now)
				require.NoError(t, err)
				assert.Equal(t, second.ID, got.ID)

				got, err = repo.NextEligible(ctx, now.Add(time.Minute))
				require.NoError(t, err)
				assert.Equal(t, first.ID, got.ID)

				next, err := repo.NextAttemptAt(ctx)
				require.NoError(t, err)
				require.NotNil(t, next)
				assert.True(t, next.Equal(now))
			})

			t.Run("claim is compare and set", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				now := time.Now().UTC()
				op := newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("a"), now)
				require.NoError(t, repo.Insert(ctx, op))

				claimed, err := repo.Claim(ctx, op.ID, now)
				require.NoError(t, err)
				assert.Equal(t, StatusProcessing, claimed.Status)
				require.NotNil(t, claimed.LastAttemptAt)

				_, err = repo.Claim(ctx, op.ID, now)
				assert.ErrorIs(t, err, ErrNotClaimable)

				_, err = repo.NextEligible(ctx, now)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("claim respects backoff", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				now := time.Now().UTC()
				op := newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("a"), now)
				op.NextAttemptAt = now.Add(time.Hour)
				require.NoError(t, repo.Insert(ctx, op))

				_, err := repo.Claim(ctx, op.ID, now)
				assert.ErrorIs(t, err, ErrNotClaimable)
			})

			t.Run("find open includes failed", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				now := time.Now().UTC()
				op := newOp(t, repo, entity.MutationUpdate, "pin-1", PinPayload(3, entity.PinPatch{Title: strPtr("x")}), now)
				op.Status = StatusFailed
				require.NoError(t, repo.Insert(ctx, op))

				got, err := repo.FindOpen(ctx, entity.TypePin, "pin-1")
				require.NoError(t, err)
				assert.Equal(t, op.ID, got.ID)
				assert.False(t, got.Live())

				_, err = repo.FindOpen(ctx, entity.TypeForm, "pin-1")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("complete removes and counts", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				now := time.Now().UTC()
				a := newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("a"), now)
				b := newOp(t, repo, entity.MutationCreate, "pin-2", pinCreate("b"), now)
				require.NoError(t, repo.Insert(ctx, a))
				require.NoError(t, repo.Insert(ctx, b))

				require.NoError(t, repo.Complete(ctx, a.ID))
				require.NoError(t, repo.Delete(ctx, b.ID))

				c, err := repo.Counts(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(1), c.Completed)
				assert.Zero(t, c.Pending)

				assert.ErrorIs(t, repo.Complete(ctx, a.ID), ErrNotFound)
				assert.ErrorIs(t, repo.Delete(ctx, b.ID), ErrNotFound)
			})

			t.Run("counts by status", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

				older := newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("a"), base)
				newer := newOp(t, repo, entity.MutationCreate, "pin-2", pinCreate("b"), base.Add(time.Minute))
				failed := newOp(t, repo, entity.MutationCreate, "pin-3", pinCreate("c"), base)
				failed.Status = StatusFailed
				for _, op := range []*Operation{older, newer, failed} {
					require.NoError(t, repo.Insert(ctx, op))
				}
				_, err := repo.Claim(ctx, newer.ID, base.Add(time.Hour))
				require.NoError(t, err)

				c, err := repo.Counts(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, c.Pending)
				assert.Equal(t, 1, c.Processing)
				assert.Equal(t, 1, c.Failed)
				require.NotNil(t, c.OldestPending)
				assert.True(t, c.OldestPending.Equal(base))
			})

			t.Run("list filters", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				now := time.Now().UTC()
				a := newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("a"), now)
				b := newOp(t, repo, entity.MutationCreate, "pin-2", pinCreate("b"), now)
				b.Status = StatusFailed
				c := newOp(t, repo, entity.MutationCreate, "pin-3", pinCreate("c"), now)
				for _, op := range []*Operation{c, b, a} {
					require.NoError(t, repo.Insert(ctx, op))
				}

				all, err := repo.List(ctx, ListFilter{})
				require.NoError(t, err)
				require.Len(t, all, 3)
				assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

				failed, err := repo.List(ctx, ListFilter{Status: StatusFailed})
				require.NoError(t, err)
				require.Len(t, failed, 1)
				assert.Equal(t, b.ID, failed[0].ID)

				limited, err := repo.List(ctx, ListFilter{Limit: 2})
				require.NoError(t, err)
				assert.Len(t, limited, 2)

				one, err := repo.List(ctx, ListFilter{EntityType: entity.TypePin, EntityID: "pin-3"})
				require.NoError(t, err)
				require.Len(t, one, 1)
				assert.Equal(t, c.ID, one[0].ID)
			})

			t.Run("reset stale only touches old claims", func(t *testing.T) {
				repo := newRepo()
				ctx := context.Background()
				base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
				stale := newOp(t, repo, entity.MutationCreate, "pin-1", pinCreate("a"), base)
				fresh := newOp(t, repo, entity.MutationCreate, "pin-2", pinCreate("b"), base)
				require.NoError(t, repo.Insert(ctx, stale))
				require.NoError(t, repo.Insert(ctx, fresh))
				_, err := repo.Claim(ctx, stale.ID, base)
				require.NoError(t, err)
				_, err = repo.Claim(ctx, fresh.ID, base.Add(10*time.Minute))
				require.NoError(t, err)

				now := base.Add(11 * time.Minute)
				n, err := repo.ResetStale(ctx, now.Add(-5*time.Minute), now)
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				got, err := repo.Get(ctx, stale.ID)
				require.NoError(t, err)
				assert.Equal(t, StatusPending, got.Status)
				assert.Zero(t, got.Attempts)

				got, err = repo.Get(ctx, fresh.ID)
				require.NoError(t, err)
				assert.Equal(t, StatusProcessing, got.Status)
			})
		})
	}
}

func TestSQLRepository_StorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db, loggy.NewNoopLogger())
	ctx := context.Background()

	mock.ExpectQuery(`UPDATE outbox_counters SET value = value \+ 1 WHERE name = \? RETURNING value`).
		WithArgs("sequence").
		WillReturnError(errors.New("disk I/O error"))
	_, err = repo.NextSequence(ctx)
	assert.ErrorIs(t, err, ErrStorage)

	mock.ExpectExec(`UPDATE outbox_operations SET status = \?, last_attempt_at = \?, updated_at = \? WHERE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	_, err = repo.Claim(ctx, "op-1", time.Now())
	assert.ErrorIs(t, err, ErrNotClaimable)

	mock.ExpectQuery(`SELECT .+ FROM outbox_operations WHERE id = \?`).
		WithArgs("op-2").
		WillReturnRows(sqlmock.NewRows(operationColumns))
	_, err = repo.Get(ctx, "op-2")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_CompleteRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db, loggy.NewNoopLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM outbox_operations WHERE id = \?`).
		WithArgs("op-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox_counters SET value = value \+ 1`).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err = repo.Complete(context.Background(), "op-1")
	assert.ErrorIs(t, err, ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}
