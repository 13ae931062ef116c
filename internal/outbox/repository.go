package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/fieldsync/internal/database"
	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

// Repository persists operations. Implementations must make Claim an atomic
// compare-and-set and keep at most one live operation per entity.
type Repository interface {
	// NextSequence allocates the next device-wide sequence number
	NextSequence(ctx context.Context) (int64, error)

	// Insert stores a new operation
	Insert(ctx context.Context, op *Operation) error

	// Update overwrites the stored operation with op
	Update(ctx context.Context, op *Operation) error

	// Complete removes a delivered operation and counts it as completed
	Complete(ctx context.Context, id string) error

	// Delete removes an operation that will never be delivered
	Delete(ctx context.Context, id string) error

	// Get returns one operation by ID
	Get(ctx context.Context, id string) (*Operation, error)

	// FindOpen returns the entity's unfinished operation, failed ones included
	FindOpen(ctx context.Context, t entity.Type, id string) (*Operation, error)

	// NextEligible returns the pending operation with the lowest sequence
	// number whose NextAttemptAt is not after now
	NextEligible(ctx context.Context, now time.Time) (*Operation, error)

	// Claim moves an eligible pending operation to processing
	Claim(ctx context.Context, id string, now time.Time) (*Operation, error)

	// List returns operations in sequence order
	List(ctx context.Context, filter ListFilter) ([]*Operation, error)

	// ResetStale returns processing operations last attempted before the
	// cutoff to pending
	ResetStale(ctx context.Context, before, now time.Time) (int, error)

	// Counts summarizes the queue
	Counts(ctx context.Context) (Counts, error)

	// NextAttemptAt returns the earliest NextAttemptAt among pending operations
	NextAttemptAt(ctx context.Context) (*time.Time, error)
}

var operationColumns = []string{
	"id",
	"kind",
	"entity_type",
	"entity_id",
	"idempotency_key",
	"payload",
	"status",
	"attempts",
	"max_attempts",
	"sequence_number",
	"device_id",
	"last_error",
	"created_at",
	"updated_at",
	"last_attempt_at",
	"next_attempt_at",
}

// SQLRepository implements Repository on the outbox_operations table
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLRepository creates a new outbox SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

func storageErr(action string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, action, err)
}

// NextSequence implements Repository
func (r *SQLRepository) NextSequence(ctx context.Context) (int64, error) {
	query, args, err := r.builder.
		Update("outbox_counters").
		Set("value", sq.Expr("value + 1")).
		Where(sq.Eq{"name": "sequence"}).
		Suffix("RETURNING value").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building next sequence query: %w", err)
	}

	var seq int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, storageErr("allocating sequence number", err)
	}
	return seq, nil
}

// Insert implements Repository
func (r *SQLRepository) Insert(ctx context.Context, op *Operation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return storageErr("encoding payload", err)
	}

	query, args, err := r.builder.
		Insert("outbox_operations").
		Columns(operationColumns...).
		Values(
			op.ID,
			string(op.Kind),
			string(op.EntityType),
			op.EntityID,
			op.IdempotencyKey,
			string(payload),
			string(op.Status),
			op.Attempts,
			op.MaxAttempts,
			op.SequenceNumber,
			op.DeviceID,
			op.LastError,
			op.CreatedAt.UTC(),
			op.UpdatedAt.UTC(),
			nullTime(op.LastAttemptAt),
			op.NextAttemptAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert operation query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return storageErr("inserting operation", err)
	}
	return nil
}

// Update implements Repository
func (r *SQLRepository) Update(ctx context.Context, op *Operation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return storageErr("encoding payload", err)
	}

	query, args, err := r.builder.
		Update("outbox_operations").
		SetMap(map[string]any{
			"kind":            string(op.Kind),
			"idempotency_key": op.IdempotencyKey,
			"payload":         string(payload),
			"status":          string(op.Status),
			"attempts":        op.Attempts,
			"max_attempts":    op.MaxAttempts,
			"sequence_number": op.SequenceNumber,
			"last_error":      op.LastError,
			"updated_at":      op.UpdatedAt.UTC(),
			"last_attempt_at": nullTime(op.LastAttemptAt),
			"next_attempt_at": op.NextAttemptAt.UTC(),
		}).
		Where(sq.Eq{"id": op.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building update operation query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr("updating operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, ErrNotFound)
	}
	return nil
}

// Complete implements Repository
func (r *SQLRepository) Complete(ctx context.Context, id string) error {
	query, args, err := r.builder.
		Update("outbox_counters").
		Set("value", sq.Expr("value + 1")).
		Where(sq.Eq{"name": "completed"}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building completed counter query: %w", err)
	}

	err = database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.deleteWith(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return storageErr("counting completion", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrStorage) && !errors.Is(err, ErrNotFound) {
		return storageErr("completing operation", err)
	}
	return err
}

// Delete implements Repository
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	return r.deleteWith(ctx, r.db, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLRepository) deleteWith(ctx context.Context, db execer, id string) error {
	query, args, err := r.builder.
		Delete("outbox_operations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete operation query: %w", err)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr("deleting operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get implements Repository
func (r *SQLRepository) Get(ctx context.Context, id string) (*Operation, error) {
	return r.one(ctx, r.selectOps().Where(sq.Eq{"id": id}))
}

// FindOpen implements Repository
func (r *SQLRepository) FindOpen(ctx context.Context, t entity.Type, id string) (*Operation, error) {
	return r.one(ctx, r.selectOps().
		Where(sq.Eq{
			"entity_type": string(t),
			"entity_id":   id,
			"status":      []string{string(StatusPending), string(StatusProcessing), string(StatusFailed)},
		}).
		OrderBy("sequence_number DESC").
		Limit(1))
}

// NextEligible implements Repository
func (r *SQLRepository) NextEligible(ctx context.Context, now time.Time) (*Operation, error) {
	return r.one(ctx, r.selectOps().
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": now.UTC()}).
		OrderBy("sequence_number ASC").
		Limit(1))
}

// Claim implements Repository
func (r *SQLRepository) Claim(ctx context.Context, id string, now time.Time) (*Operation, error) {
	query, args, err := r.builder.
		Update("outbox_operations").
		Set("status", string(StatusProcessing)).
		Set("last_attempt_at", now.UTC()).
		Set("updated_at", now.UTC()).
		Where(sq.Eq{"id": id, "status": string(StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": now.UTC()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building claim query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("claiming operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotClaimable)
	}
	return r.Get(ctx, id)
}

// List implements Repository
func (r *SQLRepository) List(ctx context.Context, filter ListFilter) ([]*Operation, error) {
	q := r.selectOps().OrderBy("sequence_number ASC")
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.EntityType != "" {
		q = q.Where(sq.Eq{"entity_type": string(filter.EntityType)})
	}
	if filter.EntityID != "" {
		q = q.Where(sq.Eq{"entity_id": filter.EntityID})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	return r.many(ctx, q)
}

// ResetStale implements Repository
func (r *SQLRepository) ResetStale(ctx context.Context, before, now time.Time) (int, error) {
	query, args, err := r.builder.
		Update("outbox_operations").
		Set("status", string(StatusPending)).
		Set("updated_at", now.UTC()).
		Set("next_attempt_at", now.UTC()).
		Where(sq.Eq{"status": string(StatusProcessing)}).
		Where(sq.Or{
			sq.Eq{"last_attempt_at": nil},
			sq.Lt{"last_attempt_at": before.UTC()},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building reset stale query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr("resetting stale operations", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts implements Repository
func (r *SQLRepository) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	query, args, err := r.builder.
		Select("status", "COUNT(*)").
		From("outbox_operations").
		GroupBy("status").
		ToSql()
	if err != nil {
		return c, fmt.Errorf("building counts query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return c, storageErr("counting operations", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return c, storageErr("scanning counts", err)
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusProcessing:
			c.Processing = n
		case StatusFailed:
			c.Failed = n
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return c, storageErr("iterating counts", err)
	}

	query, args, err = r.builder.
		Select("value").
		From("outbox_counters").
		Where(sq.Eq{"name": "completed"}).
		ToSql()
	if err != nil {
		return c, fmt.Errorf("building completed query: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&c.Completed); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return c, storageErr("reading completed counter", err)
	}

	c.OldestPending, err = r.firstTime(ctx, "created_at")
	return c, err
}

// NextAttemptAt implements Repository
func (r *SQLRepository) NextAttemptAt(ctx context.Context) (*time.Time, error) {
	return r.firstTime(ctx, "next_attempt_at")
}

// firstTime returns the smallest value of a timestamp column among pending
// operations. ORDER BY keeps the column type so the driver parses it.
func (r *SQLRepository) firstTime(ctx context.Context, column string) (*time.Time, error) {
	query, args, err := r.builder.
		Select(column).
		From("outbox_operations").
		Where(sq.Eq{"status": string(StatusPending)}).
		OrderBy(column + " ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building %s query: %w", column, err)
	}

	var t time.Time
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("reading "+column, err)
	}
	t = t.UTC()
	return &t, nil
}

func (r *SQLRepository) selectOps() sq.SelectBuilder {
	return r.builder.Select(operationColumns...).From("outbox_operations")
}

func (r *SQLRepository) one(ctx context.Context, q sq.SelectBuilder) (*Operation, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building operation query: %w", err)
	}

	op, err := scanOperation(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("reading operation", err)
	}
	return op, nil
}

func (r *SQLRepository) many(ctx context.Context, q sq.SelectBuilder) ([]*Operation, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list operations query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("listing operations", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageErr("scanning operation", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterating operations", err)
	}
	return ops, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		op                                 Operation
		kind, entityType, status, payload string
		lastAttempt                        sql.NullTime
	)
	if err := row.Scan(
		&op.ID,
		&kind,
		&entityType,
		&op.EntityID,
		&op.IdempotencyKey,
		&payload,
		&status,
		&op.Attempts,
		&op.MaxAttempts,
		&op.SequenceNumber,
		&op.DeviceID,
		&op.LastError,
		&op.CreatedAt,
		&op.UpdatedAt,
		&lastAttempt,
		&op.NextAttemptAt,
	); err != nil {
		return nil, err
	}

	op.Kind = entity.Mutation(kind)
	op.EntityType = entity.Type(entityType)
	op.Status = Status(status)
	op.CreatedAt = op.CreatedAt.UTC()
	op.UpdatedAt = op.UpdatedAt.UTC()
	op.NextAttemptAt = op.NextAttemptAt.UTC()
	if lastAttempt.Valid {
		t := lastAttempt.Time.UTC()
		op.LastAttemptAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of %s: %w", op.ID, err)
	}
	return &op, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
