package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
)

var entityColumns = []string{
	"entity_type",
	"id",
	"version",
	"status",
	"data",
	"local_images",
	"failure_reason",
	"created_at",
	"updated_at",
	"last_synced_at",
	"last_failed_sync_at",
	"deleted_at",
}

// SQLStore implements Store on the entities table
type SQLStore struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLStore creates a new entity SQL store
func NewSQLStore(db *sql.DB, logger *loggy.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, t Type, id string) (*Entity, error) {
	query, args, err := s.builder.
		Select(entityColumns...).
		From("entities").
		Where(sq.Eq{"entity_type": string(t), "id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get entity query: %w", err)
	}

	e, err := scanEntity(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", t, id, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: executing get entity query: %v", ErrStorage, err)
	}
	return e, nil
}

// Upsert implements Store
func (s *SQLStore) Upsert(ctx context.Context, e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}

	data, err := marshalFields(e)
	if err != nil {
		return err
	}
	images, err := json.Marshal(nonNil(e.LocalImages))
	if err != nil {
		return fmt.Errorf("%w: encoding local images: %v", ErrStorage, err)
	}

	query, args, err := s.builder.
		Insert("entities").
		Columns(entityColumns...).
		Values(
			string(e.Type),
			e.ID,
			e.Version,
			string(e.Status),
			data,
			string(images),
			e.FailureReason,
			e.CreatedAt.UTC(),
			e.UpdatedAt.UTC(),
			nullTime(e.LastSyncedAt),
			nullTime(e.LastFailedSyncAt),
			nullTime(e.DeletedAt),
		).
		Suffix(`ON CONFLICT(entity_type, id) DO UPDATE SET
			version = excluded.version,
			status = excluded.status,
			data = excluded.data,
			local_images = excluded.local_images,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at,
			last_failed_sync_at = excluded.last_failed_sync_at,
			deleted_at = excluded.deleted_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert entity query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: executing upsert entity query: %v", ErrStorage, err)
	}
	return nil
}

// SoftDelete implements Store
func (s *SQLStore) SoftDelete(ctx context.Context, t Type, id string, at time.Time) error {
	query, args, err := s.builder.
		Update("entities").
		Set("deleted_at", sq.Expr("COALESCE(deleted_at, ?)", at.UTC())).
		Set("updated_at", at.UTC()).
		Set("status", sq.Expr("CASE WHEN version = 0 THEN ? ELSE ? END", string(StatusPending), string(StatusDirty))).
		Set("failure_reason", "").
		Where(sq.Eq{"entity_type": string(t), "id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building soft delete query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: executing soft delete query: %v", ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", t, id, ErrNotFound)
	}
	return nil
}

// ListPendingSince implements Store
func (s *SQLStore) ListPendingSince(ctx context.Context, since time.Time) ([]*Entity, error) {
	return s.list(ctx, s.builder.
		Select(entityColumns...).
		From("entities").
		Where(sq.NotEq{"status": string(StatusSynced)}).
		Where(sq.GtOrEq{"updated_at": since.UTC()}).
		OrderBy("updated_at ASC"))
}

// List implements Store
func (s *SQLStore) List(ctx context.Context, t Type, includeDeleted bool) ([]*Entity, error) {
	q := s.builder.
		Select(entityColumns...).
		From("entities").
		Where(sq.Eq{"entity_type": string(t)}).
		OrderBy("created_at ASC", "id ASC")
	if !includeDeleted {
		q = q.Where(sq.Eq{"deleted_at": nil})
	}
	return s.list(ctx, q)
}

func (s *SQLStore) list(ctx context.Context, q sq.SelectBuilder) ([]*Entity, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list entities query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: executing list entities query: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning entity row: %v", ErrStorage, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating entity rows: %v", ErrStorage, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var (
		e                                   Entity
		entityType, status, data, images    string
		lastSynced, lastFailed, deletedTime sql.NullTime
	)
	if err := row.Scan(
		&entityType,
		&e.ID,
		&e.Version,
		&status,
		&data,
		&images,
		&e.FailureReason,
		&e.CreatedAt,
		&e.UpdatedAt,
		&lastSynced,
		&lastFailed,
		&deletedTime,
	); err != nil {
		return nil, err
	}

	e.Type = Type(entityType)
	e.Status = Status(status)
	e.LastSyncedAt = timePtr(lastSynced)
	e.LastFailedSyncAt = timePtr(lastFailed)
	e.DeletedAt = timePtr(deletedTime)

	if err := unmarshalFields(&e, data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(images), &e.LocalImages); err != nil {
		return nil, fmt.Errorf("decoding local images of %s: %w", e.ID, err)
	}
	if len(e.LocalImages) == 0 {
		e.LocalImages = nil
	}
	return &e, nil
}

func marshalFields(e *Entity) (string, error) {
	var (
		b   []byte
		err error
	)
	switch e.Type {
	case TypePin:
		b, err = json.Marshal(e.Pin)
	case TypeForm:
		b, err = json.Marshal(e.Form)
	}
	if err != nil {
		return "", fmt.Errorf("%w: encoding %s fields: %v", ErrStorage, e.Type, err)
	}
	return string(b), nil
}

func unmarshalFields(e *Entity, data string) error {
	switch e.Type {
	case TypePin:
		e.Pin = &PinFields{}
		return json.Unmarshal([]byte(data), e.Pin)
	case TypeForm:
		e.Form = &FormFields{}
		return json.Unmarshal([]byte(data), e.Form)
	default:
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
