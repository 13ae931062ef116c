package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/Masterminds/squirrel"

	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/ulid"
)

// Repository defines operations for managing sync logs in the database
type Repository interface {
	// CreateSyncLog creates a new sync log
	CreateSyncLog(ctx context.Context, log *SyncLog) error

	// GetSyncLogs retrieves sync logs, newest first
	GetSyncLogs(ctx context.Context, limit, offset int) ([]*SyncLog, error)

	// GetLatestSyncLog retrieves the latest sync log, or nil when there is none
	GetLatestSyncLog(ctx context.Context) (*SyncLog, error)

	// GetLatestSuccess retrieves the latest successful sync log, or nil
	GetLatestSuccess(ctx context.Context) (*SyncLog, error)
}

var syncLogColumns = []string{
	"id",
	"trigger",
	"success",
	"error_type",
	"error_message",
	"pushed",
	"pulled",
	"deferred",
	"started_at",
	"completed_at",
}

// SQLRepository implements the Repository interface using a SQL database
type SQLRepository struct {
	db     *sql.DB
	logger *loggy.Logger
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:     db,
		logger: logger,
	}
}

// CreateSyncLog creates a new sync log
func (r *SQLRepository) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = ulid.CycleID()
	}

	q := squirrel.Insert("sync_logs").
		Columns(syncLogColumns...).
		Values(
			log.ID,
			string(log.Trigger),
			log.Success,
			string(log.ErrorType),
			log.ErrorMessage,
			log.Pushed,
			log.Pulled,
			log.Deferred,
			log.StartedAt.UTC(),
			log.CompletedAt.UTC(),
		)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create sync log query: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing create sync log query: %w", err)
	}

	return nil
}

// GetSyncLogs retrieves sync logs, newest first
func (r *SQLRepository) GetSyncLogs(ctx context.Context, limit, offset int) ([]*SyncLog, error) {
	q := squirrel.Select(syncLogColumns...).
		From("sync_logs").
		OrderBy("completed_at DESC", "id DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	if offset > 0 {
		q = q.Offset(uint64(offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log row: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return logs, nil
}

// GetLatestSyncLog retrieves the latest sync log
func (r *SQLRepository) GetLatestSyncLog(ctx context.Context) (*SyncLog, error) {
	return r.latest(ctx, squirrel.Select(syncLogColumns...).From("sync_logs"))
}

// GetLatestSuccess retrieves the latest successful sync log
func (r *SQLRepository) GetLatestSuccess(ctx context.Context) (*SyncLog, error) {
	return r.latest(ctx, squirrel.Select(syncLogColumns...).From("sync_logs").Where(squirrel.Eq{"success": true}))
}

func (r *SQLRepository) latest(ctx context.Context, q squirrel.SelectBuilder) (*SyncLog, error) {
	query, args, err := q.OrderBy("completed_at DESC", "id DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get latest sync log query: %w", err)
	}

	log, err := scanSyncLog(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No sync log found
		}
		return nil, fmt.Errorf("executing get latest sync log query: %w", err)
	}

	return log, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(row rowScanner) (*SyncLog, error) {
	var (
		log                SyncLog
		trigger, errorType string
	)
	err := row.Scan(
		&log.ID,
		&trigger,
		&log.Success,
		&errorType,
		&log.ErrorMessage,
		&log.Pushed,
		&log.Pulled,
		&log.Deferred,
		&log.StartedAt,
		&log.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	log.Trigger = Trigger(trigger)
	log.ErrorType = SyncErrorType(errorType)
	log.StartedAt = log.StartedAt.UTC()
	log.CompletedAt = log.CompletedAt.UTC()
	return &log, nil
}

// MemoryRepository keeps sync logs in memory
type MemoryRepository struct {
	mu   gosync.Mutex
	logs []*SyncLog
}

// NewMemoryRepository creates an empty MemoryRepository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// CreateSyncLog implements Repository
func (r *MemoryRepository) CreateSyncLog(_ context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = ulid.CycleID()
	}
	c := *log
	r.mu.Lock()
	r.logs = append(r.logs, &c)
	r.mu.Unlock()
	return nil
}

// GetSyncLogs implements Repository
func (r *MemoryRepository) GetSyncLogs(_ context.Context, limit, offset int) ([]*SyncLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*SyncLog
	for i := len(r.logs) - 1 - offset; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c := *r.logs[i]
		out = append(out, &c)
	}
	return out, nil
}

// GetLatestSyncLog implements Repository
func (r *MemoryRepository) GetLatestSyncLog(ctx context.Context) (*SyncLog, error) {
	logs, err := r.GetSyncLogs(ctx, 1, 0)
	if err != nil || len(logs) == 0 {
		return nil, err
	}
	return logs[0], nil
}

// GetLatestSuccess implements Repository
func (r *MemoryRepository) GetLatestSuccess(_ context.Context) (*SyncLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].Success {
			c := *r.logs[i]
			return &c, nil
		}
	}
	return nil, nil
}
