// Package repository provides the durable local store for queue-time records.
// Records and a handful of scalar settings live in one SQLite file so that
// unpublished measurements survive process restarts and deploys.
//
// The agent's single worker goroutine is the only writer. SQLite's own
// locking keeps the file consistent if several processes share a path.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Guliveer/dynoscale/agent/internal/models"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("repository closed")

// Compaction runs once this many rows were deleted, or once compactInterval
// elapsed since the last run with at least one deletion.
const (
	compactThreshold = 1000
	compactInterval  = time.Hour
)

// Config holds the parameters for opening a repository.
type Config struct {
	// Path is the SQLite file. Parent directories are created.
	Path string
	// Logger receives operational messages. Defaults to a no-op logger.
	Logger *zap.Logger
	// Now overrides the clock used for age-based pruning.
	Now func() time.Time
}

// Repository is the ordered record log plus the settings store.
type Repository struct {
	pool   *sqlitex.Pool
	path   string
	logger *zap.Logger
	now    func() time.Time
	closed atomic.Bool

	compactMu           sync.Mutex
	deletedSinceCompact int
	lastCompact         time.Time

	settings *Settings
}

// Open creates or opens the repository at cfg.Path.
func Open(cfg Config) (*Repository, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("repository: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("repository: creating directory: %w", err)
		}
	}

	_, statErr := os.Stat(cfg.Path)
	existed := statErr == nil

	pool, err := openPool(cfg.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}

	r := &Repository{
		pool:        pool,
		path:        cfg.Path,
		logger:      logger,
		now:         now,
		lastCompact: now(),
	}
	r.settings = &Settings{repo: r}

	if existed {
		logger.Info("Opened repository", zap.String("path", cfg.Path))
	} else {
		logger.Info("Created repository", zap.String("path", cfg.Path))
	}
	return r, nil
}

// Settings returns the key-value settings store sharing this repository's file.
func (r *Repository) Settings() *Settings { return r.settings }

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.pool.Close(); err != nil {
		return fmt.Errorf("repository: closing %s: %w", r.path, err)
	}
	return nil
}

// take borrows a connection. Callers must put it back with r.pool.Put.
func (r *Repository) take(ctx context.Context) (*sqlite.Conn, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository: take: %w", err)
	}
	return conn, nil
}

// Add appends a record and returns it with its storage-assigned ID.
func (r *Repository) Add(ctx context.Context, rec models.Record) (models.StoredRecord, error) {
	conn, err := r.take(ctx)
	if err != nil {
		return models.StoredRecord{}, err
	}
	defer r.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO records (timestamp, metric, source, metadata) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{rec.Timestamp, rec.Metric, rec.Source, rec.Metadata},
		})
	if err != nil {
		return models.StoredRecord{}, fmt.Errorf("repository: add record: %w", err)
	}

	return models.StoredRecord{ID: conn.LastInsertRowID(), Record: rec}, nil
}

// GetAll returns every stored record ordered by timestamp ascending.
func (r *Repository) GetAll(ctx context.Context) ([]models.StoredRecord, error) {
	conn, err := r.take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Put(conn)

	var records []models.StoredRecord
	err = sqlitex.Execute(conn,
		`SELECT id, timestamp, metric, source, metadata FROM records ORDER BY timestamp, id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, models.StoredRecord{
					ID: stmt.ColumnInt64(0),
					Record: models.Record{
						Timestamp: stmt.ColumnInt64(1),
						Metric:    stmt.ColumnInt64(2),
						Source:    stmt.ColumnText(3),
						Metadata:  stmt.ColumnText(4),
					},
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("repository: get all: %w", err)
	}
	return records, nil
}

// Count returns the number of stored records.
func (r *Repository) Count(ctx context.Context) (int, error) {
	conn, err := r.take(ctx)
	if err != nil {
		return 0, err
	}
	defer r.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM records`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("repository: count: %w", err)
	}
	return n, nil
}

// Delete removes exactly the given records and returns how many rows went
// away. An empty slice, or records without a storage ID, mean nothing to
// delete. A failure on one record is logged and the rest still proceed.
func (r *Repository) Delete(ctx context.Context, records []models.StoredRecord) (int, error) {
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		if rec.ID > 0 {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		r.logger.Debug("Nothing to delete", zap.Int("records", len(records)))
		return 0, nil
	}

	conn, err := r.take(ctx)
	if err != nil {
		return 0, err
	}

	deleted, err := r.deleteIDs(conn, ids)
	r.pool.Put(conn)
	if err != nil {
		return deleted, err
	}

	r.afterDelete(ctx, deleted)
	return deleted, nil
}

func (r *Repository) deleteIDs(conn *sqlite.Conn, ids []int64) (deleted int, err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("repository: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, id := range ids {
		if execErr := sqlitex.Execute(conn, `DELETE FROM records WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
		}); execErr != nil {
			r.logger.Warn("Failed to delete record", zap.Int64("id", id), zap.Error(execErr))
			continue
		}
		deleted += conn.Changes()
	}
	return deleted, nil
}

// DeleteBefore removes every record with a timestamp strictly before cutoff
// (Unix seconds).
func (r *Repository) DeleteBefore(ctx context.Context, cutoff int64) (int, error) {
	conn, err := r.take(ctx)
	if err != nil {
		return 0, err
	}

	err = sqlitex.Execute(conn, `DELETE FROM records WHERE timestamp < ?`, &sqlitex.ExecOptions{
		Args: []any{cutoff},
	})
	deleted := conn.Changes()
	r.pool.Put(conn)
	if err != nil {
		return 0, fmt.Errorf("repository: delete before %d: %w", cutoff, err)
	}

	if deleted > 0 {
		r.logger.Debug("Pruned old records", zap.Int("deleted", deleted), zap.Int64("cutoff", cutoff))
	}
	r.afterDelete(ctx, deleted)
	return deleted, nil
}

// DeleteOlderThan removes every record older than maxAge relative to now.
func (r *Repository) DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	return r.DeleteBefore(ctx, ceilUnix(r.now().Add(-maxAge)))
}

// Compact rebuilds the database file to reclaim space freed by deletions.
func (r *Repository) Compact(ctx context.Context) error {
	conn, err := r.take(ctx)
	if err != nil {
		return err
	}
	defer r.pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "VACUUM", nil); err != nil {
		return fmt.Errorf("repository: vacuum: %w", err)
	}

	r.compactMu.Lock()
	r.deletedSinceCompact = 0
	r.lastCompact = r.now()
	r.compactMu.Unlock()
	return nil
}

// afterDelete triggers compaction once enough space is likely reclaimable.
func (r *Repository) afterDelete(ctx context.Context, deleted int) {
	if deleted <= 0 {
		return
	}

	r.compactMu.Lock()
	r.deletedSinceCompact += deleted
	due := r.deletedSinceCompact >= compactThreshold || r.now().Sub(r.lastCompact) >= compactInterval
	r.compactMu.Unlock()

	if !due {
		return
	}
	if err := r.Compact(ctx); err != nil {
		r.logger.Warn("Compaction failed", zap.Error(err))
	}
}

// ceilUnix rounds t up to whole seconds.
func ceilUnix(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}
