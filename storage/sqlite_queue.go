package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/will-x86/storagebridge"
)

// SQLiteQueue persists replication ops so writes made while the bridge was
// unreachable survive a restart.
type SQLiteQueue struct {
	db         *sql.DB
	maxRetries int
}

type SQLiteQueueOptions struct {
	DBPath     string
	MaxRetries int
}

func NewSQLiteQueue(opts SQLiteQueueOptions) (*SQLiteQueue, error) {
	if opts.DBPath == "" {
		opts.DBPath = "./data/queue.db"
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	db, err := openSQLite(opts.DBPath)
	if err != nil {
		return nil, err
	}

	q := &SQLiteQueue{
		db:         db,
		maxRetries: opts.MaxRetries,
	}

	if err := q.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return q, nil
}

func (q *SQLiteQueue) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ops (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		key TEXT NOT NULL,
		method TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		added_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ops_status ON ops(status);
	CREATE INDEX IF NOT EXISTS idx_ops_key ON ops(key);
	`

	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

func (q *SQLiteQueue) Add(ctx context.Context, op *Op) error {
	if !op.Method.Mutates() {
		return fmt.Errorf("cannot queue %s: %w", op.Method, bridge.ErrInvalidMethod)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if op.Method == bridge.MethodClear {
		_, err = tx.ExecContext(ctx,
			`UPDATE ops SET status = ?, updated_at = ?
			 WHERE status = ? AND method != ?`,
			StatusSuperseded, time.Now(), StatusPending, bridge.MethodClear,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE ops SET status = ?, updated_at = ?
			 WHERE status = ? AND key = ? AND method != ?`,
			StatusSuperseded, time.Now(), StatusPending, op.Key, bridge.MethodClear,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to supersede pending ops: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO ops (id, key, method, value, status, retry_count, added_at, updated_at)
		 VALUES (lower(hex(randomblob(8))), ?, ?, ?, ?, 0, ?, ?)`,
		op.Key, op.Method, op.Value, StatusPending, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert op: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read op seq: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT id FROM ops WHERE seq = ?", seq).Scan(&op.ID); err != nil {
		return fmt.Errorf("failed to read op id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	op.Seq = seq
	op.Status = StatusPending
	op.RetryCount = 0
	op.AddedAt = now
	op.UpdatedAt = now
	return nil
}

func (q *SQLiteQueue) loadOps(ctx context.Context, tx *sql.Tx, status Status) ([]*Op, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, id, key, method, value, status, retry_count, added_at, updated_at, COALESCE(last_error, '')
		 FROM ops
		 WHERE status = ?
		 ORDER BY seq ASC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ops: %w", err)
	}
	defer rows.Close()

	var ops []*Op
	for rows.Next() {
		var op Op
		var method, st string
		if err := rows.Scan(&op.Seq, &op.ID, &op.Key, &method, &op.Value, &st, &op.RetryCount, &op.AddedAt, &op.UpdatedAt, &op.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan op: %w", err)
		}
		op.Method = bridge.Method(method)
		op.Status = Status(st)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

func (q *SQLiteQueue) FetchNext(ctx context.Context) (*Op, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inFlight, err := q.loadOps(ctx, tx, StatusProcessing)
	if err != nil {
		return nil, err
	}
	gate := newFetchGate()
	for _, op := range inFlight {
		gate.hold(op)
	}

	pending, err := q.loadOps(ctx, tx, StatusPending)
	if err != nil {
		return nil, err
	}

	op := gate.pick(pending, q.maxRetries)
	if op == nil {
		return nil, io.EOF
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE ops
		 SET status = ?, updated_at = ?
		 WHERE seq = ?`,
		StatusProcessing, now, op.Seq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update op status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	op.Status = StatusProcessing
	op.UpdatedAt = now
	return op, nil
}

func (q *SQLiteQueue) MarkHandled(op *Op) error {
	return q.MarkHandledWithError(op, nil)
}

func (q *SQLiteQueue) MarkHandledWithError(op *Op, handleErr error) error {
	ctx := context.Background()
	now := time.Now()

	if handleErr == nil {
		if _, err := q.db.ExecContext(ctx,
			`UPDATE ops SET status = ?, updated_at = ? WHERE seq = ?`,
			StatusCompleted, now, op.Seq,
		); err != nil {
			return fmt.Errorf("failed to complete op: %w", err)
		}
		// Only the newest completed op per key is worth keeping.
		_, err := q.db.ExecContext(ctx,
			`DELETE FROM ops WHERE key = ? AND method = ? AND status IN (?, ?) AND seq < ?`,
			op.Key, op.Method, StatusCompleted, StatusSuperseded, op.Seq,
		)
		op.Status = StatusCompleted
		op.UpdatedAt = now
		return err
	}

	var retryCount int
	err := q.db.QueryRowContext(ctx,
		"SELECT retry_count FROM ops WHERE seq = ?",
		op.Seq,
	).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	stale, err := q.isStale(ctx, op)
	if err != nil {
		return err
	}

	retryCount++
	newStatus := StatusPending
	switch {
	case stale:
		newStatus = StatusSuperseded
	case retryCount >= q.maxRetries:
		newStatus = StatusFailed
	}

	_, err = q.db.ExecContext(ctx,
		`UPDATE ops
		 SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		 WHERE seq = ?`,
		newStatus, retryCount, handleErr.Error(), now, op.Seq,
	)
	if err != nil {
		return fmt.Errorf("failed to update op: %w", err)
	}

	op.Status = newStatus
	op.RetryCount = retryCount
	op.LastError = handleErr.Error()
	op.UpdatedAt = now
	return nil
}

func (q *SQLiteQueue) isStale(ctx context.Context, op *Op) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM ops WHERE seq > ? AND (method = ? OR (key = ? AND ? != ?)))`
	var stale bool
	err := q.db.QueryRowContext(ctx, query,
		op.Seq, bridge.MethodClear, op.Key, op.Method, bridge.MethodClear,
	).Scan(&stale)
	if err != nil {
		return false, fmt.Errorf("failed to check for newer ops: %w", err)
	}
	return stale, nil
}

func (q *SQLiteQueue) IsEmpty() (bool, error) {
	var count int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM ops
		 WHERE status IN (?, ?) AND retry_count < ?`,
		StatusPending, StatusProcessing, q.maxRetries,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count pending ops: %w", err)
	}

	return count == 0, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) GetStats() (map[string]int, error) {
	stats := make(map[string]int)

	rows, err := q.db.Query(
		`SELECT status, COUNT(*) as count
		 FROM ops
		 GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}

	return stats, rows.Err()
}

// ResetStuckOps returns ops left in processing by a previous process to
// pending. A zero timeout resets every processing op.
func (q *SQLiteQueue) ResetStuckOps(timeout time.Duration) error {
	cutoff := time.Now().Add(-timeout)
	_, err := q.db.Exec(
		`UPDATE ops
		 SET status = ?, updated_at = ?
		 WHERE status = ? AND updated_at <= ?`,
		StatusPending, time.Now(), StatusProcessing, cutoff,
	)
	return err
}
