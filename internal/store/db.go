// Package store is the SQLite-backed document store. It implements
// remote.Store with path-addressed JSON documents, ordered cursor queries,
// atomic batches and live query subscriptions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// ErrClosed ends subscriptions of a store that was closed.
var ErrClosed = syncerr.Errorf(syncerr.Transient, "store", "closed")

// DB wraps a SQLite database holding the document tree.
type DB struct {
	conn   *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	watchers    map[int]*watcher
	nextWatcher int
	closed      bool
}

var _ remote.Store = (*DB)(nil)

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Write transactions take the reserved lock up front so concurrent writers
// queue on the busy timeout instead of failing mid-transaction.
func Open(path string, logger *zap.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{
		conn:     conn,
		logger:   logger.Named("store"),
		now:      time.Now,
		watchers: make(map[int]*watcher),
	}, nil
}

// Close ends every live subscription with ErrClosed and closes the database.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()
	db.DropWatches(ErrClosed)
	return db.conn.Close()
}

// DropWatches ends every live subscription with cause, the way a lost
// connection would.
func (db *DB) DropWatches(cause error) {
	db.mu.Lock()
	ws := make([]*watcher, 0, len(db.watchers))
	for id, w := range db.watchers {
		ws = append(ws, w)
		delete(db.watchers, id)
	}
	db.mu.Unlock()
	for _, w := range ws {
		w.stop(cause)
	}
	if len(ws) > 0 {
		db.logger.Info("subscriptions dropped", zap.Int("count", len(ws)), zap.Error(cause))
	}
}

// write runs fn in one immediate transaction under a freshly bumped store
// version, then wakes the watchers of every collection fn touched.
func (db *DB) write(ctx context.Context, op string, fn func(tx *sql.Tx, version int64) ([]string, error)) error {
	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()
	if closed {
		return syncerr.E(syncerr.FailedPrecondition, op, errors.New("store closed"))
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE store_meta SET value = value + 1 WHERE key = 'version' RETURNING value`).Scan(&version); err != nil {
		return classify(op, err)
	}
	collections, err := fn(tx, version)
	if err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	db.notify(collections)
	return nil
}

// Version returns the current store version.
func (db *DB) Version(ctx context.Context) (int64, error) {
	var v int64
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'version'`).Scan(&v)
	if err != nil {
		return 0, classify("store.version", err)
	}
	return v, nil
}

// classify maps driver errors onto the shared error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return syncerr.E(syncerr.Transient, op, err)
		case sqlite3.ErrConstraint:
			if sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return syncerr.E(syncerr.AlreadyExists, op, err)
			}
			return syncerr.E(syncerr.InvalidArgument, op, err)
		case sqlite3.ErrReadonly, sqlite3.ErrAuth, sqlite3.ErrPerm:
			return syncerr.E(syncerr.PermissionDenied, op, err)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return syncerr.E(syncerr.NotFound, op, err)
	}
	return syncerr.E(syncerr.Unknown, op, err)
}
