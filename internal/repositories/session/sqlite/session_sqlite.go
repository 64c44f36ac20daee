package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	repoIface "github.com/quipper/poc/lti/grader/pkg/repositories/session"
	_ "modernc.org/sqlite"
)

// SQLiteRepo stores sessions and login states in a single-process SQLite file.
type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure interface compliance
var _ repoIface.Store = (*SQLiteRepo)(nil)

func NewSQLiteRepo(dsn string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; concurrent Takes then queue instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	// Pragmas safe for simple single-process usage
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteRepo{db: db, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS session_entries (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_entries_expires_at ON session_entries(expires_at);
`)
	return err
}

func (r *SQLiteRepo) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM session_entries WHERE key = ? AND expires_at > ?`,
		key, r.now().UnixNano()).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repoIface.ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (r *SQLiteRepo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	now := r.now()
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Cleanup expired (best-effort)
	_, _ = tx.ExecContext(ctx, `DELETE FROM session_entries WHERE expires_at <= ?`, now.UnixNano())

	_, err = tx.ExecContext(ctx, `
INSERT INTO session_entries (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, now.Add(ttl).UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Take deletes and returns the row in one statement, so a replayed key is never served twice.
func (r *SQLiteRepo) Take(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var exp int64
	err := r.db.QueryRowContext(ctx, `DELETE FROM session_entries WHERE key = ? RETURNING value, expires_at`, key).Scan(&value, &exp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repoIface.ErrNotFound
		}
		return nil, err
	}
	if r.now().UnixNano() >= exp {
		return nil, repoIface.ErrNotFound
	}
	return value, nil
}

func (r *SQLiteRepo) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_entries WHERE key = ?`, key)
	return err
}

func (r *SQLiteRepo) Health(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *SQLiteRepo) Close() error { return r.db.Close() }
