package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	repoIface "github.com/quipper/poc/lti/grader/pkg/repositories/platform"
	_ "modernc.org/sqlite"
)

type SQLiteRepo struct {
	db *sql.DB
}

// Ensure interface compliance
var _ repoIface.Repository = (*SQLiteRepo)(nil)

func NewSQLiteRepo(path string) (*SQLiteRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteRepo{db: db}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS platforms (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL DEFAULT '',
            issuer TEXT NOT NULL,
            client_id TEXT NOT NULL,
            deployment_id TEXT NOT NULL DEFAULT '',
            auth_endpoint TEXT NOT NULL,
            token_endpoint TEXT NOT NULL DEFAULT '',
            token_audience TEXT NOT NULL DEFAULT '',
            redirect_uri TEXT NOT NULL DEFAULT '',
            key_method TEXT NOT NULL,
            key_value TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            UNIQUE (issuer, client_id)
        );
        CREATE INDEX IF NOT EXISTS idx_platforms_issuer ON platforms(issuer);
	`)
	return err
}

func (r *SQLiteRepo) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepo) Disconnect() { _ = r.db.Close() }

const selectColumns = `SELECT id, name, issuer, client_id, deployment_id, auth_endpoint, token_endpoint, token_audience, redirect_uri, key_method, key_value, created_at FROM platforms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (*repoIface.Registration, error) {
	var p repoIface.Registration
	var created time.Time
	if err := row.Scan(&p.ID, &p.Name, &p.Issuer, &p.ClientID, &p.DeploymentID, &p.AuthEndpoint,
		&p.TokenEndpoint, &p.TokenAudience, &p.RedirectURI, &p.KeySource.Method, &p.KeySource.Key, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = created
	return &p, nil
}

// Lookup returns a registration by issuer and client_id.
func (r *SQLiteRepo) Lookup(ctx context.Context, issuer, clientID string) (*repoIface.Registration, error) {
	var row *sql.Row
	if clientID == "" {
		row = r.db.QueryRowContext(ctx, selectColumns+` WHERE issuer = ? ORDER BY id ASC LIMIT 1`, issuer)
	} else {
		row = r.db.QueryRowContext(ctx, selectColumns+` WHERE issuer = ? AND client_id = ?`, issuer, clientID)
	}
	p, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repoIface.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// Upsert inserts a registration or replaces the endpoints and key of an existing one.
func (r *SQLiteRepo) Upsert(ctx context.Context, p *repoIface.Registration) (int64, error) {
	now := time.Now().UTC()
	row := r.db.QueryRowContext(ctx, `
        INSERT INTO platforms (name, issuer, client_id, deployment_id, auth_endpoint, token_endpoint, token_audience, redirect_uri, key_method, key_value, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (issuer, client_id) DO UPDATE SET
            name = excluded.name,
            deployment_id = excluded.deployment_id,
            auth_endpoint = excluded.auth_endpoint,
            token_endpoint = excluded.token_endpoint,
            token_audience = excluded.token_audience,
            redirect_uri = excluded.redirect_uri,
            key_method = excluded.key_method,
            key_value = excluded.key_value
        RETURNING id, created_at
    `, p.Name, p.Issuer, p.ClientID, p.DeploymentID, p.AuthEndpoint, p.TokenEndpoint, p.TokenAudience,
		p.RedirectURI, p.KeySource.Method, p.KeySource.Key, now)
	var created time.Time
	if err := row.Scan(&p.ID, &created); err != nil {
		return 0, err
	}
	p.CreatedAt = created
	return p.ID, nil
}

func (r *SQLiteRepo) List(ctx context.Context) ([]*repoIface.Registration, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*repoIface.Registration
	for rows.Next() {
		p, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
