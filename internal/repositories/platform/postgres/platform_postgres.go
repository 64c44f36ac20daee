package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	repoIface "github.com/quipper/poc/lti/grader/pkg/repositories/platform"
)

const schema = `
CREATE TABLE IF NOT EXISTS lti_platforms (
    id BIGSERIAL PRIMARY KEY,
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
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (issuer, client_id)
)`

var columns = []string{
	"id", "name", "issuer", "client_id", "deployment_id", "auth_endpoint", "token_endpoint",
	"token_audience", "redirect_uri", "key_method", "key_value", "created_at",
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Repo is a PostgreSQL-backed platform registry.
type Repo struct {
	exec    pgExecutor
	pool    *pgxpool.Pool
	builder squirrel.StatementBuilderType
}

var _ repoIface.Repository = (*Repo)(nil)

// Connect opens a pgx pool for dsn and makes sure the table exists.
func Connect(ctx context.Context, dsn string) (*Repo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	repo := NewRepo(pool)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// NewRepo wraps any executor (a pgxpool.Pool or a pgxmock pool in tests).
func NewRepo(exec pgExecutor) *Repo {
	repo := &Repo{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
	if pool, ok := exec.(*pgxpool.Pool); ok {
		repo.pool = pool
	}
	return repo
}

// Migrate creates the registry table when missing.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.exec.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate lti_platforms: %w", err)
	}
	return nil
}

func (r *Repo) Health(ctx context.Context) error { return r.exec.Ping(ctx) }

func (r *Repo) Disconnect() {
	if r.pool != nil {
		r.pool.Close()
	}
}

func scanRegistration(row pgx.Row) (*repoIface.Registration, error) {
	var p repoIface.Registration
	var created time.Time
	if err := row.Scan(&p.ID, &p.Name, &p.Issuer, &p.ClientID, &p.DeploymentID, &p.AuthEndpoint,
		&p.TokenEndpoint, &p.TokenAudience, &p.RedirectURI, &p.KeySource.Method, &p.KeySource.Key, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = created
	return &p, nil
}

func (r *Repo) Lookup(ctx context.Context, issuer, clientID string) (*repoIface.Registration, error) {
	q := r.builder.Select(columns...).From("lti_platforms").Where(squirrel.Eq{"issuer": issuer})
	if clientID != "" {
		q = q.Where(squirrel.Eq{"client_id": clientID})
	}
	stmt, args, err := q.OrderBy("id ASC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lookup platform sql: %w", err)
	}
	p, err := scanRegistration(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repoIface.ErrNotFound
		}
		return nil, fmt.Errorf("scan platform: %w", err)
	}
	return p, nil
}

func (r *Repo) Upsert(ctx context.Context, p *repoIface.Registration) (int64, error) {
	stmt, args, err := r.builder.Insert("lti_platforms").
		Columns("name", "issuer", "client_id", "deployment_id", "auth_endpoint", "token_endpoint",
			"token_audience", "redirect_uri", "key_method", "key_value").
		Values(p.Name, p.Issuer, p.ClientID, p.DeploymentID, p.AuthEndpoint, p.TokenEndpoint,
			p.TokenAudience, p.RedirectURI, p.KeySource.Method, p.KeySource.Key).
		Suffix(`ON CONFLICT (issuer, client_id) DO UPDATE SET
            name = EXCLUDED.name,
            deployment_id = EXCLUDED.deployment_id,
            auth_endpoint = EXCLUDED.auth_endpoint,
            token_endpoint = EXCLUDED.token_endpoint,
            token_audience = EXCLUDED.token_audience,
            redirect_uri = EXCLUDED.redirect_uri,
            key_method = EXCLUDED.key_method,
            key_value = EXCLUDED.key_value
        RETURNING id, created_at`).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build upsert platform sql: %w", err)
	}
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&p.ID, &p.CreatedAt); err != nil {
		return 0, fmt.Errorf("upsert platform: %w", err)
	}
	return p.ID, nil
}

func (r *Repo) List(ctx context.Context) ([]*repoIface.Registration, error) {
	stmt, args, err := r.builder.Select(columns...).From("lti_platforms").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list platforms sql: %w", err)
	}
	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	var out []*repoIface.Registration
	for rows.Next() {
		p, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platforms: %w", err)
	}
	return out, nil
}
