package main

import (
	"context"
	"fmt"
	"time"

	platformPostgres "github.com/quipper/poc/lti/grader/internal/repositories/platform/postgres"
	platformSqlite "github.com/quipper/poc/lti/grader/internal/repositories/platform/sqlite"
	"github.com/quipper/poc/lti/grader/internal/repositories/session/memory"
	sessionRedis "github.com/quipper/poc/lti/grader/internal/repositories/session/redis"
	sessionSqlite "github.com/quipper/poc/lti/grader/internal/repositories/session/sqlite"
	"github.com/quipper/poc/lti/grader/pkg/common/config"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
	"github.com/quipper/poc/lti/grader/pkg/repositories/platform"
	"github.com/quipper/poc/lti/grader/pkg/repositories/session"
)

func openRegistry(ctx context.Context, cfg *config.Config) (platform.Repository, error) {
	if cfg.Registry.Driver == "postgres" {
		repo, err := platformPostgres.Connect(ctx, cfg.Registry.DSN)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	repo, err := platformSqlite.NewSQLiteRepo(cfg.Registry.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite registry %s: %w", cfg.Registry.DSN, err)
	}
	return repo, nil
}

func openSessions(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Driver {
	case "redis":
		r := cfg.Session.Redis
		store, err := sessionRedis.Connect(ctx, r.Addr, r.Password, r.DB, r.Prefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := sessionSqlite.NewSQLiteRepo(cfg.Session.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite sessions %s: %w", cfg.Session.SQLitePath, err)
		}
		return store, nil
	default:
		return memory.New(time.Minute), nil
	}
}

func toRegistration(p config.PlatformConfig) *platform.Registration {
	return &platform.Registration{
		Name:          p.Name,
		Issuer:        p.Issuer,
		ClientID:      p.ClientID,
		DeploymentID:  p.DeploymentID,
		AuthEndpoint:  p.AuthEndpoint,
		TokenEndpoint: p.TokenEndpoint,
		TokenAudience: p.TokenAudience,
		RedirectURI:   p.RedirectURI,
		KeySource:     platform.KeySource{Method: p.KeyMethod, Key: p.Key},
	}
}

// seedPlatforms upserts the registrations declared in the config file.
func seedPlatforms(ctx context.Context, repo platform.Repository, platforms []config.PlatformConfig) error {
	for _, p := range platforms {
		id, err := repo.Upsert(ctx, toRegistration(p))
		if err != nil {
			return fmt.Errorf("seed platform %s (%s): %w", p.Issuer, p.ClientID, err)
		}
		logger.Info("platform registered id=%d iss=%s client_id=%s", id, p.Issuer, p.ClientID)
	}
	return nil
}
