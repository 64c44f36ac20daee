package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/quipper/poc/lti/grader/internal/ags"
	ltiHandler "github.com/quipper/poc/lti/grader/internal/controller/http/lti"
	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/identity"
	"github.com/quipper/poc/lti/grader/internal/launch"
	"github.com/quipper/poc/lti/grader/internal/score"
	"github.com/quipper/poc/lti/grader/pkg/common/config"
	"github.com/quipper/poc/lti/grader/pkg/common/jwkscache"
	"github.com/quipper/poc/lti/grader/pkg/common/keys"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
	"github.com/quipper/poc/lti/grader/pkg/common/metrics"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the LTI tool HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.Initialize(cfg.Log.Env, cfg.Log.Level)
	defer logger.Sync()
	logger.Info("starting server")

	// Load signing keys early so a generated dev key is printed at startup.
	toolKey, err := keys.Load(cfg.Keys.Kid, cfg.Keys.PrivatePEM, cfg.Keys.PEMFile)
	if err != nil {
		return fmt.Errorf("init keys: %w", err)
	}

	registry, err := openRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}
	defer registry.Disconnect()
	if err := seedPlatforms(ctx, registry, cfg.Platforms); err != nil {
		return err
	}

	sessions, err := openSessions(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	defer sessions.Close()

	m := metrics.New()
	jwks := jwkscache.New(&http.Client{Timeout: cfg.Identity.JWKSTimeout}, 10*time.Minute, time.Hour)
	orch := launch.NewOrchestrator(sessions, identity.NewValidator(registry, jwks, cfg.Identity.ClockSkew), registry, launch.Options{
		LoginTTL:    cfg.Session.LoginTTL,
		SessionTTL:  cfg.Session.TTL,
		RedirectURI: cfg.Server.PublicBaseURL + "/project/submit",
		Metrics:     m,
	})
	engine := grading.NewEngine(grading.NewHTTPProber(nil, cfg.Grading.ProbeTimeout), cfg.Grading.SourceHosts, cfg.Grading.DeployHosts, m)
	reporter := score.NewReporter(orch, registry, ags.NewClient(toolKey, nil, cfg.AGS.Timeout), m)

	h := ltiHandler.NewHandler(ltiHandler.Deps{
		Launches: orch,
		Grader:   engine,
		Reporter: reporter,
		Keys:     toolKey,
		Checks: map[string]ltiHandler.HealthChecker{
			"registry": registry,
			"sessions": sessions,
		},
		Metrics: m,
	}, ltiHandler.Options{
		CookieName:   cfg.Server.CookieName,
		CookieSecure: cfg.Server.CookieSecure,
		AutoReport:   cfg.AutoReportEnabled(),
		SessionTTL:   cfg.Session.TTL,
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.RequestSize(cfg.Server.MaxBodyBytes))
	router.Use(middleware.Recoverer)
	router.Mount("/", h.Router())

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s (sessions=%s registry=%s auto_report=%t)", cfg.Server.Addr, cfg.Session.Driver, cfg.Registry.Driver, cfg.AutoReportEnabled())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}
	logger.Info("server stopped")
	return nil
}
