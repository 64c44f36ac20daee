package lti

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/identity"
	"github.com/quipper/poc/lti/grader/internal/launch"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
	"github.com/quipper/poc/lti/grader/pkg/common/metrics"
)

// Launches is the launch orchestrator as seen by the HTTP layer.
type Launches interface {
	InitiateLogin(ctx context.Context, req identity.LoginRequest) (*launch.LoginRedirect, error)
	CompleteLaunch(ctx context.Context, idToken, state string) (*launch.Session, error)
	GetActiveLaunch(ctx context.Context, id string) (*launch.Session, error)
	RecordSubmission(ctx context.Context, id string, sub grading.Submission) (*launch.Session, error)
	RecordGrade(ctx context.Context, id string, sub *grading.Submission, res grading.Result) (*launch.Session, error)
	EndSession(ctx context.Context, id string) (string, error)
}

type Grader interface {
	Grade(ctx context.Context, sub grading.Submission) grading.Result
}

type Reporter interface {
	Report(ctx context.Context, sess *launch.Session, res grading.Result) (*launch.Session, error)
}

// JWKSProvider publishes the tool's public keys.
type JWKSProvider interface {
	JWKSJSON() ([]byte, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

type Deps struct {
	Launches Launches
	Grader   Grader
	Reporter Reporter
	Keys     JWKSProvider
	// Checks are reported by /api/health, keyed by component name.
	Checks  map[string]HealthChecker
	Metrics *metrics.Metrics
}

type Options struct {
	CookieName   string
	CookieSecure bool
	AutoReport   bool
	SessionTTL   time.Duration
}

type Handler struct {
	launches Launches
	grader   Grader
	reporter Reporter
	keys     JWKSProvider
	checks   map[string]HealthChecker
	metrics  *metrics.Metrics
	opts     Options
}

func NewHandler(d Deps, opts Options) *Handler {
	if opts.CookieName == "" {
		opts.CookieName = "lti_session"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	return &Handler{
		launches: d.Launches,
		grader:   d.Grader,
		reporter: d.Reporter,
		keys:     d.Keys,
		checks:   d.Checks,
		metrics:  d.Metrics,
		opts:     opts,
	}
}

// Router returns the chi router for the tool's public endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	r.Get("/api/health", h.health)
	r.Get("/.well-known/jwks.json", h.jwks)

	// OIDC third-party initiated login; /oidc is kept for platforms configured with the old path
	for _, p := range []string{"/login", "/oidc"} {
		r.Get(p, h.login)
		r.Post(p, h.login)
	}

	r.Route("/project", func(r chi.Router) {
		r.Post("/submit", h.launchCallback)
		r.Get("/submit", h.projectPage)
		r.Post("/submission", h.submission)
		r.Post("/grading", h.grading)
		r.Post("/score", h.score)
		r.Post("/return", h.returnToPlatform)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := map[string]string{}
	healthy := true
	for name, c := range h.checks {
		if err := c.Health(r.Context()); err != nil {
			logger.Warn("health: %s: %v", name, err)
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "checks": status})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "checks": status})
}

// jwks serves the tool's public JWKS, used by Platforms to verify client assertions.
func (h *Handler) jwks(w http.ResponseWriter, r *http.Request) {
	data, err := h.keys.JWKSJSON()
	if err != nil {
		logger.Error("jwks: %v", err)
		http.Error(w, "failed to get JWKS", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(data)
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, h.cookie(id, int(h.opts.SessionTTL.Seconds())))
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	c := h.cookie("", -1)
	c.Expires = time.Unix(0, 0)
	http.SetCookie(w, c)
}

// cookie is SameSite=None when secure because the tool runs inside the Platform's iframe.
func (h *Handler) cookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     h.opts.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if h.opts.CookieSecure {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func (h *Handler) sessionID(r *http.Request) string {
	c, err := r.Cookie(h.opts.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// activeSession loads the session bound to the request cookie.
func (h *Handler) activeSession(r *http.Request) (*launch.Session, error) {
	return h.launches.GetActiveLaunch(r.Context(), h.sessionID(r))
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
