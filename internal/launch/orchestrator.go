package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/identity"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
	"github.com/quipper/poc/lti/grader/pkg/common/metrics"
	"github.com/quipper/poc/lti/grader/pkg/repositories/platform"
	sessionRepo "github.com/quipper/poc/lti/grader/pkg/repositories/session"
)

// Validator verifies logins and launch tokens.
type Validator interface {
	ValidateLogin(ctx context.Context, req identity.LoginRequest) (*platform.Registration, error)
	ValidateLaunch(ctx context.Context, idToken string, reg *platform.Registration, expectedNonce string) (*identity.LaunchClaims, error)
}

type Options struct {
	LoginTTL   time.Duration
	SessionTTL time.Duration
	// RedirectURI is used when a registration does not declare its own.
	RedirectURI string
	Metrics     *metrics.Metrics
}

// Orchestrator drives a launch from login initiation to the return to the Platform.
// It holds no per-user state; everything lives in the session store.
type Orchestrator struct {
	store     sessionRepo.Store
	validator Validator
	registry  identity.PlatformLookup
	opts      Options
	now       func() time.Time
	newID     func() string
}

func NewOrchestrator(store sessionRepo.Store, validator Validator, registry identity.PlatformLookup, opts Options) *Orchestrator {
	if opts.LoginTTL <= 0 {
		opts.LoginTTL = 10 * time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	return &Orchestrator{
		store:     store,
		validator: validator,
		registry:  registry,
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// InitiateLogin validates a third-party login request and stores a fresh state/nonce pair.
func (o *Orchestrator) InitiateLogin(ctx context.Context, req identity.LoginRequest) (*LoginRedirect, error) {
	reg, err := o.validator.ValidateLogin(ctx, req)
	if err != nil {
		o.count("login", "rejected")
		if errors.Is(err, identity.ErrUnknownPlatform) {
			return nil, fmt.Errorf("%w: %w", ErrUnknownPlatform, err)
		}
		return nil, err
	}

	now := o.now()
	st := LoginState{
		State:         o.newID(),
		Nonce:         o.newID(),
		Issuer:        reg.Issuer,
		ClientID:      reg.ClientID,
		TargetLinkURI: req.TargetLinkURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(o.opts.LoginTTL),
	}
	if err := o.put(ctx, loginKey(st.State), st, o.opts.LoginTTL); err != nil {
		return nil, fmt.Errorf("store login state: %w", err)
	}

	redirect, err := o.authRedirect(reg, req, st)
	if err != nil {
		return nil, err
	}
	o.count("login", "ok")
	logger.Debug("launch: login initiated iss=%s client_id=%s", reg.Issuer, reg.ClientID)
	return &LoginRedirect{URL: redirect, State: st.State}, nil
}

func (o *Orchestrator) authRedirect(reg *platform.Registration, req identity.LoginRequest, st LoginState) (string, error) {
	u, err := url.Parse(reg.AuthEndpoint)
	if err != nil || u.Scheme == "" {
		return "", fmt.Errorf("platform %s has invalid auth endpoint %q", reg.Issuer, reg.AuthEndpoint)
	}
	redirectURI := reg.RedirectURI
	if redirectURI == "" {
		redirectURI = o.opts.RedirectURI
	}
	q := u.Query()
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("login_hint", req.LoginHint)
	q.Set("state", st.State)
	q.Set("nonce", st.Nonce)
	q.Set("prompt", "none")
	if req.LTIMessageHint != "" {
		q.Set("lti_message_hint", req.LTIMessageHint)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CompleteLaunch consumes the login state and validates the id_token against it.
// A state is accepted at most once.
func (o *Orchestrator) CompleteLaunch(ctx context.Context, idToken, state string) (*Session, error) {
	if state == "" {
		o.count("launch", "invalid_state")
		return nil, ErrInvalidState
	}
	raw, err := o.store.Take(ctx, loginKey(state))
	if err != nil {
		if errors.Is(err, sessionRepo.ErrNotFound) {
			o.count("launch", "invalid_state")
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("take login state: %w", err)
	}
	var st LoginState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode login state: %w", err)
	}
	if !o.now().Before(st.ExpiresAt) {
		o.count("launch", "invalid_state")
		return nil, fmt.Errorf("%w: expired at %s", ErrInvalidState, st.ExpiresAt.Format(time.RFC3339))
	}

	reg, err := o.registry.Lookup(ctx, st.Issuer, st.ClientID)
	if err != nil {
		o.count("launch", "rejected")
		if errors.Is(err, platform.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidLaunch, identity.ErrUnknownPlatform)
		}
		return nil, fmt.Errorf("lookup platform: %w", err)
	}

	claims, err := o.validator.ValidateLaunch(ctx, idToken, reg, st.Nonce)
	if err != nil {
		o.count("launch", "rejected")
		return nil, fmt.Errorf("%w: %w", ErrInvalidLaunch, err)
	}

	now := o.now()
	sess := &Session{ID: o.newID(), Claims: claims, CreatedAt: now, UpdatedAt: now}
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	o.count("launch", "ok")
	logger.Info("launch: session started iss=%s sub=%s resource_link=%s", claims.Issuer, claims.Subject, claims.ResourceLink.ID)
	return sess, nil
}

// GetActiveLaunch returns the session or ErrNoActiveSession.
func (o *Orchestrator) GetActiveLaunch(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNoActiveSession
	}
	raw, err := o.store.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, sessionRepo.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Claims == nil {
		return nil, ErrNoActiveSession
	}
	return &sess, nil
}

func (o *Orchestrator) RecordSubmission(ctx context.Context, id string, sub grading.Submission) (*Session, error) {
	return o.update(ctx, id, func(s *Session) { o.setSubmission(s, sub) })
}

func (o *Orchestrator) setSubmission(s *Session, sub grading.Submission) {
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = o.now()
	}
	s.Submission = &sub
}

// RecordGrade stores the latest result, and sub when it is non-nil, in one write.
// A passing result sets the grade, and a grade different from the one already
// delivered clears ScoreSent.
func (o *Orchestrator) RecordGrade(ctx context.Context, id string, sub *grading.Submission, res grading.Result) (*Session, error) {
	return o.update(ctx, id, func(s *Session) {
		if sub != nil {
			o.setSubmission(s, *sub)
		}
		r := res
		s.LastResult = &r
		if !res.Passed() {
			return
		}
		g := *res.Grade
		s.Grade = &g
		if !s.AlreadyReported(g) {
			s.ScoreSent = false
		}
	})
}

func (o *Orchestrator) MarkScoreSent(ctx context.Context, id string, grade float64) (*Session, error) {
	return o.update(ctx, id, func(s *Session) {
		g := grade
		s.ScoreSent = true
		s.SentGrade = &g
	})
}

// EndSession destroys the session and returns its return URL ("" when the launch had none).
func (o *Orchestrator) EndSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", ErrNoActiveSession
	}
	raw, err := o.store.Take(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, sessionRepo.ErrNotFound) {
			return "", ErrNoActiveSession
		}
		return "", fmt.Errorf("take session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	logger.Debug("launch: session %s ended", id)
	return sess.ReturnURL(), nil
}

func (o *Orchestrator) update(ctx context.Context, id string, mutate func(*Session)) (*Session, error) {
	sess, err := o.GetActiveLaunch(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(sess)
	sess.UpdatedAt = o.now()
	if err := o.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) save(ctx context.Context, sess *Session) error {
	if err := o.put(ctx, sessionKey(sess.ID), sess, o.opts.SessionTTL); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (o *Orchestrator) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return o.store.Set(ctx, key, b, ttl)
}

func (o *Orchestrator) count(step, result string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.Launches.WithLabelValues(step, result).Inc()
	}
}
