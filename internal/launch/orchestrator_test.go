package launch

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/identity"
	"github.com/quipper/poc/lti/grader/internal/repositories/session/memory"
	"github.com/quipper/poc/lti/grader/pkg/common/metrics"
	"github.com/quipper/poc/lti/grader/pkg/repositories/platform"
)

const (
	issuer   = "https://lms.example.edu"
	clientID = "tool-client"
)

var testReg = &platform.Registration{
	ID:           1,
	Issuer:       issuer,
	ClientID:     clientID,
	DeploymentID: "d1",
	AuthEndpoint: issuer + "/auth?tenant=7",
	RedirectURI:  "https://tool.example/project/submit",
}

type registry map[string]*platform.Registration

func (r registry) Lookup(_ context.Context, iss, cid string) (*platform.Registration, error) {
	for _, reg := range r {
		if reg.Issuer == iss && (cid == "" || reg.ClientID == cid) {
			return reg, nil
		}
	}
	return nil, platform.ErrNotFound
}

// fakeValidator accepts tokens of the form "tok-<nonce>".
type fakeValidator struct {
	reg       registry
	returnURL string
	canScore  bool
}

func (f *fakeValidator) ValidateLogin(ctx context.Context, req identity.LoginRequest) (*platform.Registration, error) {
	if req.LoginHint == "" {
		return nil, identity.ErrInvalidLogin
	}
	reg, err := f.reg.Lookup(ctx, req.Issuer, req.ClientID)
	if err != nil {
		return nil, identity.ErrUnknownPlatform
	}
	return reg, nil
}

func (f *fakeValidator) ValidateLaunch(_ context.Context, idToken string, reg *platform.Registration, nonce string) (*identity.LaunchClaims, error) {
	if idToken != "tok-"+nonce {
		return nil, identity.ErrNonceMismatch
	}
	c := &identity.LaunchClaims{
		Issuer:       reg.Issuer,
		Subject:      "user-1",
		Audience:     []string{reg.ClientID},
		Nonce:        nonce,
		DeploymentID: reg.DeploymentID,
		MessageType:  identity.MessageTypeResourceLink,
		Version:      identity.LTIVersion,
		ResourceLink: identity.ResourceLinkClaim{ID: "rl-1"},
	}
	if f.returnURL != "" {
		c.LaunchPresentation = &identity.LaunchPresentationClaim{ReturnURL: f.returnURL}
	}
	if f.canScore {
		c.AGS = &identity.AGSEndpointClaim{Scope: []string{identity.ScopeScore}, LineItem: issuer + "/lineitems/1"}
	}
	return c, nil
}

func newTestOrchestrator(t *testing.T, v Validator) (*Orchestrator, *memory.Store) {
	t.Helper()
	store := memory.New(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	reg := registry{"1": testReg}
	if v == nil {
		v = &fakeValidator{reg: reg, returnURL: issuer + "/course/1"}
	}
	return NewOrchestrator(store, v, reg, Options{}), store
}

func login(t *testing.T, o *Orchestrator) (state, nonce string) {
	t.Helper()
	redirect, err := o.InitiateLogin(context.Background(), identity.LoginRequest{
		Issuer: issuer, ClientID: clientID, LoginHint: "hint", TargetLinkURI: "https://tool.example/project/submit",
	})
	require.NoError(t, err)
	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	return u.Query().Get("state"), u.Query().Get("nonce")
}

func TestInitiateLoginBuildsRedirect(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	redirect, err := o.InitiateLogin(context.Background(), identity.LoginRequest{
		Issuer: issuer, ClientID: clientID, LoginHint: "hint", LTIMessageHint: "mh", TargetLinkURI: "https://tool.example/x",
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	assert.Equal(t, "lms.example.edu", u.Host)
	assert.Equal(t, "/auth", u.Path)
	q := u.Query()
	assert.Equal(t, "7", q.Get("tenant"))
	assert.Equal(t, "openid", q.Get("scope"))
	assert.Equal(t, "id_token", q.Get("response_type"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, clientID, q.Get("client_id"))
	assert.Equal(t, testReg.RedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "hint", q.Get("login_hint"))
	assert.Equal(t, "mh", q.Get("lti_message_hint"))
	assert.Equal(t, "none", q.Get("prompt"))
	assert.Equal(t, redirect.State, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.NotEqual(t, q.Get("state"), q.Get("nonce"))
}

func TestInitiateLoginUnknownPlatform(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	_, err := o.InitiateLogin(context.Background(), identity.LoginRequest{Issuer: "https://nope", LoginHint: "h", TargetLinkURI: "x"})
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.Equal(t, KindSecurity, Classify(err))

	_, err = o.InitiateLogin(context.Background(), identity.LoginRequest{Issuer: issuer, TargetLinkURI: "x"})
	assert.ErrorIs(t, err, identity.ErrInvalidLogin)
	assert.Equal(t, KindInput, Classify(err))
}

func TestCompleteLaunchConsumesStateOnce(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	state, nonce := login(t, o)

	sess, err := o.CompleteLaunch(context.Background(), "tok-"+nonce, state)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "user-1", sess.Claims.Subject)

	_, err = o.CompleteLaunch(context.Background(), "tok-"+nonce, state)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, KindSecurity, Classify(err))

	got, err := o.GetActiveLaunch(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestCompleteLaunchConcurrentReplay(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	state, nonce := login(t, o)

	var ok, invalid int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.CompleteLaunch(context.Background(), "tok-"+nonce, state)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInvalidState):
				atomic.AddInt32(&invalid, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok)
	assert.EqualValues(t, 15, invalid)
}

func TestCompleteLaunchRejects(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)

	_, err := o.CompleteLaunch(context.Background(), "tok-x", "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = o.CompleteLaunch(context.Background(), "tok-x", "never-issued")
	assert.ErrorIs(t, err, ErrInvalidState)

	state, _ := login(t, o)
	_, err = o.CompleteLaunch(context.Background(), "tok-wrong", state)
	assert.ErrorIs(t, err, ErrInvalidLaunch)
	assert.ErrorIs(t, err, identity.ErrNonceMismatch)
	assert.Equal(t, KindSecurity, Classify(err))
}

func TestCompleteLaunchExpiredState(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	state, nonce := login(t, o)

	o.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	_, err := o.CompleteLaunch(context.Background(), "tok-"+nonce, state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteLaunchNonceMismatchWithForgedToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	reg := *testReg
	reg.KeySource = platform.KeySource{Method: platform.KeyMethodRSAKey, Key: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))}
	regs := registry{"1": &reg}

	store := memory.New(time.Minute)
	defer store.Close()
	o := NewOrchestrator(store, identity.NewValidator(regs, nil, 30*time.Second), regs, Options{})
	state, _ := login(t, o)

	forger, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok, err := jwt.NewBuilder().Issuer(issuer).Audience([]string{clientID}).
		Expiration(time.Now().Add(time.Minute)).Claim("nonce", "replayed-nonce").Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, forger))
	require.NoError(t, err)

	_, err = o.CompleteLaunch(context.Background(), string(signed), state)
	assert.ErrorIs(t, err, identity.ErrNonceMismatch)
	assert.ErrorIs(t, err, ErrInvalidLaunch)
}

func TestGetActiveLaunchMissing(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	_, err := o.GetActiveLaunch(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	_, err = o.GetActiveLaunch(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Equal(t, KindSession, Classify(err))
}

func startSession(t *testing.T, o *Orchestrator) *Session {
	t.Helper()
	state, nonce := login(t, o)
	sess, err := o.CompleteLaunch(context.Background(), "tok-"+nonce, state)
	require.NoError(t, err)
	return sess
}

func passing(g float64) grading.Result {
	return grading.Result{Grade: &g, Status: grading.StatusOK}
}

func TestRecordSubmissionAndGrade(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	sess := startSession(t, o)
	ctx := context.Background()

	s, err := o.RecordSubmission(ctx, sess.ID, grading.Submission{SourceURL: "https://github.com/u/r", DeployedURL: "https://a.herokuapp.com"})
	require.NoError(t, err)
	require.NotNil(t, s.Submission)
	assert.False(t, s.Submission.SubmittedAt.IsZero())

	s, err = o.RecordGrade(ctx, sess.ID, nil, grading.Result{Error: true, Status: grading.StatusDeploymentUnreachable})
	require.NoError(t, err)
	assert.Nil(t, s.Grade)
	assert.Equal(t, grading.StatusDeploymentUnreachable, s.LastResult.Status)

	s, err = o.RecordGrade(ctx, sess.ID, nil, passing(1))
	require.NoError(t, err)
	require.NotNil(t, s.Grade)
	assert.Equal(t, 1.0, *s.Grade)
	assert.Equal(t, "https://github.com/u/r", s.Submission.SourceURL)

	s, err = o.MarkScoreSent(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.True(t, s.AlreadyReported(1))

	// same grade again keeps the sent flag
	s, err = o.RecordGrade(ctx, sess.ID, nil, passing(1))
	require.NoError(t, err)
	assert.True(t, s.ScoreSent)

	// a failing re-grade leaves the grade in place
	s, err = o.RecordGrade(ctx, sess.ID, nil, grading.Result{Error: true, Status: grading.StatusDeploymentUnreachable})
	require.NoError(t, err)
	assert.True(t, s.ScoreSent)
	assert.Equal(t, 1.0, *s.Grade)

	s, err = o.RecordGrade(ctx, sess.ID, nil, passing(0.5))
	require.NoError(t, err)
	assert.False(t, s.ScoreSent)
	assert.False(t, s.AlreadyReported(0.5))

	_, err = o.RecordGrade(ctx, "missing", nil, passing(1))
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestRecordGradeStoresSubmissionWithResult(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	sess := startSession(t, o)
	ctx := context.Background()

	sub := grading.Submission{SourceURL: "https://github.com/u/r", DeployedURL: "https://a.herokuapp.com"}
	s, err := o.RecordGrade(ctx, sess.ID, &sub, passing(1))
	require.NoError(t, err)
	require.NotNil(t, s.Submission)
	assert.Equal(t, sub.DeployedURL, s.Submission.DeployedURL)
	assert.False(t, s.Submission.SubmittedAt.IsZero())
	assert.Equal(t, 1.0, *s.Grade)

	stored, err := o.GetActiveLaunch(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.SourceURL, stored.Submission.SourceURL)
	assert.Equal(t, grading.StatusOK, stored.LastResult.Status)

	// a nil submission keeps the stored one
	s, err = o.RecordGrade(ctx, sess.ID, nil, grading.Result{Error: true, Status: grading.StatusDeploymentUnreachable})
	require.NoError(t, err)
	assert.Equal(t, sub.SourceURL, s.Submission.SourceURL)
}

func TestEndSessionIsSingleUse(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	sess := startSession(t, o)

	ret, err := o.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, issuer+"/course/1", ret)

	_, err = o.EndSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrNoActiveSession)
	_, err = o.GetActiveLaunch(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestEndSessionWithoutReturnURL(t *testing.T) {
	reg := registry{"1": testReg}
	o, _ := newTestOrchestrator(t, &fakeValidator{reg: reg})
	sess := startSession(t, o)

	ret, err := o.EndSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, ret)
}

func TestLaunchMetrics(t *testing.T) {
	store := memory.New(time.Minute)
	defer store.Close()
	reg := registry{"1": testReg}
	m := metrics.New()
	o := NewOrchestrator(store, &fakeValidator{reg: reg}, reg, Options{Metrics: m})

	state, nonce := login(t, o)
	_, err := o.CompleteLaunch(context.Background(), "tok-"+nonce, state)
	require.NoError(t, err)
	_, _ = o.CompleteLaunch(context.Background(), "tok-"+nonce, state)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Launches.WithLabelValues("login", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Launches.WithLabelValues("launch", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Launches.WithLabelValues("launch", "invalid_state")))
}
