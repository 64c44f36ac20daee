package score

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipper/poc/lti/grader/internal/ags"
	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/identity"
	"github.com/quipper/poc/lti/grader/internal/launch"
	"github.com/quipper/poc/lti/grader/pkg/common/metrics"
	"github.com/quipper/poc/lti/grader/pkg/repositories/platform"
)

const lineItem = "https://lms.example.edu/lineitems/3"

type memSessions struct {
	mu sync.Mutex
	m  map[string]launch.Session
}

func (s *memSessions) GetActiveLaunch(_ context.Context, id string) (*launch.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, launch.ErrNoActiveSession
	}
	return &sess, nil
}

func (s *memSessions) MarkScoreSent(_ context.Context, id string, grade float64) (*launch.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, launch.ErrNoActiveSession
	}
	g := grade
	sess.ScoreSent = true
	sess.SentGrade = &g
	s.m[id] = sess
	return &sess, nil
}

type registry struct{}

func (registry) Lookup(_ context.Context, iss, cid string) (*platform.Registration, error) {
	if iss != "https://lms.example.edu" || cid != "tool" {
		return nil, platform.ErrNotFound
	}
	return &platform.Registration{Issuer: iss, ClientID: cid, TokenEndpoint: iss + "/token", TokenAudience: iss}, nil
}

type recordingSender struct {
	mu       sync.Mutex
	fail     error
	creds    []ags.Credentials
	payloads []ags.Score
	scopes   [][]string
}

func (r *recordingSender) SendScore(_ context.Context, creds ags.Credentials, scopes []string, li string, s ags.Score) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.creds = append(r.creds, creds)
	r.scopes = append(r.scopes, scopes)
	r.payloads = append(r.payloads, s)
	return nil
}

func newSession(scopes ...string) launch.Session {
	return launch.Session{
		ID: "s1",
		Claims: &identity.LaunchClaims{
			Issuer:   "https://lms.example.edu",
			Subject:  "learner-9",
			Audience: []string{"tool"},
			AGS:      &identity.AGSEndpointClaim{Scope: scopes, LineItem: lineItem},
		},
	}
}

func setup(sess launch.Session) (*Reporter, *memSessions, *recordingSender) {
	sessions := &memSessions{m: map[string]launch.Session{sess.ID: sess}}
	sender := &recordingSender{}
	r := NewReporter(sessions, registry{}, sender, nil)
	r.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 123e6, time.UTC) }
	return r, sessions, sender
}

func result(g float64) grading.Result {
	return grading.Result{Grade: &g, Status: grading.StatusOK, StatusDetail: "deployment reachable"}
}

func TestReportBuildsPayload(t *testing.T) {
	sess := newSession(identity.ScopeScore, identity.ScopeLineItem)
	r, _, sender := setup(sess)

	updated, err := r.Report(context.Background(), &sess, result(1))
	require.NoError(t, err)
	assert.True(t, updated.ScoreSent)
	assert.Equal(t, 1.0, *updated.SentGrade)

	require.Len(t, sender.payloads, 1)
	p := sender.payloads[0]
	assert.Equal(t, "learner-9", p.UserID)
	assert.Equal(t, 1.0, p.ScoreGiven)
	assert.Equal(t, 1.0, p.ScoreMaximum)
	assert.Equal(t, "Completed", p.ActivityProgress)
	assert.Equal(t, "FullyGraded", p.GradingProgress)
	assert.Equal(t, "2024-05-01T10:00:00.123Z", p.Timestamp)
	assert.Equal(t, "deployment reachable", p.Comment)
	assert.Equal(t, ags.Credentials{TokenEndpoint: "https://lms.example.edu/token", ClientID: "tool", Audience: "https://lms.example.edu"}, sender.creds[0])
	assert.ElementsMatch(t, []string{identity.ScopeScore, identity.ScopeLineItem}, sender.scopes[0])
}

func TestReportSameGradeTwice(t *testing.T) {
	sess := newSession(identity.ScopeScore)
	r, _, sender := setup(sess)

	_, err := r.Report(context.Background(), &sess, result(1))
	require.NoError(t, err)
	// the stale copy still says ScoreSent=false; the reporter reads the stored flags
	_, err = r.Report(context.Background(), &sess, result(1))
	assert.ErrorIs(t, err, ErrAlreadyReported)
	assert.Equal(t, launch.KindSession, Classify(err))
	assert.Len(t, sender.payloads, 1)
}

func TestReportChangedGrade(t *testing.T) {
	sess := newSession(identity.ScopeScore)
	r, _, sender := setup(sess)

	s1, err := r.Report(context.Background(), &sess, result(0.5))
	require.NoError(t, err)
	s2, err := r.Report(context.Background(), s1, result(1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, *s2.SentGrade)

	require.Len(t, sender.payloads, 2)
	assert.NotEqual(t, sender.payloads[0], sender.payloads[1])
	assert.Equal(t, 0.5, sender.payloads[0].ScoreGiven)
	assert.Equal(t, 1.0, sender.payloads[1].ScoreGiven)
}

func TestReportDeliveryFailureAllowsRetry(t *testing.T) {
	sess := newSession(identity.ScopeScore)
	r, sessions, sender := setup(sess)
	sender.fail = errors.New("connection reset")

	_, err := r.Report(context.Background(), &sess, result(1))
	require.ErrorIs(t, err, ErrScoreDeliveryFailed)
	assert.Equal(t, launch.KindExternal, Classify(err))
	stored, _ := sessions.GetActiveLaunch(context.Background(), "s1")
	assert.False(t, stored.ScoreSent)

	sender.fail = nil
	updated, err := r.Report(context.Background(), &sess, result(1))
	require.NoError(t, err)
	assert.True(t, updated.ScoreSent)
}

func TestReportPreconditions(t *testing.T) {
	sess := newSession(identity.ScopeScore)
	r, _, sender := setup(sess)

	_, err := r.Report(context.Background(), &sess, grading.Result{Error: true, Status: grading.StatusDeploymentUnreachable})
	assert.ErrorIs(t, err, ErrNotGraded)
	assert.Equal(t, launch.KindInput, Classify(err))

	noScope := newSession(identity.ScopeLineItemReadOnly)
	r2, _, _ := setup(noScope)
	_, err = r2.Report(context.Background(), &noScope, result(1))
	assert.ErrorIs(t, err, ErrScoringUnavailable)

	noAGS := newSession()
	noAGS.Claims.AGS = nil
	r3, _, _ := setup(noAGS)
	_, err = r3.Report(context.Background(), &noAGS, result(1))
	assert.ErrorIs(t, err, ErrScoringUnavailable)

	gone := newSession(identity.ScopeScore)
	gone.ID = "other"
	_, err = r.Report(context.Background(), &gone, result(1))
	assert.ErrorIs(t, err, launch.ErrNoActiveSession)

	unregistered := newSession(identity.ScopeScore)
	unregistered.Claims.Issuer = "https://gone.example"
	r4, _, _ := setup(unregistered)
	_, err = r4.Report(context.Background(), &unregistered, result(1))
	assert.ErrorIs(t, err, ErrScoringUnavailable)

	assert.Empty(t, sender.payloads)
}

func TestReportMetrics(t *testing.T) {
	sess := newSession(identity.ScopeScore)
	sessions := &memSessions{m: map[string]launch.Session{sess.ID: sess}}
	m := metrics.New()
	r := NewReporter(sessions, registry{}, &recordingSender{}, m)

	_, _ = r.Report(context.Background(), &sess, result(1))
	_, _ = r.Report(context.Background(), &sess, result(1))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoreReports.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoreReports.WithLabelValues("already_reported")))
}
