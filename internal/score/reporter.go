package score

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quipper/poc/lti/grader/internal/ags"
	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/identity"
	"github.com/quipper/poc/lti/grader/internal/launch"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
	"github.com/quipper/poc/lti/grader/pkg/common/metrics"
	"github.com/quipper/poc/lti/grader/pkg/repositories/platform"
)

var (
	ErrNotGraded           = errors.New("score: result has no passing grade")
	ErrScoringUnavailable  = errors.New("score: launch did not grant a line item with the score scope")
	ErrAlreadyReported     = errors.New("score: grade already reported")
	ErrScoreDeliveryFailed = errors.New("score: delivery failed")
)

const (
	ActivityCompleted = "Completed"
	GradingFullyDone  = "FullyGraded"
	timestampLayout   = "2006-01-02T15:04:05.000Z07:00"
)

// Sender transmits a score to a line item.
type Sender interface {
	SendScore(ctx context.Context, creds ags.Credentials, scopes []string, lineItemURL string, s ags.Score) error
}

// Sessions is the part of the launch orchestrator the reporter needs.
type Sessions interface {
	GetActiveLaunch(ctx context.Context, id string) (*launch.Session, error)
	MarkScoreSent(ctx context.Context, id string, grade float64) (*launch.Session, error)
}

type Reporter struct {
	sessions Sessions
	registry identity.PlatformLookup
	sender   Sender
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewReporter(sessions Sessions, registry identity.PlatformLookup, sender Sender, m *metrics.Metrics) *Reporter {
	return &Reporter{sessions: sessions, registry: registry, sender: sender, metrics: m, now: time.Now}
}

// Report sends the graded result to the Platform once per grade value.
// On delivery failure the session is left untouched so the same grade can be retried.
func (r *Reporter) Report(ctx context.Context, sess *launch.Session, res grading.Result) (*launch.Session, error) {
	out, err := r.report(ctx, sess, res)
	r.count(err)
	return out, err
}

func (r *Reporter) report(ctx context.Context, sess *launch.Session, res grading.Result) (*launch.Session, error) {
	if !res.Passed() {
		return nil, ErrNotGraded
	}
	// the caller's copy may be stale; flags are read from the store
	current, err := r.sessions.GetActiveLaunch(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	claims := current.Claims
	if !claims.CanPostScore() {
		return nil, ErrScoringUnavailable
	}
	grade := *res.Grade
	if current.AlreadyReported(grade) {
		return nil, ErrAlreadyReported
	}

	reg, err := r.registry.Lookup(ctx, claims.Issuer, claims.ClientID())
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return nil, fmt.Errorf("%w: platform %s no longer registered", ErrScoringUnavailable, claims.Issuer)
		}
		return nil, fmt.Errorf("%w: %w", ErrScoreDeliveryFailed, err)
	}

	payload := ags.Score{
		UserID:           claims.Subject,
		ScoreGiven:       grade,
		ScoreMaximum:     grading.PassGrade,
		ActivityProgress: ActivityCompleted,
		GradingProgress:  GradingFullyDone,
		Timestamp:        r.now().UTC().Format(timestampLayout),
		Comment:          res.StatusDetail,
	}
	creds := ags.Credentials{TokenEndpoint: reg.TokenEndpoint, ClientID: reg.ClientID, Audience: reg.Audience()}
	if err := r.sender.SendScore(ctx, creds, claims.ServiceScopes(), claims.AGS.LineItem, payload); err != nil {
		logger.Warn("score: delivery to %s failed for session %s: %v", claims.AGS.LineItem, current.ID, err)
		return nil, fmt.Errorf("%w: %w", ErrScoreDeliveryFailed, err)
	}

	updated, err := r.sessions.MarkScoreSent(ctx, current.ID, grade)
	if err != nil {
		return nil, err
	}
	logger.Info("score: reported grade=%.2f sub=%s lineitem=%s", grade, claims.Subject, claims.AGS.LineItem)
	return updated, nil
}

func (r *Reporter) count(err error) {
	if r.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyReported):
		result = "already_reported"
	case errors.Is(err, ErrNotGraded):
		result = "not_graded"
	case errors.Is(err, ErrScoringUnavailable):
		result = "unavailable"
	case errors.Is(err, ErrScoreDeliveryFailed):
		result = "delivery_failed"
	default:
		result = "error"
	}
	r.metrics.ScoreReports.WithLabelValues(result).Inc()
}

// Classify extends launch.Classify with the reporter's errors.
func Classify(err error) launch.Kind {
	switch {
	case errors.Is(err, ErrScoreDeliveryFailed):
		return launch.KindExternal
	case errors.Is(err, ErrAlreadyReported):
		return launch.KindSession
	case errors.Is(err, ErrNotGraded), errors.Is(err, ErrScoringUnavailable):
		return launch.KindInput
	}
	return launch.Classify(err)
}
