package launch

import (
	"time"

	"github.com/quipper/poc/lti/grader/internal/grading"
	"github.com/quipper/poc/lti/grader/internal/identity"
)

// LoginState binds an OIDC state to the nonce expected in the launch token.
type LoginState struct {
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	Issuer        string    `json:"issuer"`
	ClientID      string    `json:"client_id"`
	TargetLinkURI string    `json:"target_link_uri"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// LoginRedirect is where the browser is sent to authenticate with the Platform.
type LoginRedirect struct {
	URL   string
	State string
}

// Session is the per-user launch session, mutated only through the Orchestrator.
type Session struct {
	ID         string                 `json:"id"`
	Claims     *identity.LaunchClaims `json:"decoded_launch"`
	Submission *grading.Submission    `json:"submission,omitempty"`
	Grade      *float64               `json:"grade,omitempty"`
	LastResult *grading.Result        `json:"last_result,omitempty"`
	ScoreSent  bool                   `json:"score_sent"`
	SentGrade  *float64               `json:"sent_grade,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// AlreadyReported reports whether grade has already been delivered to the Platform.
func (s *Session) AlreadyReported(grade float64) bool {
	return s.ScoreSent && s.SentGrade != nil && *s.SentGrade == grade
}

// ReturnURL is the Platform URL to go back to, empty when the launch gave none.
func (s *Session) ReturnURL() string {
	if s.Claims == nil {
		return ""
	}
	return s.Claims.ReturnURL()
}

func loginKey(state string) string { return "login:" + state }
func sessionKey(id string) string { return "launch:" + id }
