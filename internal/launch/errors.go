package launch

import (
	"errors"

	"github.com/quipper/poc/lti/grader/internal/identity"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrInvalidState    = errors.New("invalid or consumed login state")
	ErrInvalidLaunch   = errors.New("invalid launch")
	ErrNoActiveSession = errors.New("no active launch session")
)

// Kind groups errors by how the HTTP boundary should answer them.
type Kind int

const (
	KindInternal Kind = iota
	KindSecurity
	KindInput
	KindExternal
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindSecurity:
		return "security"
	case KindInput:
		return "input"
	case KindExternal:
		return "external"
	case KindSession:
		return "session"
	default:
		return "internal"
	}
}

var kinds = []struct {
	target error
	kind   Kind
}{
	{ErrInvalidState, KindSecurity},
	{ErrInvalidLaunch, KindSecurity},
	{ErrUnknownPlatform, KindSecurity},
	{identity.ErrUnknownPlatform, KindSecurity},
	{identity.ErrDeploymentMismatch, KindSecurity},
	{identity.ErrInvalidLogin, KindInput},
	{ErrNoActiveSession, KindSession},
}

// Classify maps err to its Kind. Unknown errors are internal.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return KindInternal
}
