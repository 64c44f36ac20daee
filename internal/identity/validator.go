package identity

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/quipper/poc/lti/grader/pkg/common/jwkscache"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
	"github.com/quipper/poc/lti/grader/pkg/repositories/platform"
)

var (
	ErrUnknownPlatform    = errors.New("unknown platform")
	ErrInvalidLogin       = errors.New("invalid login request")
	ErrMalformedToken     = errors.New("malformed id_token")
	ErrNonceMismatch      = errors.New("nonce mismatch")
	ErrKeysUnavailable    = errors.New("platform keys unavailable")
	ErrBadSignature       = errors.New("bad signature")
	ErrIssuerMismatch     = errors.New("issuer mismatch")
	ErrAudienceMismatch   = errors.New("audience mismatch")
	ErrTokenExpired       = errors.New("token expired")
	ErrDeploymentMismatch = errors.New("deployment mismatch")
	ErrInvalidMessage     = errors.New("invalid lti message")
)

// PlatformLookup is the read side of the platform registry.
type PlatformLookup interface {
	Lookup(ctx context.Context, issuer, clientID string) (*platform.Registration, error)
}

// LoginRequest carries the parameters of an OIDC third-party initiated login.
type LoginRequest struct {
	Issuer         string
	ClientID       string
	TargetLinkURI  string
	LoginHint      string
	LTIMessageHint string
	DeploymentID   string
}

// Validator checks login initiations and launch tokens against registered Platforms.
type Validator struct {
	registry PlatformLookup
	jwks     jwkscache.Cache
	skew     time.Duration
	now      func() time.Time
}

func NewValidator(registry PlatformLookup, jwks jwkscache.Cache, skew time.Duration) *Validator {
	return &Validator{registry: registry, jwks: jwks, skew: skew, now: time.Now}
}

// ValidateLogin resolves the Platform that initiated the login.
func (v *Validator) ValidateLogin(ctx context.Context, req LoginRequest) (*platform.Registration, error) {
	switch {
	case req.Issuer == "":
		return nil, fmt.Errorf("%w: missing iss", ErrInvalidLogin)
	case req.LoginHint == "":
		return nil, fmt.Errorf("%w: missing login_hint", ErrInvalidLogin)
	case req.TargetLinkURI == "":
		return nil, fmt.Errorf("%w: missing target_link_uri", ErrInvalidLogin)
	}
	reg, err := v.registry.Lookup(ctx, req.Issuer, req.ClientID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return nil, fmt.Errorf("%w: iss=%s client_id=%s", ErrUnknownPlatform, req.Issuer, req.ClientID)
		}
		return nil, fmt.Errorf("lookup platform: %w", err)
	}
	if req.DeploymentID != "" && reg.DeploymentID != "" && req.DeploymentID != reg.DeploymentID {
		return nil, fmt.Errorf("%w: login for deployment %s", ErrDeploymentMismatch, req.DeploymentID)
	}
	return reg, nil
}

// ValidateLaunch verifies a launch id_token issued by reg for the login that produced expectedNonce.
// The nonce is compared before the signature, so a replayed token fails with ErrNonceMismatch
// whether or not its signature is valid.
func (v *Validator) ValidateLaunch(ctx context.Context, idToken string, reg *platform.Registration, expectedNonce string) (*LaunchClaims, error) {
	unverified, err := jwt.ParseString(idToken, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var nonce string
	if raw, ok := unverified.Get("nonce"); ok {
		nonce, _ = raw.(string)
	}
	if expectedNonce == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(expectedNonce)) != 1 {
		return nil, ErrNonceMismatch
	}

	tok, err := v.verify(ctx, idToken, reg)
	if err != nil {
		return nil, err
	}
	if err := v.checkStandardClaims(tok, reg); err != nil {
		return nil, err
	}

	claims, err := decodeClaims(ctx, tok)
	if err != nil {
		return nil, err
	}
	if claims.DeploymentID == "" {
		return nil, fmt.Errorf("%w: missing deployment_id", ErrInvalidMessage)
	}
	if reg.DeploymentID != "" && claims.DeploymentID != reg.DeploymentID {
		return nil, fmt.Errorf("%w: got %s", ErrDeploymentMismatch, claims.DeploymentID)
	}
	if claims.MessageType != MessageTypeResourceLink {
		return nil, fmt.Errorf("%w: message_type %q", ErrInvalidMessage, claims.MessageType)
	}
	if claims.Version != LTIVersion {
		return nil, fmt.Errorf("%w: version %q", ErrInvalidMessage, claims.Version)
	}
	if claims.ResourceLink.ID == "" {
		return nil, fmt.Errorf("%w: missing resource_link.id", ErrInvalidMessage)
	}
	return claims, nil
}

// verify checks the token signature. For a JWKS key source a failure is retried once
// against a refetched key set, so a rotated Platform key is picked up before the cache expires.
func (v *Validator) verify(ctx context.Context, idToken string, reg *platform.Registration) (jwt.Token, error) {
	keyOpt, err := v.keyOption(ctx, reg)
	if err != nil {
		return nil, err
	}
	tok, err := jwt.ParseString(idToken, keyOpt, jwt.WithValidate(false))
	if err == nil {
		return tok, nil
	}
	if reg.KeySource.Method != platform.KeyMethodJWKSet {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	logger.Debug("identity: signature check failed for %s, refreshing key set", reg.Issuer)
	v.jwks.Invalidate(reg.KeySource.Key)
	if keyOpt, err = v.keyOption(ctx, reg); err != nil {
		return nil, err
	}
	if tok, err = jwt.ParseString(idToken, keyOpt, jwt.WithValidate(false)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return tok, nil
}

func (v *Validator) checkStandardClaims(tok jwt.Token, reg *platform.Registration) error {
	now := v.now()
	if tok.Issuer() != reg.Issuer {
		return fmt.Errorf("%w: got %s", ErrIssuerMismatch, tok.Issuer())
	}
	aud := tok.Audience()
	found := false
	for _, a := range aud {
		if a == reg.ClientID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %v does not contain %s", ErrAudienceMismatch, aud, reg.ClientID)
	}
	if len(aud) > 1 {
		azp, _ := tok.Get("azp")
		if s, _ := azp.(string); s != reg.ClientID {
			return fmt.Errorf("%w: azp %q with multiple audiences", ErrAudienceMismatch, s)
		}
	}
	exp := tok.Expiration()
	if exp.IsZero() || !now.Before(exp.Add(v.skew)) {
		return fmt.Errorf("%w: exp=%s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	if iat := tok.IssuedAt(); !iat.IsZero() && iat.After(now.Add(v.skew)) {
		return fmt.Errorf("%w: issued in the future", ErrTokenExpired)
	}
	if nbf := tok.NotBefore(); !nbf.IsZero() && nbf.After(now.Add(v.skew)) {
		return fmt.Errorf("%w: not valid before %s", ErrTokenExpired, nbf.Format(time.RFC3339))
	}
	return nil
}

func (v *Validator) keyOption(ctx context.Context, reg *platform.Registration) (jwt.ParseOption, error) {
	switch reg.KeySource.Method {
	case platform.KeyMethodJWKSet:
		set, err := v.jwks.Get(ctx, reg.KeySource.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
		}
		return jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)), nil
	case platform.KeyMethodRSAKey:
		pub, err := parsePublicKey(reg.KeySource.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
		}
		return jwt.WithKey(jwa.RS256, pub), nil
	default:
		return nil, fmt.Errorf("%w: key method %q", ErrKeysUnavailable, reg.KeySource.Method)
	}
}

func parsePublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no PEM block in platform key")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rk, ok := pub.(*rsa.PublicKey); ok {
			return rk, nil
		}
		return nil, errors.New("platform key is not RSA")
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

func decodeClaims(ctx context.Context, tok jwt.Token) (*LaunchClaims, error) {
	m, err := tok.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	// time claims come back as time.Time; carried separately as unix seconds
	delete(m, jwt.IssuedAtKey)
	delete(m, jwt.ExpirationKey)
	delete(m, jwt.NotBeforeKey)

	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var c LaunchClaims
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	c.IssuedAt = tok.IssuedAt().Unix()
	c.ExpiresAt = tok.Expiration().Unix()
	return &c, nil
}
