package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quipper/poc/lti/grader/pkg/common/jwkscache"
	"github.com/quipper/poc/lti/grader/pkg/repositories/platform"
)

const (
	testIssuer = "https://lms.example.edu"
	testClient = "tool-client"
	testDeploy = "deploy-1"
	testNonce  = "nonce-123"
)

type fakeRegistry map[string]*platform.Registration

func (f fakeRegistry) Lookup(_ context.Context, issuer, clientID string) (*platform.Registration, error) {
	if r, ok := f[issuer+"|"+clientID]; ok {
		return r, nil
	}
	return nil, platform.ErrNotFound
}

type signer struct {
	priv *rsa.PrivateKey
	kid  string
}

func newSigner(t *testing.T, kid string) *signer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &signer{priv: priv, kid: kid}
}

func (s *signer) publicPEM(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&s.priv.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (s *signer) jwksJSON(t *testing.T) []byte {
	t.Helper()
	k, err := jwk.FromRaw(&s.priv.PublicKey)
	require.NoError(t, err)
	_ = k.Set(jwk.KeyIDKey, s.kid)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(k))
	body, err := json.Marshal(set)
	require.NoError(t, err)
	return body
}

func (s *signer) jwksServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := s.jwksJSON(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *signer) sign(t *testing.T, mutate func(b *jwt.Builder)) string {
	t.Helper()
	now := time.Now()
	b := jwt.NewBuilder().
		Issuer(testIssuer).
		Subject("user-42").
		Audience([]string{testClient}).
		IssuedAt(now).
		Expiration(now.Add(5*time.Minute)).
		Claim("nonce", testNonce).
		Claim("name", "Ada Lovelace").
		Claim(ClaimMessageType, MessageTypeResourceLink).
		Claim(ClaimVersion, LTIVersion).
		Claim(ClaimDeploymentID, testDeploy).
		Claim(ClaimResourceLink, map[string]any{"id": "rl-1", "title": "Final project"}).
		Claim(ClaimRoles, []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"}).
		Claim(ClaimLaunchPresentation, map[string]any{"return_url": "https://lms.example.edu/return"}).
		Claim(ClaimAGSEndpoint, map[string]any{
			"scope":    []string{ScopeScore, ScopeLineItem},
			"lineitem": "https://lms.example.edu/lineitems/7",
		})
	if mutate != nil {
		mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.KeyIDKey, s.kid)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, s.priv, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(signed)
}

func rsaRegistration(pubPEM string) *platform.Registration {
	return &platform.Registration{
		ID:           1,
		Issuer:       testIssuer,
		ClientID:     testClient,
		DeploymentID: testDeploy,
		AuthEndpoint: testIssuer + "/auth",
		KeySource:    platform.KeySource{Method: platform.KeyMethodRSAKey, Key: pubPEM},
	}
}

func TestValidateLogin(t *testing.T) {
	reg := rsaRegistration("")
	v := NewValidator(fakeRegistry{testIssuer + "|" + testClient: reg}, nil, time.Minute)
	ctx := context.Background()

	got, err := v.ValidateLogin(ctx, LoginRequest{Issuer: testIssuer, ClientID: testClient, LoginHint: "u", TargetLinkURI: "https://tool/launch"})
	require.NoError(t, err)
	assert.Equal(t, reg, got)

	_, err = v.ValidateLogin(ctx, LoginRequest{Issuer: "https://other", ClientID: testClient, LoginHint: "u", TargetLinkURI: "x"})
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	_, err = v.ValidateLogin(ctx, LoginRequest{Issuer: testIssuer, ClientID: testClient, TargetLinkURI: "x"})
	assert.ErrorIs(t, err, ErrInvalidLogin)

	_, err = v.ValidateLogin(ctx, LoginRequest{Issuer: testIssuer, ClientID: testClient, LoginHint: "u", TargetLinkURI: "x", DeploymentID: "other"})
	assert.ErrorIs(t, err, ErrDeploymentMismatch)
}

func TestValidateLaunchWithStaticKey(t *testing.T) {
	s := newSigner(t, "k1")
	reg := rsaRegistration(s.publicPEM(t))
	v := NewValidator(fakeRegistry{}, nil, time.Minute)

	claims, err := v.ValidateLaunch(context.Background(), s.sign(t, nil), reg, testNonce)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "Ada Lovelace", claims.Name)
	assert.Equal(t, "rl-1", claims.ResourceLink.ID)
	assert.Equal(t, testDeploy, claims.DeploymentID)
	assert.Equal(t, "https://lms.example.edu/return", claims.ReturnURL())
	assert.True(t, claims.CanPostScore())
	assert.Contains(t, claims.Roles, "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner")
	assert.NotZero(t, claims.ExpiresAt)
}

func TestValidateLaunchWithJWKS(t *testing.T) {
	s := newSigner(t, "platform-kid")
	srv := s.jwksServer(t)
	reg := rsaRegistration("")
	reg.KeySource = platform.KeySource{Method: platform.KeyMethodJWKSet, Key: srv.URL}
	v := NewValidator(fakeRegistry{}, jwkscache.New(srv.Client(), time.Minute, time.Hour), time.Minute)

	claims, err := v.ValidateLaunch(context.Background(), s.sign(t, nil), reg, testNonce)
	require.NoError(t, err)
	assert.Equal(t, testClient, claims.ClientID())
}

func TestValidateLaunchAcceptsNotBeforeWithinSkew(t *testing.T) {
	s := newSigner(t, "k1")
	reg := rsaRegistration(s.publicPEM(t))
	v := NewValidator(fakeRegistry{}, nil, time.Minute)

	tok := s.sign(t, func(b *jwt.Builder) { b.NotBefore(time.Now().Add(20 * time.Second)) })
	_, err := v.ValidateLaunch(context.Background(), tok, reg, testNonce)
	require.NoError(t, err)
}

func TestValidateLaunchRefetchesRotatedKeys(t *testing.T) {
	oldKey := newSigner(t, "kid-1")
	newKey := newSigner(t, "kid-2")
	oldSet, newSet := oldKey.jwksJSON(t), newKey.jwksJSON(t)
	var hits int32
	var current atomic.Pointer[[]byte]
	current.Store(&oldSet)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write(*current.Load())
	}))
	defer srv.Close()

	reg := rsaRegistration("")
	reg.KeySource = platform.KeySource{Method: platform.KeyMethodJWKSet, Key: srv.URL}
	v := NewValidator(fakeRegistry{}, jwkscache.New(srv.Client(), time.Hour, 0), time.Minute)
	ctx := context.Background()

	_, err := v.ValidateLaunch(ctx, oldKey.sign(t, nil), reg, testNonce)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	// Platform rotates while the old set is still cached
	current.Store(&newSet)
	_, err = v.ValidateLaunch(ctx, newKey.sign(t, nil), reg, testNonce)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))

	// a token nobody published still fails after one refetch
	_, err = v.ValidateLaunch(ctx, newSigner(t, "kid-3").sign(t, nil), reg, testNonce)
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestValidateLaunchRejects(t *testing.T) {
	s := newSigner(t, "k1")
	other := newSigner(t, "k2")
	reg := rsaRegistration(s.publicPEM(t))
	v := NewValidator(fakeRegistry{}, nil, time.Second)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		nonce string
		want  error
	}{
		{"garbage", "not-a-jwt", testNonce, ErrMalformedToken},
		{"wrong nonce", s.sign(t, nil), "other-nonce", ErrNonceMismatch},
		{"wrong nonce beats bad signature", other.sign(t, nil), "other-nonce", ErrNonceMismatch},
		{"bad signature", other.sign(t, nil), testNonce, ErrBadSignature},
		{"wrong issuer", s.sign(t, func(b *jwt.Builder) { b.Issuer("https://evil") }), testNonce, ErrIssuerMismatch},
		{"wrong audience", s.sign(t, func(b *jwt.Builder) { b.Audience([]string{"someone-else"}) }), testNonce, ErrAudienceMismatch},
		{"multi audience without azp", s.sign(t, func(b *jwt.Builder) { b.Audience([]string{testClient, "x"}) }), testNonce, ErrAudienceMismatch},
		{"expired", s.sign(t, func(b *jwt.Builder) { b.Expiration(time.Now().Add(-time.Minute)) }), testNonce, ErrTokenExpired},
		{"issued in future", s.sign(t, func(b *jwt.Builder) { b.IssuedAt(time.Now().Add(time.Hour)) }), testNonce, ErrTokenExpired},
		{"not yet valid", s.sign(t, func(b *jwt.Builder) { b.NotBefore(time.Now().Add(time.Hour)) }), testNonce, ErrTokenExpired},
		{"wrong deployment", s.sign(t, func(b *jwt.Builder) { b.Claim(ClaimDeploymentID, "deploy-2") }), testNonce, ErrDeploymentMismatch},
		{"wrong message type", s.sign(t, func(b *jwt.Builder) { b.Claim(ClaimMessageType, "LtiDeepLinkingRequest") }), testNonce, ErrInvalidMessage},
		{"wrong version", s.sign(t, func(b *jwt.Builder) { b.Claim(ClaimVersion, "1.1") }), testNonce, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateLaunch(ctx, tt.token, reg, tt.nonce)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateLaunchMultiAudienceWithAZP(t *testing.T) {
	s := newSigner(t, "k1")
	reg := rsaRegistration(s.publicPEM(t))
	v := NewValidator(fakeRegistry{}, nil, time.Minute)

	tok := s.sign(t, func(b *jwt.Builder) {
		b.Audience([]string{"x", testClient}).Claim("azp", testClient)
	})
	claims, err := v.ValidateLaunch(context.Background(), tok, reg, testNonce)
	require.NoError(t, err)
	assert.Equal(t, testClient, claims.ClientID())
}

func TestValidateLaunchKeysUnavailable(t *testing.T) {
	s := newSigner(t, "k1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	reg := rsaRegistration("")
	reg.KeySource = platform.KeySource{Method: platform.KeyMethodJWKSet, Key: srv.URL}
	v := NewValidator(fakeRegistry{}, jwkscache.New(srv.Client(), time.Minute, 0), time.Minute)

	_, err := v.ValidateLaunch(context.Background(), s.sign(t, nil), reg, testNonce)
	assert.ErrorIs(t, err, ErrKeysUnavailable)
}
