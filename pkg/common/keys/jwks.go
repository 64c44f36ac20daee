package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	jwk "github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/quipper/poc/lti/grader/pkg/common/logger"
)

// ToolKey holds the tool's RSA signing key. Platforms fetch the public half from the
// tool JWKS endpoint to verify client assertions.
type ToolKey struct {
	kid  string
	priv *rsa.PrivateKey
	set  jwk.Set
}

// Load builds a ToolKey from a PEM string (raw or base64 encoded) or a PEM file.
// With neither set an ephemeral 2048-bit key is generated and the PEM is logged so the
// operator can persist it.
func Load(kid, pemStr, pemFile string) (*ToolKey, error) {
	if kid == "" {
		kid = uuid.NewString()
	}
	if pemStr == "" && pemFile != "" {
		b, err := os.ReadFile(pemFile)
		if err != nil {
			return nil, fmt.Errorf("read tool key %s: %w", pemFile, err)
		}
		pemStr = string(b)
	}

	var key *rsa.PrivateKey
	if pemStr != "" {
		k, err := ParsePrivateKey(pemStr)
		if err != nil {
			return nil, err
		}
		key = k
	} else {
		gen, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
		key = gen
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(gen)})
		logger.Warn("generated ephemeral tool key (dev mode); persist with TOOL_PRIVATE_KEY_PEM and TOOL_KID=%s\n%s", kid, pemBytes)
	}
	return New(kid, key)
}

// New wraps an existing private key.
func New(kid string, key *rsa.PrivateKey) (*ToolKey, error) {
	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	_ = pub.Set(jwk.KeyIDKey, kid)
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = pub.Set(jwk.KeyUsageKey, "sig")

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, err
	}
	return &ToolKey{kid: kid, priv: key, set: set}, nil
}

// ParsePrivateKey accepts PKCS1 or PKCS8 PEM, optionally base64 wrapped.
func ParsePrivateKey(s string) (*rsa.PrivateKey, error) {
	data := []byte(s)
	if der, err := base64.StdEncoding.DecodeString(s); err == nil {
		data = der
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("keys: no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	rk, ok := pk.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("keys: private key is not RSA")
	}
	return rk, nil
}

// JWKSJSON returns the public JWKS as JSON bytes.
func (k *ToolKey) JWKSJSON() ([]byte, error) {
	return json.Marshal(k.set)
}

// Kid returns the key id.
func (k *ToolKey) Kid() string { return k.kid }

// PublicKey returns the public half of the signing key.
func (k *ToolKey) PublicKey() *rsa.PublicKey { return &k.priv.PublicKey }

// ClientAssertion builds a private_key_jwt assertion for the OAuth2 token endpoint
// (RFC 7523): iss and sub are the client id, aud the token endpoint audience.
func (k *ToolKey) ClientAssertion(clientID, audience string, now time.Time) (string, error) {
	tok, err := jwt.NewBuilder().
		Issuer(clientID).
		Subject(clientID).
		Audience([]string{audience}).
		IssuedAt(now).
		Expiration(now.Add(5 * time.Minute)).
		JwtID(uuid.NewString()).
		Build()
	if err != nil {
		return "", err
	}
	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jwk.KeyIDKey, k.kid)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, k.priv, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}
