package platform

import (
	"context"
	"errors"
	"time"
)

// Key source methods for verifying a Platform's id_token signatures.
const (
	KeyMethodJWKSet = "JWK_SET" // Key holds the Platform JWKS URL
	KeyMethodRSAKey = "RSA_KEY" // Key holds a PEM encoded RSA public key
)

// ErrNotFound is returned by Lookup when no registration matches.
var ErrNotFound = errors.New("platform: registration not found")

// KeySource tells the identity validator where the Platform's public keys come from.
type KeySource struct {
	Method string `json:"method" yaml:"method"`
	Key    string `json:"key" yaml:"key"`
}

// Registration is a Platform registration record. Read-only to the launch flow.
type Registration struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Issuer        string    `json:"issuer"`
	ClientID      string    `json:"client_id"`
	DeploymentID  string    `json:"deployment_id"`
	AuthEndpoint  string    `json:"auth_endpoint"`
	TokenEndpoint string    `json:"token_endpoint"`
	TokenAudience string    `json:"token_audience,omitempty"`
	RedirectURI   string    `json:"redirect_uri"`
	KeySource     KeySource `json:"key_source"`
	CreatedAt     time.Time `json:"created_at"`
}

// Audience returns the aud value for client assertions sent to the token endpoint.
func (r *Registration) Audience() string {
	if r.TokenAudience != "" {
		return r.TokenAudience
	}
	return r.TokenEndpoint
}

// Repository stores Platform registrations.
type Repository interface {
	// Health is a simple check to verify repository works.
	Health(ctx context.Context) error
	// Disconnect gracefully closes resources. Should be safe to call on shutdown.
	Disconnect()
	// Lookup returns the registration for (issuer, clientID). An empty clientID
	// matches the earliest registration of the issuer. Returns ErrNotFound if absent.
	Lookup(ctx context.Context, issuer, clientID string) (*Registration, error)
	// Upsert inserts or replaces the registration keyed by (issuer, client_id) and returns its ID.
	Upsert(ctx context.Context, reg *Registration) (int64, error)
	// List returns all registrations ordered by ID.
	List(ctx context.Context) ([]*Registration, error)
}
