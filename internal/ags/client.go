package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/quipper/poc/lti/grader/pkg/common/logger"
)

const (
	ScoreMediaType      = "application/vnd.ims.lis.v1.score+json"
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	tokenRefreshMargin  = 30 * time.Second
)

var (
	ErrToken            = errors.New("ags: token request failed")
	ErrUnexpectedStatus = errors.New("ags: unexpected status")
)

// Credentials identify the tool at a Platform's OAuth2 token endpoint.
type Credentials struct {
	TokenEndpoint string
	ClientID      string
	// Audience is the aud of the client assertion; defaults to TokenEndpoint.
	Audience string
}

// Score is the AGS score payload.
type Score struct {
	UserID           string  `json:"userId"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
	Timestamp        string  `json:"timestamp"`
	Comment          string  `json:"comment,omitempty"`
}

// AssertionSigner signs private_key_jwt client assertions.
type AssertionSigner interface {
	ClientAssertion(clientID, audience string, now time.Time) (string, error)
}

// Client posts scores to AGS line items.
type Client struct {
	signer AssertionSigner
	http   *http.Client
	tokens *gocache.Cache
	now    func() time.Time
}

// NewClient builds a client whose outbound calls are bounded by timeout.
func NewClient(signer AssertionSigner, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := *httpClient
	hc.Timeout = timeout
	return &Client{
		signer: signer,
		http:   &hc,
		tokens: gocache.New(gocache.NoExpiration, 10*time.Minute),
		now:    time.Now,
	}
}

// SendScore obtains an access token for scopes and POSTs score to lineItemURL/scores.
func (c *Client) SendScore(ctx context.Context, creds Credentials, scopes []string, lineItemURL string, score Score) error {
	target, err := ScoresURL(lineItemURL)
	if err != nil {
		return err
	}
	body, err := json.Marshal(score)
	if err != nil {
		return err
	}

	key := cacheKey(creds, scopes)
	tok, err := c.token(ctx, key, creds, scopes)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ScoreMediaType)
	tok.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ags: post score: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Delete(key)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w %d from %s: %s", ErrUnexpectedStatus, resp.StatusCode, target, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	logger.Debug("ags: score posted to %s status=%d", target, resp.StatusCode)
	return nil
}

func (c *Client) token(ctx context.Context, key string, creds Credentials, scopes []string) (*oauth2.Token, error) {
	if v, ok := c.tokens.Get(key); ok {
		return v.(*oauth2.Token), nil
	}

	aud := creds.Audience
	if aud == "" {
		aud = creds.TokenEndpoint
	}
	assertion, err := c.signer.ClientAssertion(creds.ClientID, aud, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: sign client assertion: %w", ErrToken, err)
	}
	cfg := clientcredentials.Config{
		ClientID:  creds.ClientID,
		TokenURL:  creds.TokenEndpoint,
		Scopes:    scopes,
		AuthStyle: oauth2.AuthStyleInParams,
		EndpointParams: url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		},
	}
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.http))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrToken, err)
	}

	ttl := 5 * time.Minute
	if !tok.Expiry.IsZero() {
		ttl = tok.Expiry.Sub(c.now()) - tokenRefreshMargin
	}
	if ttl > 0 {
		c.tokens.Set(key, tok, ttl)
	}
	return tok, nil
}

// ScoresURL appends /scores to the line item path, keeping any query string.
func ScoresURL(lineItem string) (string, error) {
	u, err := url.Parse(lineItem)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("ags: invalid line item url %q", lineItem)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/scores"
	u.RawPath = ""
	return u.String(), nil
}

func cacheKey(creds Credentials, scopes []string) string {
	s := append([]string(nil), scopes...)
	sort.Strings(s)
	return creds.TokenEndpoint + "|" + creds.ClientID + "|" + strings.Join(s, " ")
}
