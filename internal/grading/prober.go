package grading

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober performs the liveness check against a deployed URL.
// It returns the observed status code, or an error when no response arrived.
type Prober interface {
	Probe(ctx context.Context, url string) (int, error)
}

// HTTPProber issues a single GET per call with a bounded timeout.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPProber(client *http.Client, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{
			// redirects are followed; the final status decides
			Timeout: timeout,
		}
	}
	return &HTTPProber{client: client, timeout: timeout}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", "lti-grader/1.0 (+liveness)")
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
