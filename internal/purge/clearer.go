package purge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/runnerr0/bounceguard/internal/ledger"
)

// Target identifies the site data to clear.
type Target struct {
	Partition ledger.Partition
	SiteHost  string
}

// Clearer deletes cookies and storage of a site host. The embedding browser
// provides the real implementation.
type Clearer interface {
	ClearSiteData(ctx context.Context, t Target) error
}

// ClearerFunc adapts a function to Clearer.
type ClearerFunc func(ctx context.Context, t Target) error

// ClearSiteData calls f.
func (f ClearerFunc) ClearSiteData(ctx context.Context, t Target) error {
	return f(ctx, t)
}

// NopClearer accepts every request without clearing anything.
type NopClearer struct{}

// ClearSiteData does nothing.
func (NopClearer) ClearSiteData(context.Context, Target) error { return nil }

// clearRequest is the body POSTed by HTTPClearer.
type clearRequest struct {
	SiteHost        string `json:"site_host"`
	UserContextID   uint32 `json:"user_context_id"`
	PrivateBrowsing bool   `json:"private_browsing"`
}

// HTTPClearer asks the embedding browser to clear site data over HTTP,
// retrying transient failures.
type HTTPClearer struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewHTTPClearer creates a clearer that POSTs to endpoint. Each attempt is
// bounded by timeout; 5xx and connection errors are retried maxRetries times.
func NewHTTPClearer(endpoint string, maxRetries int, timeout time.Duration, logger *slog.Logger) *HTTPClearer {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = maxRetries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Timeout = timeout
	retryClient.Logger = nil
	if logger != nil {
		retryClient.Logger = logger
	}

	return &HTTPClearer{endpoint: endpoint, client: retryClient}
}

// ClearSiteData POSTs the target and treats any non-2xx answer as failure.
func (c *HTTPClearer) ClearSiteData(ctx context.Context, t Target) error {
	body, err := json.Marshal(clearRequest{
		SiteHost:        t.SiteHost,
		UserContextID:   t.Partition.UserContextID,
		PrivateBrowsing: t.Partition.PrivateBrowsing,
	})
	if err != nil {
		return fmt.Errorf("encode clear request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build clear request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("clear %s: %w", t.SiteHost, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("clear %s: unexpected status %s", t.SiteHost, resp.Status)
	}
	return nil
}
