package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker performs HTTP-based liveness probes against a site container
type HTTPChecker struct {
	// URL is the full HTTP URL to check (e.g., "http://127.0.0.1:3001/")
	URL string

	// AnyResponse treats every HTTP status as healthy. Site containers only
	// need to prove the server answers; a 404 from a fresh app still means
	// the process is up.
	AnyResponse bool

	// ExpectedStatusMin / ExpectedStatusMax bound acceptable status codes
	// when AnyResponse is false
	ExpectedStatusMin int
	ExpectedStatusMax int

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPChecker creates a liveness checker with a 2s per-attempt timeout
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		AnyResponse:       true,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Check performs one probe
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := h.AnyResponse ||
		(resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax)

	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WithStatusRange switches the checker to strict status matching
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.AnyResponse = false
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}
