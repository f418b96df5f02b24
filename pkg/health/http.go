package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPChecker performs HTTP-based health checks
type HTTPChecker struct {
	// URL is the full URL to probe (e.g. "http://127.0.0.1:8428/health")
	URL string

	// ExpectedStatus is the required response code (0 means any 2xx-3xx)
	ExpectedStatus int

	// ExpectedBody, when set, must appear in the response body
	ExpectedBody string

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL: url,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Check performs the HTTP health check
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

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	healthy := true
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	if h.ExpectedStatus != 0 {
		if resp.StatusCode != h.ExpectedStatus {
			healthy = false
			message = fmt.Sprintf("%s (expected %d)", message, h.ExpectedStatus)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 399 {
		healthy = false
		message = fmt.Sprintf("%s (expected 2xx-3xx)", message)
	}

	if healthy && h.ExpectedBody != "" && !strings.Contains(string(body), h.ExpectedBody) {
		healthy = false
		message = fmt.Sprintf("body missing expected signal %q", h.ExpectedBody)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithStatus sets the required response status
func (h *HTTPChecker) WithStatus(status int) *HTTPChecker {
	h.ExpectedStatus = status
	return h
}

// WithBody sets the required body substring
func (h *HTTPChecker) WithBody(substr string) *HTTPChecker {
	h.ExpectedBody = substr
	return h
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
