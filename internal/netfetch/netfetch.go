// Package netfetch implements the outbound request proxy with SSRF
// protection.
//
// Security:
//   - Network policy enforced before every request and on every redirect
//   - DNS resolution checked so hostnames cannot smuggle private IPs
//   - Request and response bodies capped
//   - Timeout enforced via context
package netfetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/policy"
)

const maxRedirects = 5

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Request describes a proxied outbound HTTP request.
type Request struct {
	URL     string
	Method  string // Defaults to GET.
	Headers map[string]string
	Body    string
	Timeout time.Duration // 0 = configured default.
}

// Response is the result of a proxied request.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	URL        string            `json:"url"` // Final URL after redirects.
	Truncated  bool              `json:"truncated"`
	DurationMS int64             `json:"duration_ms"`
}

// Service proxies outbound requests gated by the network policy.
type Service struct {
	policy *policy.NetworkPolicy
	cfg    config.NetworkConfig
	logger *slog.Logger
}

// NewService creates an outbound request proxy.
func NewService(networkPolicy *policy.NetworkPolicy, cfg config.NetworkConfig, logger *slog.Logger) *Service {
	return &Service{policy: networkPolicy, cfg: cfg, logger: logger}
}

// Do validates and performs the request. Policy violations surface as
// policy.ErrDenied; transport failures as plain errors.
func (s *Service) Do(ctx context.Context, req Request) (*Response, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("url must not be empty")
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("method %q not allowed", req.Method)
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", req.URL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("only http/https schemes allowed, got %q", parsed.Scheme)
	}

	if !s.policy.IsAllowed(req.URL) {
		return nil, fmt.Errorf("%w: url %q", policy.ErrDenied, req.URL)
	}
	if maxReq := s.cfg.MaxRequest(); int64(len(req.Body)) > maxReq {
		return nil, fmt.Errorf("request body %d bytes exceeds limit %d", len(req.Body), maxReq)
	}
	// DNS resolution check: the hostname must not resolve to a blocked IP.
	if !s.policy.CheckResolved(parsed.Hostname()) {
		return nil, fmt.Errorf("%w: host %q resolves to a blocked address", policy.ErrDenied, parsed.Hostname())
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "sandboxd/1.0")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := &http.Client{CheckRedirect: s.checkRedirect}

	s.logger.InfoContext(ctx, "proxying outbound request",
		slog.String("method", method),
		slog.String("url", req.URL),
	)

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	maxResp := s.cfg.MaxResponse()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResp+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	truncated := false
	if int64(len(body)) > maxResp {
		body = body[:maxResp]
		truncated = true
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       string(body),
		URL:        resp.Request.URL.String(),
		Truncated:  truncated,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

// checkRedirect re-validates every redirect target against the policy so
// an allowed host cannot bounce the client into a blocked one.
func (s *Service) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (max %d)", maxRedirects)
	}
	if !s.policy.IsAllowed(req.URL.String()) {
		return fmt.Errorf("%w: redirect to %q", policy.ErrDenied, req.URL.String())
	}
	if !s.policy.CheckResolved(req.URL.Hostname()) {
		return fmt.Errorf("%w: redirect host %q resolves to a blocked address", policy.ErrDenied, req.URL.Hostname())
	}
	return nil
}
