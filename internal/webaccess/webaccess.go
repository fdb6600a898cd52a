// Package webaccess implements the outbound HTTP collaborator behind the
// plugin network capability.
//
// Security:
//   - Domain allowlist enforced before every request and on every redirect
//   - DNS resolution checked: private/internal IPs blocked (SSRF protection)
//   - Response body capped to prevent OOM
//   - Only GET and POST methods exposed to plugins
//   - Timeout enforced via context
package webaccess

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultMaxResponseBytes = 5 << 20 // 5 MB
	defaultTimeout          = 10 * time.Second
	maxRedirects            = 5
)

// Config configures outbound request restrictions.
type Config struct {
	AllowedDomains   []string      // Domains plugins may reach. Empty = deny all.
	MaxResponseBytes int64         // Maximum response body size. 0 = 5 MB default.
	Timeout          time.Duration // Per-request timeout. 0 = 10s default.
}

// Client performs allowlisted HTTP requests on behalf of plugins. It
// implements the sandbox HTTPClient interface.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// New creates an outbound HTTP client restricted to the configured domains.
func New(cfg Config, logger *slog.Logger) *Client {
	c := &Client{config: cfg, logger: logger}
	c.http = &http.Client{CheckRedirect: c.checkRedirect}
	return c
}

// Do executes one plugin-initiated request and returns the status code and
// capped response body.
func (c *Client) Do(ctx context.Context, pluginID, method, rawURL string, body []byte) (int, []byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return 0, nil, fmt.Errorf("only http/https schemes allowed, got %q", parsed.Scheme)
	}
	if !isDomainAllowed(parsed.Hostname(), c.config.AllowedDomains) {
		return 0, nil, fmt.Errorf("domain %q is not in the allowlist", parsed.Hostname())
	}
	if err := checkSSRF(parsed.Hostname()); err != nil {
		return 0, nil, err
	}

	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "BeamFlow/1.0")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.InfoContext(ctx, "plugin http request",
		slog.String("plugin_id", pluginID),
		slog.String("method", method),
		slog.String("url", rawURL),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	maxBytes := c.config.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}

	return resp.StatusCode, data, nil
}

// checkRedirect validates that redirect targets are also in the allowlist
// and don't resolve to private IPs.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (max %d)", maxRedirects)
	}

	host := req.URL.Hostname()
	if !isDomainAllowed(host, c.config.AllowedDomains) {
		return fmt.Errorf("redirect to disallowed domain %q blocked", host)
	}
	return checkSSRF(host)
}

// isDomainAllowed checks if the host is in the given allowlist.
func isDomainAllowed(host string, allowedDomains []string) bool {
	host = strings.ToLower(host)
	for _, d := range allowedDomains {
		if strings.ToLower(d) == host {
			return true
		}
	}
	return false
}
