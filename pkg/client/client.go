package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/loykin/nodewarden"
)

// Client reads the status API of a running nodewarden supervisor.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	CACert   string       // PEM bundle for an https endpoint behind a proxy
	Insecure bool         // Skip TLS verification
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	nodewarden.Status
	Resource *nodewarden.ResourceSample `json:"resource,omitempty"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	Pending bool   `json:"pending,omitempty"`
	Code    int    `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8087/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client. TLS errors are logged and fall back to the
// default transport.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the supervisor API answers
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("supervisor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the supervisor snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	code, err := c.getJSON(ctx, c.baseURL+"/status", &st)
	if err != nil {
		return StatusResponse{}, err
	}
	if code != http.StatusOK {
		return StatusResponse{}, fmt.Errorf("status: unexpected HTTP %d", code)
	}
	return st, nil
}

// Ready asks for readiness, long-polling up to wait on the server side.
// A 503 is not an error: inspect Ready and Pending.
func (c *Client) Ready(ctx context.Context, wait time.Duration) (ReadyResponse, error) {
	u := c.baseURL + "/ready"
	if wait > 0 {
		u += "?" + url.Values{"wait": {wait.String()}}.Encode()
	}
	var r ReadyResponse
	code, err := c.getJSON(ctx, u, &r)
	if err != nil {
		return ReadyResponse{}, err
	}
	switch code {
	case http.StatusOK, http.StatusServiceUnavailable:
		return r, nil
	}
	return ReadyResponse{}, fmt.Errorf("ready: unexpected HTTP %d", code)
}

func (c *Client) getJSON(ctx context.Context, u string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return resp.StatusCode, fmt.Errorf("API error: %s", e.Error)
		}
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}
