// Package apiclient is a typed client for the hospital scheduling REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joescharf/rota/internal/logging"
)

// DefaultBaseURL is the API base used when none is configured.
const DefaultBaseURL = "http://localhost:9090/api"

var (
	// ErrNotAuthenticated is returned, before any request is made, by calls
	// that need a credential when none is held.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrUnauthorized matches an *Error carrying a 401 status.
	ErrUnauthorized = errors.New("unauthorized")
)

// Error is a non-2xx API response.
type Error struct {
	Status   int
	Message  string
	Endpoint string
}

func (e *Error) Error() string {
	if e.Endpoint == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource sets where the bearer credential comes from.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// WithUnauthorized sets the hook run when an authenticated call gets a 401.
func WithUnauthorized(fn func()) Option {
	return func(c *Client) { c.onUnauthorized = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// Client calls the hospital API.
type Client struct {
	baseURL        string
	http           *http.Client
	token          func() string
	onUnauthorized func()
	logger         *zap.Logger

	mu      sync.Mutex
	revoked string
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   func() string { return "" },
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API base.
func (c *Client) BaseURL() string { return c.baseURL }

type call struct {
	method string
	path   string
	query  url.Values
	body   any
	out    any
	auth   bool
}

// credential returns the token to send. A token that already drew a 401 is
// never sent again.
func (c *Client) credential() string {
	tok := c.token()
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok != "" && tok == c.revoked {
		return ""
	}
	return tok
}

func (c *Client) do(ctx context.Context, cl call) error {
	endpoint := cl.method + " " + cl.path

	tok := c.credential()
	if cl.auth && tok == "" {
		return fmt.Errorf("%s: %w", endpoint, ErrNotAuthenticated)
	}

	u := c.baseURL + cl.path
	if len(cl.query) > 0 {
		u += "?" + cl.query.Encode()
	}

	var body io.Reader
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api call",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", reqID),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode == http.StatusUnauthorized && tok != "" {
		// Concurrent calls with the same token end the session once.
		c.mu.Lock()
		first := c.revoked != tok
		c.revoked = tok
		c.mu.Unlock()
		if first {
			c.logger.Warn("credential rejected, ending session", zap.String("endpoint", endpoint))
			if c.onUnauthorized != nil {
				c.onUnauthorized()
			}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Status: resp.StatusCode, Message: errorMessage(resp), Endpoint: endpoint}
	}

	if cl.out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(cl.out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}

// errorMessage reads message, then error, from a JSON error body.
func errorMessage(resp *http.Response) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	switch {
	case body.Message != "":
		return body.Message
	case body.Error != "":
		return body.Error
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}
