// Package transport is the HTTP boundary of the dashboard API: it attaches
// the bearer credential, rate limits outgoing requests and maps failures to
// a small error taxonomy built on go-errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the per request correlation id.
const RequestIDHeader = "X-Request-ID"

// CredentialSource supplies the bearer token attached to every request.
// An empty token sends the request unauthenticated.
type CredentialSource interface {
	Token() string
}

// StaticToken is a fixed CredentialSource.
type StaticToken string

// Token implements CredentialSource.
func (t StaticToken) Token() string { return string(t) }

// Client performs JSON requests against the API.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu           sync.RWMutex
	creds        CredentialSource
	unauthorized map[uint64]func(error)
	nextHook     uint64
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, &ConfigError{Field: "BaseURL", Message: err.Error()}
	}

	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		hc = &copied
	}
	hc.Timeout = cfg.Timeout

	c := &Client{
		cfg:          cfg,
		base:         base,
		http:         hc,
		logger:       cfg.Logger.Named("transport"),
		unauthorized: make(map[uint64]func(error)),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return c, nil
}

// SetCredentials replaces the credential source.
func (c *Client) SetCredentials(src CredentialSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = src
}

// OnUnauthorized registers fn to run whenever the server answers 401. It
// is the hook for session teardown. The returned function removes fn.
func (c *Client) OnUnauthorized(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHook
	c.nextHook++
	c.unauthorized[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.unauthorized, id)
	}
}

// Get decodes the JSON response of GET path?query into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, query, nil, out)
}

// Post sends body as JSON and decodes the response into out. body and out
// may be nil.
func (c *Client) Post(ctx context.Context, path string, query url.Values, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, query, body, out)
}

// Put sends body as JSON and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, nil, body, out)
}

// PostForm sends form url-encoded, as the login endpoint expects.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if body == nil {
		return c.do(ctx, method, path, query, nil, "", out)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode request body")
	}
	return c.do(ctx, method, path, query, bytes.NewReader(raw), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return classifyTransport(err)
		}
	}

	requestID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path, query), body)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryBadInput, "build request").WithRequestID(requestID)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err))
		return classifyTransport(err).WithRequestID(requestID)
	}
	defer resp.Body.Close()

	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
		zap.String("request_id", requestID))

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxErrorBody))
		apiErr := classifyStatus(resp.StatusCode, raw).WithRequestID(requestID)
		if resp.StatusCode == http.StatusUnauthorized {
			c.fireUnauthorized(apiErr)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classifyDecode(err).WithRequestID(requestID)
	}
	return nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return ""
	}
	return c.creds.Token()
}

func (c *Client) fireUnauthorized(err error) {
	c.mu.RLock()
	hooks := make([]func(error), 0, len(c.unauthorized))
	for _, fn := range c.unauthorized {
		hooks = append(hooks, fn)
	}
	c.mu.RUnlock()

	for _, fn := range hooks {
		fn(err)
	}
}
