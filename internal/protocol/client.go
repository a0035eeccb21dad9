// Package protocol speaks the screen queue wire protocol: authenticated JSON
// POSTs carrying platform and version query parameters, an optional Visitor
// header, and a {visitor, screen} response envelope.
package protocol

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
	"time"

	"github.com/zjrosen/screenqueue/internal/log"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config holds the connection settings shared by every call.
type Config struct {
	BaseURL  string
	Platform string
	Version  string
	Timeout  time.Duration
}

// Client issues protocol calls. It is safe for concurrent use.
type Client struct {
	cfg        Config
	base       *url.URL
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTransport swaps the RoundTripper of the client's HTTP client, e.g. for
// the tracing transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			clone := *c.httpClient
			clone.Transport = rt
			c.httpClient = &clone
		}
	}
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		return nil, errors.New("protocol: base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("protocol: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("protocol: base url must be http or https, got %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		cfg:        cfg,
		base:       base,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Platform returns the platform sent with every call.
func (c *Client) Platform() string { return c.cfg.Platform }

// PeekedScreen is a server-declared screen reference. Parameters are opaque
// until a registered screen maps them.
type PeekedScreen struct {
	Slug       string          `json:"slug"`
	Parameters json.RawMessage `json:"parameters"`
}

// ScreenPayload is the screen section of an envelope.
type ScreenPayload struct {
	Active    PeekedScreen   `json:"active"`
	ActiveJWT string         `json:"active_jwt"`
	Prefetch  []PeekedScreen `json:"prefetch"`
}

// Envelope is the response of peek, pop and the specialized first calls.
type Envelope struct {
	Visitor string        `json:"visitor"`
	Screen  ScreenPayload `json:"screen"`
}

// Request describes one POST.
type Request struct {
	Path string
	// Body is JSON encoded when non-nil.
	Body any
	// Auth is sent as "Authorization: bearer <Auth>" when non-empty.
	Auth string
	// Visitor is sent as the Visitor header when non-empty.
	Visitor string
}

// Call posts req and decodes the envelope.
func (c *Client) Call(ctx context.Context, req Request) (*Envelope, error) {
	var env Envelope
	if err := c.Do(ctx, req, &env); err != nil {
		return nil, err
	}
	if env.Screen.Active.Slug == "" || env.Screen.ActiveJWT == "" {
		return nil, &TransportError{Op: req.Path, Err: errors.New("malformed envelope: missing active screen")}
	}
	if env.Screen.Prefetch == nil {
		env.Screen.Prefetch = []PeekedScreen{}
	}
	return &env, nil
}

// Send posts req and discards the response body.
func (c *Client) Send(ctx context.Context, req Request) error {
	return c.Do(ctx, req, nil)
}

// Do posts req and decodes a 2xx body into out when out is non-nil.
// Cancellation surfaces as the context error; other failures are
// *TransportError or *StatusError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	endpoint := c.endpoint(req.Path)

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("protocol: encode body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("protocol: new request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Auth != "" {
		httpReq.Header.Set("Authorization", "bearer "+req.Auth)
	}
	if req.Visitor != "" {
		httpReq.Header.Set("Visitor", req.Visitor)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Debug(log.CatProto, "Request failed", "path", req.Path, "error", err)
		return &TransportError{Op: req.Path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Op: req.Path, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := newStatusError(resp, raw)
		log.Debug(log.CatProto, "Non-2xx response", "path", req.Path, "status", resp.StatusCode,
			"retry_after", statusErr.RetryAfter)
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Op: req.Path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	u := c.base.JoinPath(path)
	q := u.Query()
	q.Set("platform", c.cfg.Platform)
	q.Set("version", c.cfg.Version)
	u.RawQuery = q.Encode()
	return u.String()
}

// LinkInfo is what a touch link code points to, resolvable without login.
type LinkInfo struct {
	PageIdentifier string          `json:"page_identifier"`
	PageExtra      json.RawMessage `json:"page_extra"`
	ClickUID       string          `json:"click_uid"`
}

// NotificationInfo follows a touch link code through the logged-out side
// channel at path.
func (c *Client) NotificationInfo(ctx context.Context, path, code, visitor string) (*LinkInfo, error) {
	var info LinkInfo
	err := c.Do(ctx, Request{
		Path:    path,
		Body:    map[string]string{"code": code},
		Visitor: visitor,
	}, &info)
	if err != nil {
		return nil, err
	}
	if info.PageIdentifier == "" {
		return nil, &TransportError{Op: path, Err: errors.New("malformed link info: missing page_identifier")}
	}
	return &info, nil
}
