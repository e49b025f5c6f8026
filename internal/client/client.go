// Package client is the single entry point for outbound gateway calls. Every
// request gets the current access token attached, authorization failures are
// resolved through one refresh-and-retry, and every failure reaching the
// caller has passed through the apierrors taxonomy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"studygate/internal/platform/metrics"
	"studygate/internal/session"
	"studygate/pkg/apierrors"
)

const maxResponseBytes = 4 << 20

// Doer is the opaque request executor. *http.Client satisfies it; tests
// substitute counting fakes.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// TokenSource supplies a usable access token, refreshing single-flight when
// the one the pipeline used has expired or been rejected.
type TokenSource interface {
	EnsureFresh(ctx context.Context, staleToken string) (session.Session, error)
}

// Client executes gateway calls with authorization-aware single-retry
// semantics. Safe for concurrent use.
type Client struct {
	baseURL string
	http    Doer
	store   *session.Store
	tokens  TokenSource
	skew    time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithExpirySkew refreshes pre-emptively when the token expires within the
// window, instead of waiting for the gateway's 401.
func WithExpirySkew(skew time.Duration) Option {
	return func(c *Client) { c.skew = skew }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New builds a gateway client.
func New(baseURL string, store *session.Store, tokens TokenSource, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		store:   store,
		tokens:  tokens,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Request describes one gateway call. Body is JSON-marshaled when non-nil.
// NoAuth skips token attachment for endpoints like login that must never
// participate in the refresh-retry path.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   any
	NoAuth bool
}

// Response is a settled successful call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return apierrors.Wrap(err, apierrors.KindUnknown, "failed to decode response body")
	}
	return nil
}

// Do executes the request. On an invalid-token failure it refreshes through
// the token source and re-dispatches exactly once; every other failure (or a
// second 401) is normalized and returned terminal.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := c.now()
	resp, err := c.execute(ctx, req)
	if c.metrics != nil {
		c.metrics.ObserveRequest(req.Method, c.now().Sub(start))
		if err != nil {
			c.metrics.IncrementErrors(string(apierrors.KindOf(err)))
		}
	}
	return resp, err
}

func (c *Client) execute(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, apierrors.Wrap(err, apierrors.KindUnknown, "failed to encode request body")
		}
	}

	token, err := c.currentToken(ctx, req)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	retried := false
	for {
		httpReq, err := c.build(ctx, req, body, token, requestID)
		if err != nil {
			return nil, err
		}

		httpResp, err := c.http.Do(httpReq)
		if err != nil {
			// Transport failures are terminal: retry is reserved for
			// recoverable authorization failures.
			return nil, apierrors.FromTransport(err)
		}

		respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		httpResp.Body.Close()
		if err != nil {
			return nil, apierrors.FromTransport(err)
		}

		if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
			return &Response{
				Status: httpResp.StatusCode,
				Header: httpResp.Header,
				Body:   respBody,
			}, nil
		}

		if httpResp.StatusCode == http.StatusUnauthorized && !req.NoAuth && token != "" && !retried {
			fresh, err := c.tokens.EnsureFresh(ctx, token)
			if err != nil {
				return nil, err
			}
			token = fresh.AccessToken
			retried = true
			if c.metrics != nil {
				c.metrics.IncrementRetries()
			}
			c.logger.Debug("retrying after token refresh",
				"method", req.Method,
				"path", req.Path,
				"request_id", requestID,
			)
			continue
		}

		return nil, apierrors.FromResponse(httpResp.StatusCode, respBody)
	}
}

// currentToken returns the access token to attach, refreshing first when the
// stored one is already past (or within skew of) its expiry.
func (c *Client) currentToken(ctx context.Context, req Request) (string, error) {
	if req.NoAuth {
		return "", nil
	}
	sess, ok := c.store.Read()
	if !ok {
		return "", nil
	}
	if sess.Expired(c.now(), c.skew) {
		fresh, err := c.tokens.EnsureFresh(ctx, sess.AccessToken)
		if err != nil {
			return "", err
		}
		return fresh.AccessToken, nil
	}
	return sess.AccessToken, nil
}

func (c *Client) build(ctx context.Context, req Request, body []byte, token, requestID string) (*http.Request, error) {
	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, apierrors.Wrap(err, apierrors.KindUnknown, "failed to build request")
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Request-ID", requestID)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

// Get issues a GET and decodes the JSON response into out when non-nil.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.call(ctx, http.MethodGet, path, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.call(ctx, http.MethodPost, path, in, out)
}

// Put issues a PUT with a JSON body and decodes the response into out.
func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.call(ctx, http.MethodPut, path, in, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.Do(ctx, Request{Method: method, Path: path, Body: in})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}
