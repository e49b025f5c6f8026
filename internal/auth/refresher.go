// Package auth owns the token lifecycle: the refresh handshake with the
// gateway and the single-flight coordination that keeps concurrent callers
// from issuing duplicate refreshes.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"studygate/internal/platform/metrics"
	"studygate/internal/session"
	"studygate/pkg/apierrors"
)

// Endpoint is the gateway path for the refresh handshake, relative to the
// base URL. The call is issued through a dedicated HTTP client, never through
// the request pipeline, so it can never re-enter the retry-on-401 path.
const Endpoint = "/auth/refresh"

const maxResponseBytes = 1 << 20

// Refresher guarantees at most one in-flight refresh regardless of how many
// callers observe an expired or rejected access token at once. Callers that
// arrive while a refresh is running are queued and settled in arrival order.
type Refresher struct {
	store    *session.Store
	endpoint string
	http     *http.Client
	skew     time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	inflight    bool
	waiters     []*waiter
	invalidated []func()
}

// waiter is one caller blocked on the in-flight refresh. The channel is
// buffered so settlement never blocks on a caller that gave up.
type waiter struct {
	ch chan outcome
}

type outcome struct {
	sess session.Session
	err  error
}

type Option func(*Refresher)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Refresher) { r.metrics = m }
}

// WithHTTPClient swaps the dedicated refresh transport. The client's timeout
// bounds the handshake since a started refresh ignores caller contexts.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Refresher) { r.http = c }
}

// WithExpirySkew treats tokens expiring within the window as already expired.
func WithExpirySkew(skew time.Duration) Option {
	return func(r *Refresher) { r.skew = skew }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) { r.now = now }
}

// New builds a refresher for the gateway at baseURL.
func New(baseURL string, store *session.Store, opts ...Option) (*Refresher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	r := &Refresher{
		store:    store,
		endpoint: baseURL + Endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// OnSessionInvalidated registers fn to run once whenever a refresh is fatally
// rejected and the session is cleared. UI code uses this to redirect to login.
func (r *Refresher) OnSessionInvalidated(fn func()) {
	r.mu.Lock()
	r.invalidated = append(r.invalidated, fn)
	r.mu.Unlock()
}

// EnsureFresh returns a session whose access token is usable, refreshing it
// if needed. staleToken is the access token the caller just saw rejected (or
// found expired); pass the empty string when no specific token was observed.
//
// If the stored token already differs from staleToken and is not expired,
// another caller's refresh (or a login) has already replaced it and the
// current session is returned without network I/O. If a refresh is in flight
// the caller joins its waiter queue; waiters are settled in FIFO arrival
// order. Cancelling a queued caller's context removes only that caller; the
// refresh itself always runs to completion.
func (r *Refresher) EnsureFresh(ctx context.Context, staleToken string) (session.Session, error) {
	r.mu.Lock()
	if r.inflight {
		w := r.enqueueLocked()
		r.mu.Unlock()
		return r.wait(ctx, w)
	}

	cur, ok := r.store.Read()
	if !ok {
		r.mu.Unlock()
		return session.Session{}, apierrors.New(apierrors.KindAuthentication, "no active session")
	}
	if cur.AccessToken != staleToken && !cur.Expired(r.now(), r.skew) {
		r.mu.Unlock()
		return cur, nil
	}
	if cur.RefreshToken == "" {
		r.mu.Unlock()
		r.store.Clear()
		return session.Session{}, apierrors.New(apierrors.KindAuthentication, "session has no refresh token")
	}

	r.inflight = true
	w := r.enqueueLocked()
	refreshToken := cur.RefreshToken
	r.mu.Unlock()

	go r.refresh(refreshToken)
	return r.wait(ctx, w)
}

func (r *Refresher) enqueueLocked() *waiter {
	w := &waiter{ch: make(chan outcome, 1)}
	r.waiters = append(r.waiters, w)
	return w
}

func (r *Refresher) wait(ctx context.Context, w *waiter) (session.Session, error) {
	select {
	case out := <-w.ch:
		return out.sess, out.err
	case <-ctx.Done():
		r.removeWaiter(w)
		return session.Session{}, apierrors.FromTransport(ctx.Err())
	}
}

func (r *Refresher) removeWaiter(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cand := range r.waiters {
		if cand == w {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

// refresh performs the handshake and settles every queued waiter. It runs
// detached from caller contexts: once started it completes, keeping the
// single-flight latch consistent.
func (r *Refresher) refresh(refreshToken string) {
	ctx := context.Background()

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		r.settle(outcome{err: apierrors.Wrap(err, apierrors.KindUnknown, "failed to encode refresh request")})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		r.settle(outcome{err: apierrors.Wrap(err, apierrors.KindUnknown, "failed to build refresh request")})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		// Transport failure: the session may still be valid, so it is kept.
		r.observeRefresh("transport")
		r.settle(outcome{err: apierrors.FromTransport(err)})
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		r.observeRefresh("transport")
		r.settle(outcome{err: apierrors.FromTransport(err)})
		return
	}

	if resp.StatusCode != http.StatusOK {
		r.fatal(resp.StatusCode, respBody)
		return
	}

	var tok TokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil || tok.AccessToken == "" || tok.RefreshToken == "" {
		// Unexpected response shape is fatal per the wire contract.
		r.fatal(resp.StatusCode, respBody)
		return
	}

	prev, _ := r.store.Read()
	next := tok.Session(prev, r.now())
	r.store.Replace(next)
	r.observeRefresh("success")
	r.logger.Debug("access token refreshed", "user_id", next.UserID, "expires_at", next.ExpiresAt)
	r.settle(outcome{sess: next})
}

// fatal handles a refresh the gateway rejected: the refresh token is spent or
// revoked, so the session is cleared and every waiter fails with an
// authentication error. The invalidation event fires exactly once.
func (r *Refresher) fatal(status int, body []byte) {
	r.store.Clear()
	r.observeRefresh("rejected")
	r.logger.Warn("refresh token rejected, session cleared", "status", status)

	err := apierrors.FromResponse(status, body)
	err.Kind = apierrors.KindAuthentication
	if status == http.StatusOK {
		err.Message = "refresh response was malformed"
	}

	r.mu.Lock()
	callbacks := append([]func(){}, r.invalidated...)
	r.mu.Unlock()

	r.settle(outcome{err: err})
	for _, fn := range callbacks {
		fn()
	}
}

// settle resolves all queued waiters in arrival order and releases the latch.
func (r *Refresher) settle(out outcome) {
	r.mu.Lock()
	ws := r.waiters
	r.waiters = nil
	r.inflight = false
	r.mu.Unlock()

	for _, w := range ws {
		w.ch <- out
	}
}

func (r *Refresher) observeRefresh(result string) {
	if r.metrics != nil {
		r.metrics.IncrementRefresh(result)
	}
}
