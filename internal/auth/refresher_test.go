package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"studygate/internal/session"
	"studygate/pkg/apierrors"
)

type RefresherSuite struct {
	suite.Suite
}

func TestRefresherSuite(t *testing.T) {
	suite.Run(t, new(RefresherSuite))
}

func (s *RefresherSuite) liveSession() session.Session {
	return session.Session{
		AccessToken:  "at-live",
		RefreshToken: "rt-live",
		ExpiresAt:    time.Now().Add(time.Hour),
		UserID:       "user-1",
		Role:         session.RoleStudent,
	}
}

func (s *RefresherSuite) expiredSession() session.Session {
	sess := s.liveSession()
	sess.AccessToken = "at-stale"
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	return sess
}

// refreshStub runs an httptest server whose /auth/refresh handler is supplied
// by the test, counting calls.
type refreshStub struct {
	srv   *httptest.Server
	calls atomic.Int64
}

func (s *RefresherSuite) newStub(handler http.HandlerFunc) *refreshStub {
	stub := &refreshStub{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal(http.MethodPost, r.Method)
		s.Equal(Endpoint, r.URL.Path)
		stub.calls.Add(1)
		handler(w, r)
	}))
	s.T().Cleanup(stub.srv.Close)
	return stub
}

func tokenPairHandler(delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "at-fresh",
			RefreshToken: "rt-fresh",
			ExpiresIn:    900,
		})
	}
}

func rejectHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "invalid_grant",
		"error_description": "refresh token revoked",
	})
}

func (s *RefresherSuite) newRefresher(url string, store *session.Store) *Refresher {
	r, err := New(url, store)
	s.Require().NoError(err)
	return r
}

func (s *RefresherSuite) TestShortCircuits() {
	s.Run("valid token returns without network io", func() {
		stub := s.newStub(tokenPairHandler(0))
		store := session.NewStore()
		store.Replace(s.liveSession())
		r := s.newRefresher(stub.srv.URL, store)

		got, err := r.EnsureFresh(context.Background(), "")
		s.Require().NoError(err)
		s.Equal("at-live", got.AccessToken)
		s.Zero(stub.calls.Load())
	})

	s.Run("token already replaced by another caller returns current", func() {
		stub := s.newStub(tokenPairHandler(0))
		store := session.NewStore()
		store.Replace(s.liveSession())
		r := s.newRefresher(stub.srv.URL, store)

		// Caller saw a 401 on a token that has since been rotated out.
		got, err := r.EnsureFresh(context.Background(), "at-older-generation")
		s.Require().NoError(err)
		s.Equal("at-live", got.AccessToken)
		s.Zero(stub.calls.Load())
	})

	s.Run("absent session fails as authentication without network io", func() {
		stub := s.newStub(tokenPairHandler(0))
		r := s.newRefresher(stub.srv.URL, session.NewStore())

		_, err := r.EnsureFresh(context.Background(), "")
		s.True(apierrors.IsKind(err, apierrors.KindAuthentication))
		s.Zero(stub.calls.Load())
	})
}

func (s *RefresherSuite) TestRefreshSuccess() {
	s.Run("expired token is refreshed and stored", func() {
		stub := s.newStub(tokenPairHandler(0))
		store := session.NewStore()
		store.Replace(s.expiredSession())
		r := s.newRefresher(stub.srv.URL, store)

		got, err := r.EnsureFresh(context.Background(), "")
		s.Require().NoError(err)
		s.Equal("at-fresh", got.AccessToken)
		s.Equal("rt-fresh", got.RefreshToken)
		s.Equal(int64(1), stub.calls.Load())

		// Identity fields carry over when the refresh response omits them.
		s.Equal("user-1", got.UserID)
		s.Equal(session.RoleStudent, got.Role)

		stored, ok := store.Read()
		s.Require().True(ok)
		s.Equal(got, stored)
	})

	s.Run("rejected access token forces refresh even before local expiry", func() {
		stub := s.newStub(tokenPairHandler(0))
		store := session.NewStore()
		store.Replace(s.liveSession())
		r := s.newRefresher(stub.srv.URL, store)

		got, err := r.EnsureFresh(context.Background(), "at-live")
		s.Require().NoError(err)
		s.Equal("at-fresh", got.AccessToken)
		s.Equal(int64(1), stub.calls.Load())
	})
}

func (s *RefresherSuite) TestSingleFlight() {
	const callers = 8

	stub := s.newStub(tokenPairHandler(100 * time.Millisecond))
	store := session.NewStore()
	store.Replace(s.expiredSession())
	r := s.newRefresher(stub.srv.URL, store)

	var g errgroup.Group
	results := make([]session.Session, callers)
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			got, err := r.EnsureFresh(context.Background(), "at-stale")
			results[i] = got
			return err
		})
	}
	s.Require().NoError(g.Wait())

	s.Equal(int64(1), stub.calls.Load(), "N concurrent callers must issue exactly one refresh")
	for _, got := range results {
		s.Equal("at-fresh", got.AccessToken)
	}
}

func (s *RefresherSuite) TestFatalRefresh() {
	s.Run("rejected refresh clears session and fires invalidation once", func() {
		stub := s.newStub(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(50 * time.Millisecond)
			rejectHandler(w, r)
		}))
		store := session.NewStore()
		store.Replace(s.expiredSession())
		r := s.newRefresher(stub.srv.URL, store)

		var invalidations atomic.Int64
		r.OnSessionInvalidated(func() { invalidations.Add(1) })

		var g errgroup.Group
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			i := i
			g.Go(func() error {
				_, errs[i] = r.EnsureFresh(context.Background(), "at-stale")
				return nil
			})
		}
		s.Require().NoError(g.Wait())

		for _, err := range errs {
			s.True(apierrors.IsKind(err, apierrors.KindAuthentication))
		}
		s.Equal(int64(1), stub.calls.Load())
		s.Equal(int64(1), invalidations.Load())

		_, ok := store.Read()
		s.False(ok, "fatal refresh must clear the session")
	})

	s.Run("malformed success response is fatal", func() {
		stub := s.newStub(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"unexpected":"shape"}`))
		})
		store := session.NewStore()
		store.Replace(s.expiredSession())
		r := s.newRefresher(stub.srv.URL, store)

		_, err := r.EnsureFresh(context.Background(), "")
		s.True(apierrors.IsKind(err, apierrors.KindAuthentication))
		_, ok := store.Read()
		s.False(ok)
	})
}

func (s *RefresherSuite) TestTransportFailure() {
	store := session.NewStore()
	store.Replace(s.expiredSession())
	// Port reserved then closed, so dialing is refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	r := s.newRefresher(url, store)

	_, err := r.EnsureFresh(context.Background(), "")
	s.True(apierrors.IsKind(err, apierrors.KindNetwork))

	_, ok := store.Read()
	s.True(ok, "transport failure must not clear the session")
}

func (s *RefresherSuite) TestQueuedWaiterCancellation() {
	stub := s.newStub(tokenPairHandler(200 * time.Millisecond))
	store := session.NewStore()
	store.Replace(s.expiredSession())
	r := s.newRefresher(stub.srv.URL, store)

	var wg sync.WaitGroup
	wg.Add(1)
	var firstSess session.Session
	var firstErr error
	go func() {
		defer wg.Done()
		firstSess, firstErr = r.EnsureFresh(context.Background(), "at-stale")
	}()

	// Let the first caller start the refresh, then join with a context that
	// gives up long before the refresh settles.
	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.EnsureFresh(ctx, "at-stale")
	s.True(apierrors.IsKind(err, apierrors.KindTimeout))

	wg.Wait()
	s.Require().NoError(firstErr, "cancelling a queued waiter must not affect others")
	s.Equal("at-fresh", firstSess.AccessToken)
	s.Equal(int64(1), stub.calls.Load(), "the refresh itself must run to completion")
}
