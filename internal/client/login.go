package client

import (
	"context"
	"net/http"

	"studygate/internal/auth"
	"studygate/internal/session"
	"studygate/pkg/apierrors"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for a token pair and installs the resulting
// session in the store. The call bypasses token attachment and the refresh
// retry: there is no session to refresh yet.
func (c *Client) Login(ctx context.Context, email, password string) (session.Session, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   loginRequest{Email: email, Password: password},
		NoAuth: true,
	})
	if err != nil {
		return session.Session{}, err
	}

	var tok auth.TokenResponse
	if err := resp.Decode(&tok); err != nil {
		return session.Session{}, err
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return session.Session{}, apierrors.New(apierrors.KindUnknown, "login response missing token pair")
	}

	sess := tok.Session(session.Session{}, c.now())
	c.store.Replace(sess)
	c.logger.Info("logged in", "user_id", sess.UserID, "role", sess.Role)
	return sess, nil
}

// Logout revokes the session server-side on a best-effort basis and always
// clears the local record. The local session is gone even when the revoke
// call fails; the refresh token will then age out on the gateway.
func (c *Client) Logout(ctx context.Context) {
	if _, ok := c.store.Read(); !ok {
		return
	}
	if _, err := c.Do(ctx, Request{Method: http.MethodPost, Path: "/auth/logout"}); err != nil {
		c.logger.Warn("server-side logout failed, clearing local session anyway", "error", err)
	}
	c.store.Clear()
}
