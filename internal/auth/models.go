package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"studygate/internal/session"
)

// TokenResponse is the wire shape of the gateway's login and refresh
// responses. Role and UserID are present on login; refresh responses may omit
// them, in which case the previous session's values carry over.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id,omitempty"`
	Role         string `json:"role,omitempty"`
}

// Session converts the token pair into a session record. Expiry comes from
// expires_in when present, falling back to the access token's exp claim.
func (t TokenResponse) Session(prev session.Session, now time.Time) session.Session {
	expires := time.Time{}
	if t.ExpiresIn > 0 {
		expires = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	} else {
		expires = expiryFromToken(t.AccessToken)
	}

	userID := t.UserID
	if userID == "" {
		userID = prev.UserID
	}
	role := session.Role(t.Role)
	if !role.Valid() {
		role = prev.Role
	}

	return session.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    expires,
		UserID:       userID,
		Role:         role,
	}
}

// expiryFromToken pulls the exp claim without verifying the signature; the
// client only needs the timestamp, the gateway remains the authority.
func expiryFromToken(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
