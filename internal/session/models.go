package session

import "time"

// Role is the access level carried by a session. It is fixed at login and
// only changes through re-authentication.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleSupport   Role = "support"
	RoleStudent   Role = "student"
)

// Roles lists every role the gateway can assign. Used to validate that
// permission tables are total.
func Roles() []Role {
	return []Role{RoleAdmin, RoleModerator, RoleSupport, RoleStudent}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleSupport, RoleStudent:
		return true
	}
	return false
}

// Session is the single authentication record for the current user. Consumers
// always work with value snapshots; the store owns the live copy.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
}

// Expired reports whether the access token is past (or within skew of) its
// expiry at the given instant.
func (s Session) Expired(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}
