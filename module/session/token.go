package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenUsable reports whether a stored resume token is worth presenting to
// the backend. The token is parsed unverified: the widget only checks shape
// and expiry, signature verification is the backend's job. An unparsable
// token is treated as unusable so the coordinator falls back to a fresh join
// instead of burning its one resume attempt.
func TokenUsable(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return false
	}
	if exp == nil {
		// No expiry claim: usable until the backend says otherwise.
		return true
	}
	return now.Before(exp.Time)
}
