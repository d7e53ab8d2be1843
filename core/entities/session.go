package entities

import "time"

// SessionToken authorizes one transport connection. SessionID may outlive the
// token itself: it is carried across refreshes and reconnects so the service
// keeps the conversational context alive.
type SessionToken struct {
	Token          string
	Type           string
	SessionID      string
	ExpirationTime time.Time
}

// Expired reports whether the token is absent or within skew of expiring.
func (t SessionToken) Expired(skew time.Duration) bool {
	if t.Token == "" {
		return true
	}

	return !time.Now().Add(skew).Before(t.ExpirationTime)
}
