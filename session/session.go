// Package session persists an authenticated user's session entirely in
// signed (and optionally encrypted) browser cookies, with no server-side
// storage.  The Codec packs a Session into one or more chunked cookies and
// reassembles/validates them on each request; the Signer seals small
// transient values such as the login verification record.
package session

import "time"

// Profile is the user's OIDC claim set: the standard claims (sub, email,
// name, ...) plus any custom claims the provider returned.  It is an open
// map; nothing beyond what the application reads is required.
type Profile map[string]interface{}

// claimString returns the named claim when it is a string, otherwise "".
func (p Profile) claimString(name string) string {
	if v, ok := p[name].(string); ok {
		return v
	}
	return ""
}

// Sub returns the subject claim.
func (p Profile) Sub() string { return p.claimString("sub") }

// Email returns the email claim.
func (p Profile) Email() string { return p.claimString("email") }

// Name returns the name claim.
func (p Profile) Name() string { return p.claimString("name") }

// Session is the server-owned session record, keyed exclusively by the
// signed session cookie the client presents.  It is created on a successful
// callback, optionally re-packed on authenticated requests (rolling
// sessions), and destroyed on logout.
type Session struct {
	// User holds the decoded id_token claims.
	User Profile `json:"user"`

	// IDToken enables federated and eartho logout when present.
	IDToken string `json:"id_token,omitempty"`

	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`

	// ExpiresAt is the access token expiry as a unix timestamp, when the
	// provider bounded it.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// CreatedAt is when the session was established, as a unix timestamp.
	// The absolute session duration is measured from here.
	CreatedAt int64 `json:"created_at"`
}

// CreatedTime returns CreatedAt as a time.Time.
func (s *Session) CreatedTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}
