package oidc

import (
	"fmt"
	"time"
)

// AuthVerification represents one OIDC authentication flow for a user.  It
// holds the data needed to uniquely identify that one-time flow across the
// multiple interactions required to complete it: the state token carried
// through the authorization redirect, the nonce bound into the id_token, and
// the PKCE code verifier when PKCE is in play.  The State and Nonce cannot be
// equal; both are used to prevent CSRF and replay attacks (see the oidc spec
// for specifics).
//
// An AuthVerification is created by the login handler, persisted in a
// short-lived signed cookie, consumed exactly once by the callback handler
// and then deleted.  A new login overwrites any prior verification.
type AuthVerification struct {
	// State is the opaque value used to maintain state between the
	// authorization request and the callback.  See EncodeState.
	State string `json:"state"`

	// Nonce is a unique value used to associate the client session with the
	// id_token and to mitigate replay attacks.  Nonce cannot equal State.
	Nonce string `json:"nonce"`

	// CodeVerifier is the PKCE verifier, present only when the flow uses
	// PKCE.
	CodeVerifier string `json:"code_verifier,omitempty"`

	// MaxAge is the requested max_age authorization parameter, when one was
	// sent.
	MaxAge int64 `json:"max_age,omitempty"`

	// Expiry is when this verification stops being acceptable on the
	// callback.
	Expiry time.Time `json:"exp"`
}

// NewAuthVerification creates an AuthVerification for the given state token.
// A fresh nonce is always generated.  Supported options: WithPKCE, WithMaxAge
func NewAuthVerification(state string, expireIn time.Duration, opt ...Option) (*AuthVerification, error) {
	const op = "oidc.NewAuthVerification"
	if state == "" {
		return nil, fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	if expireIn <= 0 {
		return nil, fmt.Errorf("%s: expireIn not greater than zero: %w", op, ErrInvalidParameter)
	}
	opts := getVerificationOpts(opt...)
	nonce, err := NewID(WithPrefix("n"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a verification nonce: %w", op, err)
	}
	v := &AuthVerification{
		State:  state,
		Nonce:  nonce,
		MaxAge: opts.withMaxAge,
		Expiry: time.Now().Add(expireIn),
	}
	if opts.withPKCE {
		cv, err := NewCodeVerifier()
		if err != nil {
			return nil, fmt.Errorf("%s: unable to generate a code verifier: %w", op, err)
		}
		v.CodeVerifier = cv.Verifier()
	}
	return v, nil
}

// DefaultVerificationExpirySkew defines a default time skew when checking an
// AuthVerification's expiration.
const DefaultVerificationExpirySkew = 1 * time.Second

// IsExpired returns true if the verification has expired.  Supports the
// WithExpirySkew option and if none is provided it will use the
// DefaultVerificationExpirySkew.
func (v *AuthVerification) IsExpired(opt ...Option) bool {
	opts := getVerificationOpts(opt...)
	return v.Expiry.Before(time.Now().Add(opts.withExpirySkew))
}

// verificationOptions is the set of available options for AuthVerification
// functions
type verificationOptions struct {
	withExpirySkew time.Duration
	withPKCE       bool
	withMaxAge     int64
}

// verificationDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func verificationDefaults() verificationOptions {
	return verificationOptions{
		withExpirySkew: DefaultVerificationExpirySkew,
	}
}

// getVerificationOpts gets the defaults and applies the opt overrides passed
// in
func getVerificationOpts(opt ...Option) verificationOptions {
	opts := verificationDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPKCE requests that a new AuthVerification carry a PKCE code verifier.
func WithPKCE() Option {
	return func(o interface{}) {
		if o, ok := o.(*verificationOptions); ok {
			o.withPKCE = true
		}
	}
}

// WithMaxAge provides an optional max_age for a new AuthVerification.
func WithMaxAge(seconds int64) Option {
	return func(o interface{}) {
		if o, ok := o.(*verificationOptions); ok {
			o.withMaxAge = seconds
		}
	}
}
