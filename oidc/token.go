package oidc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// IDToken is an oidc id_token.  It holds the raw compact serialization, but
// redacts itself when printed or marshaled so tokens never leak into logs.
type IDToken string

// RedactedIDToken is the redacted string or json for an oidc id_token
const RedactedIDToken = "[REDACTED: id_token]"

// String will redact the token
func (t IDToken) String() string {
	return RedactedIDToken
}

// MarshalJSON will redact the token
func (t IDToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIDToken)
}

// claimsSignatureAlgs is every signature alg we will parse claims out of.
// Parsing here does not verify the signature; verification happens against
// the provider's JWKS in Provider.VerifyIDToken.
var claimsSignatureAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// Claims retrieves the IDToken claims without verifying the token's
// signature.  Callers must only use claims from tokens that have already been
// verified.
func (t IDToken) Claims(claims interface{}) error {
	const op = "oidc.(IDToken).Claims"
	if len(t) == 0 {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	parsed, err := jwt.ParseSigned(string(t), claimsSignatureAlgs)
	if err != nil {
		return fmt.Errorf("%s: unable to parse id_token: %w", op, err)
	}
	if err := parsed.UnsafeClaimsWithoutVerification(claims); err != nil {
		return fmt.Errorf("%s: unable to unmarshal id_token claims: %w", op, err)
	}
	return nil
}

// DefaultTokenExpirySkew defines a default time skew when checking a Token's
// expiration.
const DefaultTokenExpirySkew = 10 * time.Second

// Token represents the response from the provider's token endpoint: the
// id_token plus any access/refresh tokens that came with it.
type Token struct {
	idToken      IDToken
	accessToken  string
	refreshToken string
	tokenType    string
	expiry       time.Time
}

// NewToken creates a Token.  An id_token is required; the remaining fields
// are optional depending on the provider and flow.
func NewToken(idToken IDToken, opt ...Option) (*Token, error) {
	const op = "oidc.NewToken"
	if idToken == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	opts := getTokenOpts(opt...)
	return &Token{
		idToken:      idToken,
		accessToken:  opts.withAccessToken,
		refreshToken: opts.withRefreshToken,
		tokenType:    opts.withTokenType,
		expiry:       opts.withExpiry,
	}, nil
}

func (t *Token) IDToken() IDToken     { return t.idToken }
func (t *Token) AccessToken() string  { return t.accessToken }
func (t *Token) RefreshToken() string { return t.refreshToken }
func (t *Token) TokenType() string    { return t.tokenType }
func (t *Token) Expiry() time.Time    { return t.expiry }

// IsExpired returns true when the access token has expired.  A zero expiry
// means the provider did not bound the token's lifetime and it never reads as
// expired.  Supports WithExpirySkew; DefaultTokenExpirySkew is used when the
// option is absent.
func (t *Token) IsExpired(opt ...Option) bool {
	if t.expiry.IsZero() {
		return false
	}
	opts := getTokenOpts(opt...)
	return t.expiry.Round(0).Before(time.Now().Add(opts.withExpirySkew))
}

// Valid will ensure that the token is not nil or expired.
func (t *Token) Valid() bool {
	if t == nil || t.idToken == "" {
		return false
	}
	return !t.IsExpired()
}

// tokenOptions is the set of available options for Token functions
type tokenOptions struct {
	withExpirySkew   time.Duration
	withAccessToken  string
	withRefreshToken string
	withTokenType    string
	withExpiry       time.Time
}

// tokenDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func tokenDefaults() tokenOptions {
	return tokenOptions{
		withExpirySkew: DefaultTokenExpirySkew,
	}
}

// getTokenOpts gets the defaults and applies the opt overrides passed in
func getTokenOpts(opt ...Option) tokenOptions {
	opts := tokenDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithAccessToken provides an optional access token for a new Token.
func WithAccessToken(accessToken string) Option {
	return func(o interface{}) {
		if o, ok := o.(*tokenOptions); ok {
			o.withAccessToken = accessToken
		}
	}
}

// WithRefreshToken provides an optional refresh token for a new Token.
func WithRefreshToken(refreshToken string) Option {
	return func(o interface{}) {
		if o, ok := o.(*tokenOptions); ok {
			o.withRefreshToken = refreshToken
		}
	}
}

// WithTokenType provides an optional token type for a new Token.
func WithTokenType(tokenType string) Option {
	return func(o interface{}) {
		if o, ok := o.(*tokenOptions); ok {
			o.withTokenType = tokenType
		}
	}
}

// WithExpiry provides an optional access token expiry for a new Token.
func WithExpiry(expiry time.Time) Option {
	return func(o interface{}) {
		if o, ok := o.(*tokenOptions); ok {
			o.withExpiry = expiry
		}
	}
}
