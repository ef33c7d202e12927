package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// ChallengeMethod represents PKCE code challenge methods as defined by RFC
// 7636.
type ChallengeMethod string

const (
	// S256 is the "SHA256" challenge method, and the only method supported.
	// The "plain" method is intentionally unsupported.
	S256 ChallengeMethod = "S256"
)

// verifierLen is the length of generated verifiers.  Encoding 32 random bytes
// with RawURLEncoding yields 43 characters, the RFC 7636 minimum.
const verifierLen = 43

// CodeVerifier represents an OAuth PKCE code verifier and its derived
// challenge.  See RFC 7636.
type CodeVerifier struct {
	verifier  string
	method    ChallengeMethod
	challenge string
}

// NewCodeVerifier creates a new CodeVerifier with a cryptographically random
// verifier and an S256 challenge.
func NewCodeVerifier() (*CodeVerifier, error) {
	const op = "oidc.NewCodeVerifier"
	data, err := uuid.GenerateRandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create verifier data: %w", op, err)
	}
	v := &CodeVerifier{
		verifier: base64.RawURLEncoding.EncodeToString(data),
		method:   S256,
	}
	challenge, err := CreateCodeChallenge(S256, v)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}
	v.challenge = challenge
	return v, nil
}

// RestoreCodeVerifier rebuilds a CodeVerifier from a previously generated
// verifier string, typically one read back from the login verification
// cookie.
func RestoreCodeVerifier(verifier string) (*CodeVerifier, error) {
	const op = "oidc.RestoreCodeVerifier"
	if verifier == "" {
		return nil, fmt.Errorf("%s: verifier is empty: %w", op, ErrInvalidParameter)
	}
	v := &CodeVerifier{
		verifier: verifier,
		method:   S256,
	}
	challenge, err := CreateCodeChallenge(S256, v)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}
	v.challenge = challenge
	return v, nil
}

func (v *CodeVerifier) Verifier() string        { return v.verifier }
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }
func (v *CodeVerifier) Challenge() string       { return v.challenge }

// CreateCodeChallenge creates a code challenge from the verifier.  Only the
// S256 method is supported.
func CreateCodeChallenge(m ChallengeMethod, v *CodeVerifier) (string, error) {
	const op = "oidc.CreateCodeChallenge"
	if m != S256 {
		return "", fmt.Errorf("%s: %s is invalid: %w", op, m, ErrUnsupportedChallengeMethod)
	}
	if v == nil {
		return "", fmt.Errorf("%s: verifier is nil: %w", op, ErrNilParameter)
	}
	h := sha256.New()
	_, _ = h.Write([]byte(v.verifier))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
