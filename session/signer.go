package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValueFormat means the value is not a well-formed signed token.
	ErrValueFormat = errors.New("malformed signed value")
	// ErrBadSignature means no accepted secret verifies the value.
	ErrBadSignature = errors.New("signature mismatch")
	// ErrValueExpired means the embedded expiry has passed.
	ErrValueExpired = errors.New("signed value expired")
)

// Signer seals small JSON values into HMAC-signed, URL-safe strings with an
// embedded expiry.  The handlers use it for the transient auth_verification
// cookie.  The first secret signs; any configured secret verifies.
type Signer struct {
	keys []derivedKeys
}

// NewSigner creates a Signer from the configured secrets.
func NewSigner(secrets []string) (*Signer, error) {
	keys, err := deriveKeys(secrets)
	if err != nil {
		return nil, fmt.Errorf("session.NewSigner: %w", err)
	}
	return &Signer{keys: keys}, nil
}

// signedEnvelope wraps the caller's value with the expiry the signature
// covers.
type signedEnvelope struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt int64           `json:"exp,omitempty"`
}

// Sign marshals v, signs it, and returns "b64url(payload).b64url(mac)".  A
// zero expiresAt produces a value without expiry.
func (s *Signer) Sign(v interface{}, expiresAt time.Time) (string, error) {
	const op = "session.(Signer).Sign"
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal value: %w", op, err)
	}
	env := signedEnvelope{Data: data}
	if !expiresAt.IsZero() {
		env.ExpiresAt = expiresAt.Unix()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal envelope: %w", op, err)
	}
	mac := computeMAC(s.keys[0].signing, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify checks the signature and expiry of value and unmarshals the signed
// data into v.
func (s *Signer) Verify(value string, v interface{}, now time.Time) error {
	const op = "session.(Signer).Verify"
	payload, err := openSigned(s.keys, value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var env signedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%s: %w", op, ErrValueFormat)
	}
	if env.ExpiresAt != 0 && now.After(time.Unix(env.ExpiresAt, 0)) {
		return fmt.Errorf("%s: %w", op, ErrValueExpired)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w", op, ErrValueFormat)
	}
	return nil
}

// openSigned splits a "payload.mac" value and returns the payload bytes once
// any accepted signing key verifies the MAC.
func openSigned(keys []derivedKeys, value string) ([]byte, error) {
	payload, _, err := openSignedIndexed(keys, value)
	return payload, err
}

// openSignedIndexed is openSigned plus the index of the secret that verified
// the MAC, so the cookie codec can decrypt with the matching encryption key.
func openSignedIndexed(keys []derivedKeys, value string) ([]byte, int, error) {
	encPayload, encMAC, ok := strings.Cut(value, ".")
	if !ok {
		return nil, 0, ErrValueFormat
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return nil, 0, ErrValueFormat
	}
	mac, err := base64.RawURLEncoding.DecodeString(encMAC)
	if err != nil {
		return nil, 0, ErrValueFormat
	}
	for i, k := range keys {
		if hmac.Equal(mac, computeMAC(k.signing, payload)) {
			return payload, i, nil
		}
	}
	return nil, 0, ErrBadSignature
}

func computeMAC(key, payload []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(payload)
	return h.Sum(nil)
}
