package oidc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodeState serializes an application payload into an opaque, URL-safe
// state token for the authorization round trip.  The payload is
// JSON-serialized and base64url-encoded, then prefixed with a random entropy
// segment so two logins carrying the same payload never produce identical
// tokens.
//
// A nil payload encodes as an empty object.
func EncodeState(payload map[string]interface{}) (string, error) {
	const op = "oidc.EncodeState"
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%s: unable to marshal state payload: %w", op, err)
	}
	entropy, err := NewID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate state entropy: %w", op, err)
	}
	return entropy + "." + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeState is the best-effort reverse of EncodeState.  Any malformed,
// truncated or tampered token decodes to an empty map; it never returns an
// error.  Forged state values arriving on the callback must not be able to
// crash the handshake.
func DecodeState(token string) map[string]interface{} {
	_, encoded, ok := strings.Cut(token, ".")
	if !ok {
		return map[string]interface{}{}
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return map[string]interface{}{}
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		return map[string]interface{}{}
	}
	return payload
}
