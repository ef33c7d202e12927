package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrNoSecrets is returned when a codec or signer is built without any
// secret.
var ErrNoSecrets = errors.New("at least one secret is required")

// minSecretLen guards against trivially weak secrets.
const minSecretLen = 8

const derivedKeyLen = 32

// derivedKeys holds the per-secret keys used by the cookie codec.  Signing
// and encryption keys are derived independently from each configured secret
// with HKDF-SHA256, so one configured secret never doubles as raw key
// material for two purposes.
type derivedKeys struct {
	signing    []byte
	encryption []byte
}

// deriveKeys expands each secret into its signing and encryption keys.  The
// first entry is the active key used for sealing and signing; every entry is
// accepted for verification, which is what makes secret rotation possible
// without invalidating live sessions.
func deriveKeys(secrets []string) ([]derivedKeys, error) {
	if len(secrets) == 0 {
		return nil, ErrNoSecrets
	}
	out := make([]derivedKeys, 0, len(secrets))
	for i, secret := range secrets {
		if len(secret) < minSecretLen {
			return nil, fmt.Errorf("secret %d is too short (%d bytes, minimum %d)", i, len(secret), minSecretLen)
		}
		signing, err := expandKey(secret, "signing")
		if err != nil {
			return nil, err
		}
		encryption, err := expandKey(secret, "encryption")
		if err != nil {
			return nil, err
		}
		out = append(out, derivedKeys{signing: signing, encryption: encryption})
	}
	return out, nil
}

func expandKey(secret, purpose string) ([]byte, error) {
	key := make([]byte, derivedKeyLen)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("eartho session "+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("unable to derive %s key: %w", purpose, err)
	}
	return key, nil
}
