package oidc

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodeVerifier(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	got, err := NewCodeVerifier()
	require.NoError(err)
	assert.Equal(S256, got.Method())
	assert.Len(got.Verifier(), verifierLen)
	assert.NotEmpty(got.Challenge())

	sum := sha256.Sum256([]byte(got.Verifier()))
	assert.Equal(base64.RawURLEncoding.EncodeToString(sum[:]), got.Challenge())
}

func TestRestoreCodeVerifier(t *testing.T) {
	t.Parallel()
	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		orig, err := NewCodeVerifier()
		require.NoError(err)
		got, err := RestoreCodeVerifier(orig.Verifier())
		require.NoError(err)
		assert.Equal(orig.Verifier(), got.Verifier())
		assert.Equal(orig.Method(), got.Method())
		assert.Equal(orig.Challenge(), got.Challenge())
	})
	t.Run("empty-verifier", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := RestoreCodeVerifier("")
		require.Error(err)
		assert.Nil(got)
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
}

func TestCreateCodeChallenge(t *testing.T) {
	t.Parallel()
	v, err := NewCodeVerifier()
	require.NoError(t, err)
	tests := []struct {
		name      string
		method    ChallengeMethod
		verifier  *CodeVerifier
		wantIsErr error
	}{
		{
			name:     "valid-S256",
			method:   S256,
			verifier: v,
		},
		{
			name:      "unsupported-plain",
			method:    ChallengeMethod("plain"),
			verifier:  v,
			wantIsErr: ErrUnsupportedChallengeMethod,
		},
		{
			name:      "nil-verifier",
			method:    S256,
			wantIsErr: ErrNilParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := CreateCodeChallenge(tt.method, tt.verifier)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.verifier.Challenge(), got)
		})
	}
}
