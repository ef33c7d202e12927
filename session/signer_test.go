package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signerTestValue struct {
	State string `json:"state"`
	Nonce string `json:"nonce"`
}

func TestNewSigner(t *testing.T) {
	t.Parallel()
	t.Run("valid", func(t *testing.T) {
		require := require.New(t)
		s, err := NewSigner([]string{"test-secret-0"})
		require.NoError(err)
		require.NotNil(s)
	})
	t.Run("no-secrets", func(t *testing.T) {
		assert := assert.New(t)
		_, err := NewSigner(nil)
		assert.True(errors.Is(err, ErrNoSecrets))
	})
	t.Run("short-secret", func(t *testing.T) {
		require := require.New(t)
		_, err := NewSigner([]string{"short"})
		require.Error(err)
	})
}

func TestSigner_SignVerify(t *testing.T) {
	t.Parallel()
	now := time.Now()
	value := signerTestValue{State: "test-state", Nonce: "test-nonce"}

	t.Run("round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewSigner([]string{"test-secret-0"})
		require.NoError(err)
		sealed, err := s.Sign(value, now.Add(1*time.Hour))
		require.NoError(err)
		var got signerTestValue
		require.NoError(s.Verify(sealed, &got, now))
		assert.Equal(value, got)
	})
	t.Run("no-expiry", func(t *testing.T) {
		require := require.New(t)
		s, err := NewSigner([]string{"test-secret-0"})
		require.NoError(err)
		sealed, err := s.Sign(value, time.Time{})
		require.NoError(err)
		var got signerTestValue
		require.NoError(s.Verify(sealed, &got, now.Add(1000*time.Hour)))
	})
	t.Run("expired", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewSigner([]string{"test-secret-0"})
		require.NoError(err)
		sealed, err := s.Sign(value, now.Add(1*time.Minute))
		require.NoError(err)
		var got signerTestValue
		err = s.Verify(sealed, &got, now.Add(2*time.Minute))
		assert.True(errors.Is(err, ErrValueExpired))
	})
	t.Run("tampered-payload", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewSigner([]string{"test-secret-0"})
		require.NoError(err)
		sealed, err := s.Sign(value, now.Add(1*time.Hour))
		require.NoError(err)
		flipped := byte('A')
		if sealed[0] == flipped {
			flipped = 'B'
		}
		tampered := string(flipped) + sealed[1:]
		var got signerTestValue
		err = s.Verify(tampered, &got, now)
		assert.True(errors.Is(err, ErrBadSignature) || errors.Is(err, ErrValueFormat))
	})
	t.Run("wrong-secret", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		signWith, err := NewSigner([]string{"test-secret-0"})
		require.NoError(err)
		verifyWith, err := NewSigner([]string{"another-secret"})
		require.NoError(err)
		sealed, err := signWith.Sign(value, now.Add(1*time.Hour))
		require.NoError(err)
		var got signerTestValue
		err = verifyWith.Verify(sealed, &got, now)
		assert.True(errors.Is(err, ErrBadSignature))
	})
	t.Run("rotated-secret-still-verifies", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		oldSigner, err := NewSigner([]string{"old-secret-0"})
		require.NoError(err)
		sealed, err := oldSigner.Sign(value, now.Add(1*time.Hour))
		require.NoError(err)
		rotated, err := NewSigner([]string{"new-secret-0", "old-secret-0"})
		require.NoError(err)
		var got signerTestValue
		require.NoError(rotated.Verify(sealed, &got, now))
		assert.Equal(value, got)
	})
	t.Run("malformed", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s, err := NewSigner([]string{"test-secret-0"})
		require.NoError(err)
		for _, malformed := range []string{"", "no-separator", "bad base64.!!!", strings.Repeat(".", 3)} {
			var got signerTestValue
			err := s.Verify(malformed, &got, now)
			assert.Truef(errors.Is(err, ErrValueFormat) || errors.Is(err, ErrBadSignature), "value %q", malformed)
		}
	})
}
