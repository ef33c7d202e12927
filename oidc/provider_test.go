package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testProviderConfig(tp *TestProvider, redirectURL string) *Config {
	return &Config{
		ClientID:             "test-client-id",
		ClientSecret:         "test-client-secret",
		Issuer:               tp.Addr(),
		RedirectURL:          redirectURL,
		SupportedSigningAlgs: []Alg{ES256},
		ProviderCA:           tp.CACert(),
	}
}

// authCodeFlow plays the browser's part of the flow: it follows the AuthURL
// to the provider's authorization endpoint and returns the state and code
// from the redirect back to the relying party.
func authCodeFlow(t *testing.T, p *Provider, v *AuthVerification) (state, code string) {
	t.Helper()
	require := require.New(t)
	authURL, err := p.AuthURL(context.Background(), v)
	require.NoError(err)
	client, err := p.config.HTTPClient()
	require.NoError(err)
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Get(authURL)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusFound, resp.StatusCode)
	loc, err := resp.Location()
	require.NoError(err)
	require.Empty(loc.Query().Get("error"))
	return loc.Query().Get("state"), loc.Query().Get("code")
}

func TestNewProvider(t *testing.T) {
	t.Parallel()
	t.Run("valid", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		p, err := NewProvider(testProviderConfig(tp, "https://example.com/callback"))
		require.NoError(err)
		defer p.Done()
		require.NotNil(p.Config())
	})
	t.Run("nil-config", func(t *testing.T) {
		assert := assert.New(t)
		p, err := NewProvider(nil)
		assert.Nil(p)
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("invalid-config", func(t *testing.T) {
		assert := assert.New(t)
		p, err := NewProvider(&Config{})
		assert.Nil(p)
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("done-is-idempotent", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		p, err := NewProvider(testProviderConfig(tp, "https://example.com/callback"))
		require.NoError(err)
		p.Done()
		p.Done()
		var nilProvider *Provider
		nilProvider.Done()
	})
}

func TestProvider_AuthURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	redirect := "https://example.com/callback"
	tp := StartTestProvider(t)
	p, err := NewProvider(testProviderConfig(tp, redirect))
	require.NoError(t, err)
	defer p.Done()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		v, err := NewAuthVerification("test-state", 1*time.Minute)
		require.NoError(err)
		got, err := p.AuthURL(ctx, v)
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		assert.Equal("/auth", u.Path)
		q := u.Query()
		assert.Equal("code", q.Get("response_type"))
		assert.Equal("test-client-id", q.Get("client_id"))
		assert.Equal(redirect, q.Get("redirect_uri"))
		assert.Equal(v.State, q.Get("state"))
		assert.Equal(v.Nonce, q.Get("nonce"))
		assert.Contains(strings.Fields(q.Get("scope")), "openid")
		assert.Empty(q.Get("code_challenge"))
	})
	t.Run("with-pkce", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		v, err := NewAuthVerification("test-state", 1*time.Minute, WithPKCE())
		require.NoError(err)
		got, err := p.AuthURL(ctx, v)
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		q := u.Query()
		cv, err := RestoreCodeVerifier(v.CodeVerifier)
		require.NoError(err)
		assert.Equal(cv.Challenge(), q.Get("code_challenge"))
		assert.Equal(string(S256), q.Get("code_challenge_method"))
	})
	t.Run("with-max-age", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		v, err := NewAuthVerification("test-state", 1*time.Minute, WithMaxAge(300))
		require.NoError(err)
		got, err := p.AuthURL(ctx, v)
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		assert.Equal("300", u.Query().Get("max_age"))
	})
	t.Run("with-authorization-params", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		cfg := testProviderConfig(tp, redirect)
		cfg.AuthorizationParams = map[string]string{"audience": "api://default"}
		ap, err := NewProvider(cfg)
		require.NoError(err)
		defer ap.Done()
		v, err := NewAuthVerification("test-state", 1*time.Minute)
		require.NoError(err)
		got, err := ap.AuthURL(ctx, v)
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		assert.Equal("api://default", u.Query().Get("audience"))
	})
	t.Run("nil-verification", func(t *testing.T) {
		assert := assert.New(t)
		_, err := p.AuthURL(ctx, nil)
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("empty-nonce", func(t *testing.T) {
		assert := assert.New(t)
		_, err := p.AuthURL(ctx, &AuthVerification{State: "test-state"})
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("state-equals-nonce", func(t *testing.T) {
		assert := assert.New(t)
		_, err := p.AuthURL(ctx, &AuthVerification{State: "same", Nonce: "same"})
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
}

func TestProvider_AuthURL_PAR(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	redirect := "https://example.com/callback"

	t.Run("pushed-request-uri", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		cfg := testProviderConfig(tp, redirect)
		cfg.PushedAuthorizationRequests = true
		p, err := NewProvider(cfg)
		require.NoError(err)
		defer p.Done()
		v, err := NewAuthVerification("test-state", 1*time.Minute, WithPKCE())
		require.NoError(err)
		got, err := p.AuthURL(ctx, v)
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		q := u.Query()
		assert.Equal("test-client-id", q.Get("client_id"))
		assert.True(strings.HasPrefix(q.Get("request_uri"), "urn:ietf:params:oauth:request_uri:"))
		// everything else was pushed, not inlined
		assert.Empty(q.Get("state"))
		assert.Empty(q.Get("nonce"))
		assert.Empty(q.Get("code_challenge"))
	})
	t.Run("provider-without-par", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.DisablePAR()
		cfg := testProviderConfig(tp, redirect)
		cfg.PushedAuthorizationRequests = true
		p, err := NewProvider(cfg)
		require.NoError(err)
		defer p.Done()
		v, err := NewAuthVerification("test-state", 1*time.Minute)
		require.NoError(err)
		_, err = p.AuthURL(ctx, v)
		assert.True(errors.Is(err, ErrMissingPAREndpoint))
	})
}

func TestProvider_Exchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	redirect := "https://example.com/callback"

	newFlow := func(t *testing.T) (*TestProvider, *Provider) {
		t.Helper()
		tp := StartTestProvider(t)
		tp.SetClientCreds("test-client-id", "test-client-secret")
		tp.SetExpectedAuthCode("test-auth-code")
		tp.SetAllowedRedirectURIs([]string{redirect})
		p, err := NewProvider(testProviderConfig(tp, redirect))
		require.NoError(t, err)
		t.Cleanup(p.Done)
		return tp, p
	}

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, p := newFlow(t)
		stateToken, err := EncodeState(map[string]interface{}{"returnTo": "/"})
		require.NoError(err)
		v, err := NewAuthVerification(stateToken, 1*time.Minute, WithPKCE())
		require.NoError(err)
		state, code := authCodeFlow(t, p, v)
		require.Equal(v.State, state)

		tok, err := p.Exchange(ctx, v, state, code)
		require.NoError(err)
		assert.NotEmpty(tok.IDToken())
		assert.NotEmpty(tok.AccessToken())
		assert.Equal("test-refresh-token", tok.RefreshToken())
		assert.Equal("Bearer", tok.TokenType())
		assert.True(tok.Valid())

		var claims map[string]interface{}
		require.NoError(tok.IDToken().Claims(&claims))
		assert.Equal("alice@example.com", claims["sub"])
		assert.Equal(v.Nonce, claims["nonce"])
	})
	t.Run("state-mismatch", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, p := newFlow(t)
		v, err := NewAuthVerification("test-state", 1*time.Minute)
		require.NoError(err)
		_, err = p.Exchange(ctx, v, "tampered-state", "test-auth-code")
		assert.True(errors.Is(err, ErrResponseStateInvalid))
	})
	t.Run("expired-verification", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		_, p := newFlow(t)
		v, err := NewAuthVerification("test-state", 1*time.Nanosecond)
		require.NoError(err)
		_, err = p.Exchange(ctx, v, v.State, "test-auth-code")
		assert.True(errors.Is(err, ErrExpiredVerification))
	})
	t.Run("nil-verification", func(t *testing.T) {
		assert := assert.New(t)
		_, p := newFlow(t)
		_, err := p.Exchange(ctx, nil, "state", "code")
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("no-refresh-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp, p := newFlow(t)
		tp.OmitRefreshTokens()
		v, err := NewAuthVerification("test-state", 1*time.Minute)
		require.NoError(err)
		state, code := authCodeFlow(t, p, v)
		tok, err := p.Exchange(ctx, v, state, code)
		require.NoError(err)
		assert.Empty(tok.RefreshToken())
		assert.NotEmpty(tok.IDToken())
	})
	t.Run("missing-id-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp, p := newFlow(t)
		tp.OmitIDTokens()
		v, err := NewAuthVerification("test-state", 1*time.Minute)
		require.NoError(err)
		state, code := authCodeFlow(t, p, v)
		_, err = p.Exchange(ctx, v, state, code)
		assert.True(errors.Is(err, ErrMissingIDToken))
	})
}

func TestProvider_VerifyIDToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	redirect := "https://example.com/callback"
	tp := StartTestProvider(t)
	tp.SetClientCreds("test-client-id", "test-client-secret")
	p, err := NewProvider(testProviderConfig(tp, redirect))
	require.NoError(t, err)
	defer p.Done()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		raw := tp.SignIDToken(t, "test-nonce", map[string]interface{}{"email": "alice@example.com"})
		claims, err := p.VerifyIDToken(ctx, IDToken(raw), "test-nonce")
		require.NoError(err)
		assert.Equal("alice@example.com", claims["sub"])
		assert.Equal("alice@example.com", claims["email"])
	})
	t.Run("wrong-nonce", func(t *testing.T) {
		assert := assert.New(t)
		raw := tp.SignIDToken(t, "test-nonce", nil)
		_, err := p.VerifyIDToken(ctx, IDToken(raw), "different-nonce")
		assert.True(errors.Is(err, ErrInvalidNonce))
	})
	t.Run("audience-mismatch", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		cfg := testProviderConfig(tp, redirect)
		cfg.Audiences = []string{"api://some-other-api"}
		ap, err := NewProvider(cfg)
		require.NoError(err)
		defer ap.Done()
		raw := tp.SignIDToken(t, "test-nonce", nil)
		_, err = ap.VerifyIDToken(ctx, IDToken(raw), "test-nonce")
		assert.True(errors.Is(err, ErrInvalidAudience))
	})
	t.Run("garbage-token", func(t *testing.T) {
		assert := assert.New(t)
		_, err := p.VerifyIDToken(ctx, "not-a-jwt", "test-nonce")
		assert.True(errors.Is(err, ErrIDTokenVerificationFailed))
	})
	t.Run("empty-token", func(t *testing.T) {
		assert := assert.New(t)
		_, err := p.VerifyIDToken(ctx, "", "test-nonce")
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
	t.Run("empty-nonce", func(t *testing.T) {
		assert := assert.New(t)
		_, err := p.VerifyIDToken(ctx, "token", "")
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
}

func TestProvider_UserInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	p, err := NewProvider(testProviderConfig(tp, "https://example.com/callback"))
	require.NoError(t, err)
	defer p.Done()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-access-token", TokenType: "Bearer"})
		var claims map[string]interface{}
		require.NoError(p.UserInfo(ctx, ts, &claims))
		assert.Equal("alice@example.com", claims["email"])
		assert.Equal("Alice Example", claims["name"])
	})
	t.Run("nil-token-source", func(t *testing.T) {
		assert := assert.New(t)
		var claims map[string]interface{}
		err := p.UserInfo(ctx, nil, &claims)
		assert.True(errors.Is(err, ErrNilParameter))
	})
	t.Run("nil-claims", func(t *testing.T) {
		assert := assert.New(t)
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-access-token"})
		err := p.UserInfo(ctx, ts, nil)
		assert.True(errors.Is(err, ErrNilParameter))
	})
}

func TestProvider_EndSessionURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p, err := NewProvider(testProviderConfig(tp, "https://example.com/callback"))
		require.NoError(err)
		defer p.Done()
		federated := ""
		got, err := p.EndSessionURL(ctx, "test-id-token", "https://example.com/goodbye", map[string]*string{
			"federated": &federated,
			"dropped":   nil,
		})
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		assert.Equal("/oidc/logout", u.Path)
		q := u.Query()
		assert.Equal("test-client-id", q.Get("client_id"))
		assert.Equal("test-id-token", q.Get("id_token_hint"))
		assert.Equal("https://example.com/goodbye", q.Get("post_logout_redirect_uri"))
		assert.True(q.Has("federated"))
		assert.Empty(q.Get("federated"))
		assert.False(q.Has("dropped"))
	})
	t.Run("no-end-session-endpoint", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.DisableEndSession()
		p, err := NewProvider(testProviderConfig(tp, "https://example.com/callback"))
		require.NoError(err)
		defer p.Done()
		_, err = p.EndSessionURL(ctx, "test-id-token", "", nil)
		assert.True(errors.Is(err, ErrMissingEndSessionEndpoint))
	})
}

func TestProvider_EarthoLogoutURL(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	p, err := NewProvider(&Config{
		ClientID:    "test-client-id",
		Issuer:      "https://auth.eartho.io",
		RedirectURL: "https://example.com/callback",
	})
	req.NoError(err)
	defer p.Done()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := p.EarthoLogoutURL("https://example.com/", nil)
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		assert.Equal("auth.eartho.io", u.Host)
		assert.Equal("/v2/logout", u.Path)
		q := u.Query()
		assert.Equal("test-client-id", q.Get("client_id"))
		assert.Equal("https://example.com/", q.Get("returnTo"))
	})
	t.Run("param-merge", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		federated := ""
		got, err := p.EarthoLogoutURL("", map[string]*string{
			"federated": &federated,
			"dropped":   nil,
		})
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		q := u.Query()
		assert.False(q.Has("returnTo"))
		assert.True(q.Has("federated"))
		assert.False(q.Has("dropped"))
	})
}
