package oidc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mamimotu/eartho-packages/internal/strutils"
)

// Provider provides integration with an identity provider using the typical
// 3-legged OIDC authorization code flow.
//
// The provider's discovery document (.well-known/openid-configuration) is
// fetched lazily on first use and cached for the lifetime of the Provider.
// The first caller pays the discovery latency; subsequent callers reuse the
// cached metadata.  A new Provider is required to refresh it.
type Provider struct {
	config *Config
	client *http.Client

	mu         sync.Mutex
	discovered *oidc.Provider

	// backgroundCtx is the context used by the provider for background
	// activities like refreshing JWKs key sets.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

// NewProvider creates a Provider for the OIDC authorization code flow.  The
// issuer is not contacted here; discovery happens on first use.
//
// See Provider.Done() which must be called to release provider resources.
func NewProvider(c *Config) (*Provider, error) {
	const op = "oidc.NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}
	client, err := c.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		config:              c,
		client:              client,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}, nil
}

// Done with the provider's background resources and must be called for every
// Provider created
func (p *Provider) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}
}

// Config returns the provider's config.
func (p *Provider) Config() *Config { return p.config }

// discover returns the cached discovery metadata, fetching it on first use.
// The background context owns JWKS refreshes so they outlive any one request.
func (p *Provider) discover(ctx context.Context) (*oidc.Provider, error) {
	const op = "oidc.(Provider).discover"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discovered != nil {
		return p.discovered, nil
	}
	dp, err := oidc.NewProvider(HTTPClientContext(p.backgroundCtx, p.client), p.config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to discover provider %s: %w", op, p.config.Issuer, err)
	}
	p.discovered = dp
	return dp, nil
}

// discoveryClaims are the non-standard discovery document fields the SDK
// needs beyond what go-oidc surfaces directly.
type discoveryClaims struct {
	EndSessionEndpoint string `json:"end_session_endpoint"`
	PAREndpoint        string `json:"pushed_authorization_request_endpoint"`
}

func (p *Provider) discoveryExtras(ctx context.Context) (*discoveryClaims, error) {
	dp, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	var claims discoveryClaims
	if err := dp.Claims(&claims); err != nil {
		return nil, fmt.Errorf("oidc.(Provider).discoveryExtras: unable to read discovery claims: %w", err)
	}
	return &claims, nil
}

// scopes returns the scopes for an authorization request: the required
// "openid" scope plus any configured scopes.
func (p *Provider) scopes() []string {
	return append([]string{oidc.ScopeOpenID}, strutils.RemoveEmpty(p.config.Scopes)...)
}

func (p *Provider) oauth2Config(dp *oidc.Provider) oauth2.Config {
	return oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  p.config.RedirectURL,
		Endpoint:     dp.Endpoint(),
		Scopes:       p.scopes(),
	}
}

// AuthURL will generate a URL the caller can use to kick off an OIDC
// authorization code flow with the IdP.  The verification carries the state
// and nonce bound into the request, and the PKCE challenge when the flow uses
// PKCE.  When the config enables pushed authorization requests, the
// parameters are first pushed to the provider's PAR endpoint and the returned
// request_uri is used in the redirect instead of inline parameters.
func (p *Provider) AuthURL(ctx context.Context, v *AuthVerification) (string, error) {
	const op = "oidc.(Provider).AuthURL"
	if v == nil {
		return "", fmt.Errorf("%s: verification is nil: %w", op, ErrNilParameter)
	}
	if v.State == "" || v.Nonce == "" {
		return "", fmt.Errorf("%s: verification state or nonce is empty: %w", op, ErrInvalidParameter)
	}
	if v.State == v.Nonce {
		return "", fmt.Errorf("%s: state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	dp, err := p.discover(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if p.config.PushedAuthorizationRequests {
		return p.pushedAuthURL(ctx, dp, v)
	}

	oauth2Config := p.oauth2Config(dp)
	authCodeOpts := []oauth2.AuthCodeOption{
		oidc.Nonce(v.Nonce),
	}
	for k, val := range p.config.AuthorizationParams {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam(k, val))
	}
	if v.MaxAge > 0 {
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("max_age", strconv.FormatInt(v.MaxAge, 10)))
	}
	if v.CodeVerifier != "" {
		cv, err := RestoreCodeVerifier(v.CodeVerifier)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		authCodeOpts = append(authCodeOpts,
			oauth2.SetAuthURLParam("code_challenge", cv.Challenge()),
			oauth2.SetAuthURLParam("code_challenge_method", string(cv.Method())),
		)
	}
	return oauth2Config.AuthCodeURL(v.State, authCodeOpts...), nil
}

// authRequestValues assembles the full authorization parameter set used for
// pushed authorization requests.
func (p *Provider) authRequestValues(v *AuthVerification) (url.Values, error) {
	vals := url.Values{
		"response_type": {"code"},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"scope":         {strings.Join(p.scopes(), " ")},
		"state":         {v.State},
		"nonce":         {v.Nonce},
	}
	for k, val := range p.config.AuthorizationParams {
		vals.Set(k, val)
	}
	if v.MaxAge > 0 {
		vals.Set("max_age", strconv.FormatInt(v.MaxAge, 10))
	}
	if v.CodeVerifier != "" {
		cv, err := RestoreCodeVerifier(v.CodeVerifier)
		if err != nil {
			return nil, err
		}
		vals.Set("code_challenge", cv.Challenge())
		vals.Set("code_challenge_method", string(cv.Method()))
	}
	if p.config.ClientSecret != "" {
		vals.Set("client_secret", string(p.config.ClientSecret))
	}
	return vals, nil
}

func (p *Provider) pushedAuthURL(ctx context.Context, dp *oidc.Provider, v *AuthVerification) (string, error) {
	const op = "oidc.(Provider).pushedAuthURL"
	extras, err := p.discoveryExtras(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if extras.PAREndpoint == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMissingPAREndpoint)
	}
	vals, err := p.authRequestValues(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, extras.PAREndpoint, strings.NewReader(vals.Encode()))
	if err != nil {
		return "", fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: pushed authorization request failed: %w", op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%s: unable to read response: %w", op, err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: pushed authorization request returned %d: %s: %w", op, resp.StatusCode, string(body), ErrInvalidParameter)
	}
	var parResp struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parResp); err != nil {
		return "", fmt.Errorf("%s: unable to parse response: %w", op, err)
	}
	if parResp.RequestURI == "" {
		return "", fmt.Errorf("%s: response request_uri is empty: %w", op, ErrInvalidParameter)
	}
	redirect := url.Values{
		"client_id":   {p.config.ClientID},
		"request_uri": {parResp.RequestURI},
	}
	return dp.Endpoint().AuthURL + "?" + redirect.Encode(), nil
}

// Exchange will request a token from the oidc token endpoint, using the
// authorizationCode and authorizationState it received in an earlier
// successful oidc authentication response.
//
// It will also validate the authorizationState it receives against the
// verification for the user's oidc authentication flow, and verify the
// returned id_token (signature, nonce, issuer, audience, expiry).
func (p *Provider) Exchange(ctx context.Context, v *AuthVerification, authorizationState string, authorizationCode string) (*Token, error) {
	const op = "oidc.(Provider).Exchange"
	if v == nil {
		return nil, fmt.Errorf("%s: verification is nil: %w", op, ErrNilParameter)
	}
	if subtle.ConstantTimeCompare([]byte(v.State), []byte(authorizationState)) != 1 {
		return nil, fmt.Errorf("%s: authentication state and authorization state are not equal: %w", op, ErrResponseStateInvalid)
	}
	if v.IsExpired() {
		return nil, fmt.Errorf("%s: authentication verification is expired: %w", op, ErrExpiredVerification)
	}
	dp, err := p.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	oidcCtx := HTTPClientContext(ctx, p.client)

	oauth2Config := p.oauth2Config(dp)
	var exchangeOpts []oauth2.AuthCodeOption
	if v.CodeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(v.CodeVerifier))
	}
	oauth2Token, err := oauth2Config.Exchange(oidcCtx, authorizationCode, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w", op, err)
	}

	idToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok || idToken == "" {
		return nil, fmt.Errorf("%s: id_token is missing from auth code exchange: %w", op, ErrMissingIDToken)
	}
	if _, err := p.VerifyIDToken(ctx, IDToken(idToken), v.Nonce); err != nil {
		return nil, fmt.Errorf("%s: id_token failed verification: %w", op, err)
	}
	t, err := NewToken(IDToken(idToken),
		WithAccessToken(oauth2Token.AccessToken),
		WithRefreshToken(oauth2Token.RefreshToken),
		WithTokenType(oauth2Token.TokenType),
		WithExpiry(oauth2Token.Expiry),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create token: %w", op, err)
	}
	return t, nil
}

// VerifyIDToken will verify the inbound IDToken and return its claims.  It
// verifies the token has been signed by the provider, validates the nonce,
// and performs any additional checks depending on the provider's config
// (audiences, etc).
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (p *Provider) VerifyIDToken(ctx context.Context, t IDToken, nonce string) (map[string]interface{}, error) {
	const op = "oidc.(Provider).VerifyIDToken"
	if t == "" {
		return nil, fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if nonce == "" {
		return nil, fmt.Errorf("%s: nonce is empty: %w", op, ErrInvalidParameter)
	}
	dp, err := p.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var algs []string
	for _, a := range p.config.SupportedSigningAlgs {
		algs = append(algs, string(a))
	}
	verifier := dp.Verifier(&oidc.Config{
		ClientID:             p.config.ClientID,
		SupportedSigningAlgs: algs,
	})
	oidcIDToken, err := verifier.Verify(HTTPClientContext(ctx, p.client), string(t))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid id_token: %w", op, ErrIDTokenVerificationFailed)
	}
	if subtle.ConstantTimeCompare([]byte(oidcIDToken.Nonce), []byte(nonce)) != 1 {
		return nil, fmt.Errorf("%s: invalid id_token nonce: %w", op, ErrInvalidNonce)
	}
	if len(p.config.Audiences) > 0 {
		var found bool
		for _, a := range p.config.Audiences {
			if strutils.StrListContains(oidcIDToken.Audience, a) {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%s: invalid id_token audiences: %w", op, ErrInvalidAudience)
		}
	}
	var claims map[string]interface{}
	if err := oidcIDToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: unable to read id_token claims: %w", op, err)
	}
	return claims, nil
}

// UserInfo gets the UserInfo claims from the provider using the token
// produced by the tokenSource.
func (p *Provider) UserInfo(ctx context.Context, tokenSource oauth2.TokenSource, claims interface{}) error {
	const op = "oidc.(Provider).UserInfo"
	if tokenSource == nil {
		return fmt.Errorf("%s: token source is nil: %w", op, ErrNilParameter)
	}
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	dp, err := p.discover(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	userinfo, err := dp.UserInfo(HTTPClientContext(ctx, p.client), tokenSource)
	if err != nil {
		return fmt.Errorf("%s: provider UserInfo request failed: %w", op, ErrUserInfoFailed)
	}
	if err := userinfo.Claims(claims); err != nil {
		return fmt.Errorf("%s: failed to get UserInfo claims: %w", op, err)
	}
	return nil
}

// EndSessionURL builds the RP-initiated logout URL from the provider's
// discovered end_session_endpoint.  The id_token_hint and
// post_logout_redirect_uri parameters are included when non-empty, and params
// are merged per mergeLogoutParams semantics.
func (p *Provider) EndSessionURL(ctx context.Context, idTokenHint IDToken, postLogoutRedirectURI string, params map[string]*string) (string, error) {
	const op = "oidc.(Provider).EndSessionURL"
	extras, err := p.discoveryExtras(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if extras.EndSessionEndpoint == "" {
		return "", fmt.Errorf("%s: %w", op, ErrMissingEndSessionEndpoint)
	}
	u, err := url.Parse(extras.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("%s: invalid end_session_endpoint: %w", op, err)
	}
	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", string(idTokenHint))
	}
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	mergeLogoutParams(q, params)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EarthoLogoutURL builds the eartho-specific logout URL rooted at the
// issuer's /v2/logout endpoint.  No discovery round trip is required.
func (p *Provider) EarthoLogoutURL(returnTo string, params map[string]*string) (string, error) {
	const op = "oidc.(Provider).EarthoLogoutURL"
	u, err := url.Parse(p.config.Issuer)
	if err != nil {
		return "", fmt.Errorf("%s: invalid issuer: %w", op, err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v2/logout"
	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	if returnTo != "" {
		q.Set("returnTo", returnTo)
	}
	mergeLogoutParams(q, params)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// mergeLogoutParams merges params into q.  A nil value drops the parameter
// entirely while an empty string is kept, so callers can send flags like
// federated="" but unset parameters never appear in the URL.
func mergeLogoutParams(q url.Values, params map[string]*string) {
	for k, val := range params {
		if val == nil {
			q.Del(k)
			continue
		}
		q.Set(k, *val)
	}
}
