package oidc

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/mamimotu/eartho-packages/internal/strutils"
)

// TestProvider is a local server that supports test provider capabilities
// which make writing tests much easier.  It implements enough of an OIDC
// provider for the SDK's flows: discovery (including end_session_endpoint and
// the PAR endpoint), the authorization endpoint, the token endpoint with PKCE
// enforcement, JWKS, and userinfo.  The nonce and code challenge sent to the
// authorization endpoint are captured and reflected into the issued id_token
// the way a real provider would.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	signingKey *ecdsa.PrivateKey
	jwks       *jose.JSONWebKeySet

	mu                  sync.Mutex
	clientID            string
	clientSecret        string
	expectedAuthCode    string
	allowedRedirectURIs []string
	replySubject        string
	replyUserinfo       map[string]interface{}
	customClaims        map[string]interface{}
	customAudience      string
	omitIDToken         bool
	omitRefreshToken    bool
	disablePAR          bool
	disableEndSession   bool
	tokenExpiry         time.Duration

	// captured during /auth (or /par) and reflected in issued tokens
	authNonce         string
	authCodeChallenge string

	// pushed authorization requests keyed by request_uri
	pushed map[string]url.Values

	t *testing.T
}

// StartTestProvider creates and starts a disposable TestProvider on a random
// localhost port with TLS.  The server is stopped via t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)

	p := &TestProvider{
		t:          t,
		signingKey: key,
		jwks: &jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{
				{Key: key.Public(), Algorithm: string(jose.ES256), Use: "sig"},
			},
		},
		allowedRedirectURIs: []string{"https://example.com/callback"},
		replySubject:        "alice@example.com",
		replyUserinfo: map[string]interface{}{
			"sub":   "alice@example.com",
			"email": "alice@example.com",
			"name":  "Alice Example",
		},
		tokenExpiry: 5 * time.Minute,
		pushed:      map[string]url.Values{},
	}

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(bytes.NewBuffer(nil), "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	cert := p.httpServer.Certificate()
	var buf bytes.Buffer
	err = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running
// webserver.  It doubles as the test provider's issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// SetClientCreds is for configuring the client information required for the
// OIDC workflows.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode configures the auth code to return from /auth and the
// allowed auth code for /token.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetAllowedRedirectURIs configures the allowed redirect URIs for the OIDC
// workflow.
func (p *TestProvider) SetAllowedRedirectURIs(uris []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowedRedirectURIs = uris
}

// SetCustomClaims lets you set claims to return in the JWT issued by the OIDC
// workflow.
func (p *TestProvider) SetCustomClaims(customClaims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = customClaims
}

// SetCustomAudience configures what audience value to embed in the JWT issued
// by the OIDC workflow.
func (p *TestProvider) SetCustomAudience(customAudience string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = customAudience
}

// SetSubject configures the sub claim for issued tokens.
func (p *TestProvider) SetSubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// OmitIDTokens forces an error state where the /token endpoint does not
// return id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitRefreshTokens makes the /token endpoint reply without a
// refresh_token.
func (p *TestProvider) OmitRefreshTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitRefreshToken = true
}

// DisablePAR removes the pushed_authorization_request_endpoint from the
// discovery document.
func (p *TestProvider) DisablePAR() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disablePAR = true
}

// DisableEndSession removes the end_session_endpoint from the discovery
// document.
func (p *TestProvider) DisableEndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableEndSession = true
}

// AuthNonce returns the nonce captured from the most recent authorization
// request.
func (p *TestProvider) AuthNonce() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authNonce
}

// SignIDToken mints an id_token signed with the provider's key, carrying the
// standard claims plus any additional claims given.  Useful for testing the
// direct id_token callback path.
func (p *TestProvider) SignIDToken(t *testing.T, nonce string, additionalClaims map[string]interface{}) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	claims := map[string]interface{}{"nonce": nonce}
	for k, v := range additionalClaims {
		claims[k] = v
	}
	return p.signJWTLocked(claims)
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()

	redirectURI := qv.Get("redirect_uri") +
		"?state=" + url.QueryEscape(qv.Get("state")) +
		"&error=" + url.QueryEscape(errorCode)

	if errorMessage != "" {
		redirectURI += "&error_description=" + url.QueryEscape(errorMessage)
	}

	http.Redirect(w, req, redirectURI, http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}
	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

// signJWTLocked mints a signed JWT; callers must hold p.mu.
func (p *TestProvider) signJWTLocked(privateClaims map[string]interface{}) string {
	p.t.Helper()
	require := require.New(p.t)

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: p.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	stdClaims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(time.Now().Add(p.tokenExpiry)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Audience:  jwt.Audience{p.clientID},
	}
	if p.customAudience != "" {
		stdClaims.Audience = jwt.Audience{p.customAudience}
	}
	allClaims := map[string]interface{}{}
	for k, v := range p.customClaims {
		allClaims[k] = v
	}
	for k, v := range privateClaims {
		allClaims[k] = v
	}

	raw, err := jwt.Signed(sig).Claims(stdClaims).Claims(allClaims).Serialize()
	require.NoError(err)
	return raw
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.t.Helper()

	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reply := struct {
			Issuer             string `json:"issuer"`
			AuthEndpoint       string `json:"authorization_endpoint"`
			TokenEndpoint      string `json:"token_endpoint"`
			JWKSURI            string `json:"jwks_uri"`
			UserinfoEndpoint   string `json:"userinfo_endpoint"`
			EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`
			PAREndpoint        string `json:"pushed_authorization_request_endpoint,omitempty"`
		}{
			Issuer:             p.Addr(),
			AuthEndpoint:       p.Addr() + "/auth",
			TokenEndpoint:      p.Addr() + "/token",
			JWKSURI:            p.Addr() + "/certs",
			UserinfoEndpoint:   p.Addr() + "/userinfo",
			EndSessionEndpoint: p.Addr() + "/oidc/logout",
			PAREndpoint:        p.Addr() + "/par",
		}
		if p.disableEndSession {
			reply.EndSessionEndpoint = ""
		}
		if p.disablePAR {
			reply.PAREndpoint = ""
		}
		_ = p.writeJSON(w, &reply)

	case "/auth":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		qv := req.URL.Query()

		// a pushed request carries only client_id and request_uri; swap in
		// the stored parameter set
		if requestURI := qv.Get("request_uri"); requestURI != "" {
			stored, ok := p.pushed[requestURI]
			if !ok {
				p.writeAuthErrorResponse(w, req, "invalid_request_uri", "unknown request_uri")
				return
			}
			delete(p.pushed, requestURI)
			qv = stored
			req.URL.RawQuery = stored.Encode()
		}

		if qv.Get("response_type") != "code" {
			p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
			return
		}
		if p.clientID != "" && qv.Get("client_id") != p.clientID {
			p.writeAuthErrorResponse(w, req, "unauthorized_client", "")
			return
		}
		state := qv.Get("state")
		if state == "" {
			p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
			return
		}
		redirectURI := qv.Get("redirect_uri")
		if !strutils.StrListContains(p.allowedRedirectURIs, redirectURI) {
			p.writeAuthErrorResponse(w, req, "invalid_request", "redirect_uri is not allowed")
			return
		}
		if p.expectedAuthCode == "" {
			p.writeAuthErrorResponse(w, req, "access_denied", "")
			return
		}

		p.authNonce = qv.Get("nonce")
		p.authCodeChallenge = qv.Get("code_challenge")

		redirectURI += "?state=" + url.QueryEscape(state) +
			"&code=" + url.QueryEscape(p.expectedAuthCode)
		http.Redirect(w, req, redirectURI, http.StatusFound)

	case "/par":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := req.ParseForm(); err != nil {
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "unparsable form")
			return
		}
		requestURI := fmt.Sprintf("urn:ietf:params:oauth:request_uri:%d", len(p.pushed)+1)
		stored := url.Values{}
		for k, vals := range req.PostForm {
			for _, v := range vals {
				stored.Add(k, v)
			}
		}
		p.pushed[requestURI] = stored
		w.WriteHeader(http.StatusCreated)
		_ = p.writeJSON(w, map[string]interface{}{
			"request_uri": requestURI,
			"expires_in":  90,
		})

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch {
		case req.FormValue("grant_type") != "authorization_code":
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "bad grant_type")
			return
		case !strutils.StrListContains(p.allowedRedirectURIs, req.FormValue("redirect_uri")):
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not allowed")
			return
		case req.FormValue("code") != p.expectedAuthCode:
			_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_grant", "unexpected auth code")
			return
		}
		if p.authCodeChallenge != "" {
			verifier := req.FormValue("code_verifier")
			sum := sha256.Sum256([]byte(verifier))
			if base64.RawURLEncoding.EncodeToString(sum[:]) != p.authCodeChallenge {
				_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match challenge")
				return
			}
		}

		jwtData := p.signJWTLocked(map[string]interface{}{"nonce": p.authNonce})
		reply := struct {
			AccessToken  string `json:"access_token"`
			IDToken      string `json:"id_token,omitempty"`
			RefreshToken string `json:"refresh_token,omitempty"`
			TokenType    string `json:"token_type"`
			ExpiresIn    int64  `json:"expires_in"`
		}{
			AccessToken:  jwtData,
			IDToken:      jwtData,
			RefreshToken: "test-refresh-token",
			TokenType:    "Bearer",
			ExpiresIn:    int64(p.tokenExpiry.Seconds()),
		}
		if p.omitIDToken {
			reply.IDToken = ""
		}
		if p.omitRefreshToken {
			reply.RefreshToken = ""
		}
		_ = p.writeJSON(w, &reply)

	case "/userinfo":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.replyUserinfo)

	case "/oidc/logout":
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
