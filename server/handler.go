// Package server wires the OIDC relying-party flows to HTTP: the login,
// callback, logout and profile routes, the signed verification cookie, and
// the chunked session cookie.  Handlers are independent per request; all
// session state lives in the client-held cookies, so no locking or
// server-side storage is involved.
package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mamimotu/eartho-packages/oidc"
	"github.com/mamimotu/eartho-packages/session"
)

// verificationCookieName is the transient cookie carrying the login
// verification record between the login redirect and the callback.
const verificationCookieName = "auth_verification"

// verificationTTL bounds how long a login attempt stays redeemable.
const verificationTTL = time.Hour

// Handler serves the authentication routes.  Create one per process with New
// and mount it on the application's mux.
type Handler struct {
	cfg    *Config
	logger hclog.Logger
	codec  *session.Codec
	signer *session.Signer
	mux    *http.ServeMux

	// provider discovery is lazy; the first request that needs the issuer
	// pays for it
	providerOnce sync.Once
	provider     *oidc.Provider
	providerErr  error
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.  The default is a named hclog
// logger on the default output.
func WithLogger(l hclog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New creates the authentication Handler.  Configuration problems fail here,
// before any route is served; the identity provider is not contacted until
// the first request that needs it.
func New(cfg *Config, opt ...Option) (*Handler, error) {
	const op = "server.New"
	if cfg == nil {
		return nil, fmt.Errorf("%s: config is nil", op)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	sameSite, _ := parseSameSite(cfg.Session.SameSite)
	codec, err := session.NewCodec(cfg.Secrets,
		session.WithCookieName(cfg.Session.Name),
		session.WithPath(cfg.Session.Path),
		session.WithDomain(cfg.Session.Domain),
		session.WithSameSite(sameSite),
		session.WithSecure(cfg.Session.Secure),
		session.WithRolling(cfg.Session.Rolling),
		session.WithRollingDuration(cfg.Session.RollingDuration),
		session.WithAbsoluteDuration(cfg.Session.AbsoluteDuration),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	signer, err := session.NewSigner(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	h := &Handler{
		cfg:    cfg,
		logger: hclog.New(&hclog.LoggerOptions{Name: "eartho"}),
		codec:  codec,
		signer: signer,
		mux:    http.NewServeMux(),
	}
	for _, o := range opt {
		o(h)
	}
	h.mux.HandleFunc("GET "+cfg.Routes.Login, h.handleLogin)
	h.mux.HandleFunc("GET "+cfg.Routes.Callback, h.handleCallback)
	h.mux.HandleFunc("POST "+cfg.Routes.Callback, h.handleCallback)
	h.mux.HandleFunc("GET "+cfg.Routes.Logout, h.handleLogout)
	h.mux.HandleFunc("GET "+cfg.Routes.Me, h.handleMe)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// oidcProvider returns the process-wide provider, building it on first use.
func (h *Handler) oidcProvider() (*oidc.Provider, error) {
	h.providerOnce.Do(func() {
		c := &oidc.Config{
			ClientID:                    h.cfg.ClientID,
			ClientSecret:                oidc.ClientSecret(h.cfg.ClientSecret),
			Issuer:                      h.cfg.IssuerBaseURL,
			RedirectURL:                 h.cfg.redirectURL(),
			Scopes:                      h.cfg.Scopes,
			AuthorizationParams:         h.cfg.AuthorizationParams,
			PushedAuthorizationRequests: h.cfg.PushedAuthorizationRequests,
			ProviderCA:                  h.cfg.IssuerCA,
		}
		if h.cfg.IDTokenSigningAlg != "" {
			c.SupportedSigningAlgs = []oidc.Alg{oidc.Alg(h.cfg.IDTokenSigningAlg)}
		}
		if h.cfg.Audience != "" {
			c.Audiences = []string{h.cfg.Audience}
			if c.AuthorizationParams == nil {
				c.AuthorizationParams = map[string]string{}
			}
			if _, ok := c.AuthorizationParams["audience"]; !ok {
				c.AuthorizationParams["audience"] = h.cfg.Audience
			}
		}
		h.provider, h.providerErr = oidc.NewProvider(c)
	})
	return h.provider, h.providerErr
}

// safeReturnTo validates a requested post-login/post-logout target.  Relative
// paths (not protocol-relative) pass through with their query strings intact.
// Absolute URLs are honored only when their origin matches the application's
// base URL or the registered redirect URI; anything else falls back, so a
// forged returnTo can never turn the handler into an open redirect.
func (h *Handler) safeReturnTo(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	if raw[0] == '/' {
		// Browsers normalize a backslash after the slash to "//", turning
		// what parses here as a relative path into a protocol-relative URL.
		if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
			return fallback
		}
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return fallback
	}
	for _, allowed := range []string{h.cfg.BaseURL, h.cfg.redirectURL()} {
		if sameOrigin(u, allowed) {
			return raw
		}
	}
	return fallback
}

func sameOrigin(u *url.URL, other string) bool {
	o, err := url.Parse(other)
	if err != nil {
		return false
	}
	return u.Scheme == o.Scheme && u.Host == o.Host
}

// defaultReturnTo is where login lands when the request names no target.
func (h *Handler) defaultReturnTo() string {
	return h.cfg.BaseURL
}

func (h *Handler) setVerificationCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     verificationCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(verificationTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Session.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearVerificationCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     verificationCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cfg.Session.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// authError rejects the request as an authentication failure.  Protocol
// errors (state/nonce mismatch, provider error responses, failed exchanges)
// land here; the user recovers by restarting the login flow.
func (h *Handler) authError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Warn("authentication failed", "path", r.URL.Path, "reason", msg, "error", err)
	http.Error(w, msg, http.StatusBadRequest)
}

// serverError reports an internal handler failure (network trouble, broken
// hooks, packing failures).
func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error("handler failed", "path", r.URL.Path, "reason", msg, "error", err)
	http.Error(w, msg, http.StatusInternalServerError)
}

// maxAgeParam reads a max_age authorization param so the verification can
// carry it to the callback.
func (h *Handler) maxAgeParam() int64 {
	raw, ok := h.cfg.AuthorizationParams["max_age"]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
