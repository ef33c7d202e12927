package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"

	"github.com/mamimotu/eartho-packages/internal/strutils"
)

// LoginStateFunc lets the application attach custom fields to the state
// token carried through the authorization round trip.  They come back on the
// callback via the decoded state.  Returning an error (or panicking) fails
// the login handler before anything is emitted.
type LoginStateFunc func(r *http.Request) (map[string]interface{}, error)

// Routes holds the handler's route paths.
type Routes struct {
	Login    string `env:"EARTHO_ROUTE_LOGIN" envDefault:"/api/auth/login"`
	Callback string `env:"EARTHO_ROUTE_CALLBACK" envDefault:"/api/auth/callback"`
	Logout   string `env:"EARTHO_ROUTE_LOGOUT" envDefault:"/api/auth/logout"`
	Me       string `env:"EARTHO_ROUTE_ME" envDefault:"/api/auth/me"`

	// PostLogoutRedirect is where logout lands when no explicit returnTo is
	// given.  Relative paths are resolved against BaseURL.
	PostLogoutRedirect string `env:"EARTHO_ROUTE_POST_LOGOUT_REDIRECT"`
}

// SessionConfig holds the session-cookie settings.
type SessionConfig struct {
	Name     string `env:"EARTHO_SESSION_NAME" envDefault:"appSession"`
	Path     string `env:"EARTHO_COOKIE_PATH" envDefault:"/"`
	Domain   string `env:"EARTHO_COOKIE_DOMAIN"`
	SameSite string `env:"EARTHO_COOKIE_SAME_SITE" envDefault:"lax"`
	Secure   bool   `env:"EARTHO_COOKIE_SECURE" envDefault:"true"`

	Rolling          bool          `env:"EARTHO_SESSION_ROLLING" envDefault:"true"`
	RollingDuration  time.Duration `env:"EARTHO_SESSION_ROLLING_DURATION" envDefault:"24h"`
	AbsoluteDuration time.Duration `env:"EARTHO_SESSION_ABSOLUTE_DURATION" envDefault:"168h"`
}

// Config is the SDK's static configuration.  It is loaded once (from the
// environment or built literally), validated at handler construction, and
// read-only thereafter.
type Config struct {
	// ClientID is the relying party's client id.
	ClientID string `env:"EARTHO_CLIENT_ID"`

	// ClientSecret may be empty for public clients; PKCE is forced on in
	// that case.
	ClientSecret string `env:"EARTHO_CLIENT_SECRET"`

	// IssuerBaseURL is the identity provider's issuer URL.
	IssuerBaseURL string `env:"EARTHO_ISSUER_BASE_URL"`

	// BaseURL is the application's own public base URL; the callback
	// redirect_uri and default returnTo targets derive from it.
	BaseURL string `env:"EARTHO_BASE_URL"`

	// Secrets sign (and encrypt) the session and verification cookies.  The
	// first entry is active; older entries are still accepted so secrets can
	// rotate without logging everyone out.
	Secrets []string `env:"EARTHO_SECRET" envSeparator:","`

	// Scopes are requested in addition to the mandatory "openid".
	Scopes []string `env:"EARTHO_SCOPE" envSeparator:" " envDefault:"profile email"`

	// Audience, when set, is sent as the "audience" authorization parameter
	// and accepted in the id_token's aud claim.
	Audience string `env:"EARTHO_AUDIENCE"`

	// IssuerCA is an optional CA certificate PEM for the provider's TLS
	// endpoints.
	IssuerCA string `env:"EARTHO_ISSUER_CA"`

	// IDTokenSigningAlg is the JWS algorithm expected on id_tokens.
	IDTokenSigningAlg string `env:"EARTHO_ID_TOKEN_SIGNING_ALG" envDefault:"RS256"`

	PushedAuthorizationRequests bool `env:"EARTHO_PUSHED_AUTHORIZATION_REQUESTS"`

	// UsePKCE forces PKCE on confidential clients.  Public clients and PAR
	// flows use PKCE regardless.
	UsePKCE bool `env:"EARTHO_USE_PKCE"`

	// IDPLogout terminates the session at the identity provider too.
	IDPLogout bool `env:"EARTHO_IDP_LOGOUT"`

	// EarthoLogout uses the eartho /v2/logout endpoint instead of the
	// discovered end_session_endpoint.  Only meaningful with IDPLogout.
	EarthoLogout bool `env:"EARTHO_EARTHO_LOGOUT"`

	Routes  Routes
	Session SessionConfig

	// AuthorizationParams are merged into every authorization request.
	AuthorizationParams map[string]string `env:"-"`

	// LogoutParams are merged into provider logout URLs.  A nil value drops
	// the parameter; an empty string is kept (e.g. federated="").
	LogoutParams map[string]*string `env:"-"`

	// GetLoginState is the optional application hook for custom state
	// fields.
	GetLoginState LoginStateFunc `env:"-"`
}

// ConfigFromEnv loads the configuration from EARTHO_* environment variables.
func ConfigFromEnv() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("server.ConfigFromEnv: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration, aggregating every problem found.
// Validation is offline: the issuer is not contacted.  A literally built
// Config must populate Routes and Session.Name itself; empty route paths
// and an empty cookie name are rejected here rather than left to fail
// later inside mux registration or Set-Cookie.
func (c *Config) Validate() error {
	const op = "server.(Config).Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil", op)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client id is empty", op))
	}
	if len(strutils.RemoveEmpty(c.Secrets)) == 0 {
		result = multierror.Append(result, fmt.Errorf("%s: at least one secret is required", op))
	}
	for _, field := range []struct{ name, value string }{
		{"issuer base URL", c.IssuerBaseURL},
		{"base URL", c.BaseURL},
	} {
		switch {
		case field.value == "":
			result = multierror.Append(result, fmt.Errorf("%s: %s is empty", op, field.name))
		default:
			u, err := url.Parse(field.value)
			if err != nil || !u.IsAbs() || u.Host == "" {
				result = multierror.Append(result, fmt.Errorf("%s: %s %q is not an absolute URL", op, field.name, field.value))
			}
		}
	}
	for _, route := range []struct{ name, value string }{
		{"login route", c.Routes.Login},
		{"callback route", c.Routes.Callback},
		{"logout route", c.Routes.Logout},
		{"me route", c.Routes.Me},
	} {
		switch {
		case route.value == "":
			result = multierror.Append(result, fmt.Errorf("%s: %s is empty", op, route.name))
		case !strings.HasPrefix(route.value, "/"):
			result = multierror.Append(result, fmt.Errorf("%s: %s %q does not start with /", op, route.name, route.value))
		}
	}
	if c.Session.Name == "" {
		result = multierror.Append(result, fmt.Errorf("%s: session cookie name is empty", op))
	}
	if _, ok := parseSameSite(c.Session.SameSite); !ok {
		result = multierror.Append(result, fmt.Errorf("%s: unknown SameSite value %q", op, c.Session.SameSite))
	}
	return result.ErrorOrNil()
}

// pkceEnabled reports whether login flows should carry a PKCE verifier.
func (c *Config) pkceEnabled() bool {
	return c.UsePKCE || c.PushedAuthorizationRequests || c.ClientSecret == ""
}

// redirectURL is the absolute callback URL registered with the provider.
func (c *Config) redirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.Routes.Callback
}

// absoluteURL resolves target against BaseURL when it is a relative path.
func (c *Config) absoluteURL(target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimRight(c.BaseURL, "/") + target
	}
	return target
}

func parseSameSite(s string) (http.SameSite, bool) {
	switch strings.ToLower(s) {
	case "", "lax":
		return http.SameSiteLaxMode, true
	case "strict":
		return http.SameSiteStrictMode, true
	case "none":
		return http.SameSiteNoneMode, true
	default:
		return http.SameSiteDefaultMode, false
	}
}
