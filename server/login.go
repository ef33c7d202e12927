package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mamimotu/eartho-packages/oidc"
)

// handleLogin starts the authorization code flow: it resolves the post-login
// returnTo target, binds it (plus any application login state) into the
// state token, persists the verification record in a short-lived signed
// cookie, and redirects to the provider's authorization endpoint.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	returnTo := h.safeReturnTo(r.URL.Query().Get("returnTo"), h.defaultReturnTo())

	loginState := map[string]interface{}{}
	if h.cfg.GetLoginState != nil {
		custom, err := callLoginState(h.cfg.GetLoginState, r)
		if err != nil {
			h.serverError(w, r, "login handler failed", err)
			return
		}
		for k, v := range custom {
			loginState[k] = v
		}
	}
	loginState["returnTo"] = returnTo

	stateToken, err := oidc.EncodeState(loginState)
	if err != nil {
		h.serverError(w, r, "login handler failed", err)
		return
	}

	verificationOpts := []oidc.Option{}
	if h.cfg.pkceEnabled() {
		verificationOpts = append(verificationOpts, oidc.WithPKCE())
	}
	if maxAge := h.maxAgeParam(); maxAge > 0 {
		verificationOpts = append(verificationOpts, oidc.WithMaxAge(maxAge))
	}
	v, err := oidc.NewAuthVerification(stateToken, verificationTTL, verificationOpts...)
	if err != nil {
		h.serverError(w, r, "login handler failed", err)
		return
	}

	p, err := h.oidcProvider()
	if err != nil {
		h.serverError(w, r, "login handler failed", err)
		return
	}
	authURL, err := p.AuthURL(ctx, v)
	if err != nil {
		h.serverError(w, r, "login handler failed", err)
		return
	}

	sealed, err := h.signer.Sign(v, now.Add(verificationTTL))
	if err != nil {
		h.serverError(w, r, "login handler failed", err)
		return
	}
	// a new login always overwrites any prior in-flight verification
	h.setVerificationCookie(w, sealed)

	h.logger.Debug("redirecting to authorization endpoint", "returnTo", returnTo, "pkce", v.CodeVerifier != "")
	http.Redirect(w, r, authURL, http.StatusFound)
}

// callLoginState invokes the application hook, converting panics into
// errors so a broken hook fails this login cleanly instead of taking the
// process down.
func callLoginState(fn LoginStateFunc, r *http.Request) (state map[string]interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			state, err = nil, fmt.Errorf("login state hook panicked: %v", p)
		}
	}()
	state, err = fn(r)
	if err != nil {
		return nil, fmt.Errorf("login state hook failed: %w", err)
	}
	return state, nil
}
