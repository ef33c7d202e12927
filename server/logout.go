package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/mamimotu/eartho-packages/oidc"
)

// handleLogout tears the session down.  Local cookies are always cleared
// first, before any redirect is decided, so even the no-session
// short-circuit and the federated paths leave the browser clean.  Logout is
// idempotent: with no prior session it just clears and redirects.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	returnTo := h.resolveLogoutReturnTo(r.URL.Query().Get("returnTo"))

	ses := h.codec.Unpack(r.Cookies(), now)
	for _, ck := range h.codec.ClearCookies(r.Cookies()) {
		http.SetCookie(w, ck)
	}

	if ses == nil || !h.cfg.IDPLogout {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}

	p, err := h.oidcProvider()
	if err != nil {
		h.serverError(w, r, "logout handler failed", err)
		return
	}

	if h.cfg.EarthoLogout {
		target, err := p.EarthoLogoutURL(returnTo, h.cfg.LogoutParams)
		if err != nil {
			h.serverError(w, r, "logout handler failed", err)
			return
		}
		h.logger.Debug("redirecting to eartho logout", "returnTo", returnTo)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	target, err := p.EndSessionURL(ctx, oidc.IDToken(ses.IDToken), returnTo, h.cfg.LogoutParams)
	switch {
	case errors.Is(err, oidc.ErrMissingEndSessionEndpoint):
		// provider has no RP-initiated logout; local logout already happened
		h.logger.Warn("provider advertises no end_session_endpoint, finishing with local logout")
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	case err != nil:
		h.serverError(w, r, "logout handler failed", err)
		return
	}
	h.logger.Debug("redirecting to provider end-session endpoint", "returnTo", returnTo)
	http.Redirect(w, r, target, http.StatusFound)
}

// resolveLogoutReturnTo picks the post-logout target: the request's explicit
// returnTo, then the configured post-logout route, then the application base
// URL.  The result is absolute so identity providers accept it as a
// post_logout_redirect_uri.
func (h *Handler) resolveLogoutReturnTo(requested string) string {
	fallback := h.cfg.BaseURL
	if h.cfg.Routes.PostLogoutRedirect != "" {
		fallback = h.cfg.absoluteURL(h.cfg.Routes.PostLogoutRedirect)
	}
	return h.cfg.absoluteURL(h.safeReturnTo(requested, fallback))
}
