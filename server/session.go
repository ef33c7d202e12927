package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mamimotu/eartho-packages/session"
)

type sessionContextKey struct{}

// SessionFromContext returns the session injected by RequireSession, or nil.
func SessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionContextKey{}).(*session.Session)
	return s
}

// SessionFromRequest reads and validates the session cookie(s) on the
// request.  It returns nil when the request is unauthenticated; an
// unreadable cookie is indistinguishable from no cookie.
func (h *Handler) SessionFromRequest(r *http.Request) *session.Session {
	return h.codec.Unpack(r.Cookies(), time.Now())
}

// SaveSession packs the session onto the response.  Use it after mutating a
// session (e.g. a token refresh) so the cookie reflects the change.  The
// request supplies the currently held cookies so any stale chunks from a
// previous, larger packing are cleared alongside the fresh values.
func (h *Handler) SaveSession(w http.ResponseWriter, r *http.Request, s *session.Session) error {
	cookies, err := h.codec.Pack(s, time.Now())
	if err != nil {
		return err
	}
	h.writeSessionCookies(w, r, cookies)
	return nil
}

// writeSessionCookies sets the fresh session cookies plus expired deletes
// for request cookies the fresh set no longer overwrites, so a re-pack that
// needs fewer chunks (or switches between chunked and bare) cannot leave a
// stale cookie behind to corrupt the next reassembly.
func (h *Handler) writeSessionCookies(w http.ResponseWriter, r *http.Request, fresh []*http.Cookie) {
	for _, ck := range fresh {
		http.SetCookie(w, ck)
	}
	for _, ck := range h.codec.ClearStaleCookies(r.Cookies(), fresh) {
		http.SetCookie(w, ck)
	}
}

// DestroySession clears the session cookie(s) without touching the identity
// provider.
func (h *Handler) DestroySession(w http.ResponseWriter, r *http.Request) {
	for _, ck := range h.codec.ClearCookies(r.Cookies()) {
		http.SetCookie(w, ck)
	}
}

// rollSession re-packs the session with a refreshed expiry when rolling
// sessions are enabled.  Failures are logged and otherwise ignored; the
// existing cookie keeps its old expiry.
func (h *Handler) rollSession(w http.ResponseWriter, r *http.Request, now time.Time) {
	if !h.cfg.Session.Rolling {
		return
	}
	ses := h.codec.Unpack(r.Cookies(), now)
	if ses == nil {
		return
	}
	cookies, err := h.codec.Pack(ses, now)
	if err != nil {
		h.logger.Warn("unable to roll session", "error", err)
		return
	}
	h.writeSessionCookies(w, r, cookies)
}

// RequireSession gates a handler behind authentication.  Browser requests
// (Accept: text/html) are redirected to the login route with the original
// URL as returnTo; anything else gets a bare 401.  The session rides the
// request context for downstream handlers.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		ses := h.codec.Unpack(r.Cookies(), now)
		if ses == nil {
			if strings.Contains(r.Header.Get("Accept"), "text/html") {
				target := h.cfg.Routes.Login + "?returnTo=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.rollSession(w, r, now)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, ses)))
	})
}
