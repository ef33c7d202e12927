package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/mamimotu/eartho-packages/oidc"
	"github.com/mamimotu/eartho-packages/session"
)

// handleCallback completes the authorization code flow.  The verification
// cookie is consumed exactly once: it is cleared on every path through this
// handler, success or failure, so a state value can never be replayed.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()

	// parameters may arrive as query (GET) or form body (response_mode=form_post)
	reqState := r.FormValue("state")

	vc, vcErr := r.Cookie(verificationCookieName)
	h.clearVerificationCookie(w)
	if vcErr != nil {
		h.authError(w, r, "missing login verification", vcErr)
		return
	}
	var v oidc.AuthVerification
	if err := h.signer.Verify(vc.Value, &v, now); err != nil {
		h.authError(w, r, "invalid login verification", err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(v.State), []byte(reqState)) != 1 {
		h.authError(w, r, "state mismatch", oidc.ErrResponseStateInvalid)
		return
	}
	if v.IsExpired() {
		h.authError(w, r, "login verification expired", oidc.ErrExpiredVerification)
		return
	}

	if errCode := r.FormValue("error"); errCode != "" {
		h.authError(w, r, "authorization error from provider",
			fmt.Errorf("%s: %s", errCode, r.FormValue("error_description")))
		return
	}

	p, err := h.oidcProvider()
	if err != nil {
		h.serverError(w, r, "callback handler failed", err)
		return
	}

	var ses *session.Session
	switch {
	case r.FormValue("code") != "":
		tok, err := p.Exchange(ctx, &v, reqState, r.FormValue("code"))
		if err != nil {
			h.authError(w, r, "code exchange failed", err)
			return
		}
		var profile session.Profile
		if err := tok.IDToken().Claims(&profile); err != nil {
			h.serverError(w, r, "callback handler failed", err)
			return
		}
		ses = &session.Session{
			User:         profile,
			IDToken:      string(tok.IDToken()),
			AccessToken:  tok.AccessToken(),
			RefreshToken: tok.RefreshToken(),
			TokenType:    tok.TokenType(),
			CreatedAt:    now.Unix(),
		}
		if !tok.Expiry().IsZero() {
			ses.ExpiresAt = tok.Expiry().Unix()
		}

	case r.FormValue("id_token") != "":
		// direct id_token response (form_post/hybrid); no token endpoint
		// round trip
		rawIDToken := r.FormValue("id_token")
		claims, err := p.VerifyIDToken(ctx, oidc.IDToken(rawIDToken), v.Nonce)
		if err != nil {
			h.authError(w, r, "id_token verification failed", err)
			return
		}
		ses = &session.Session{
			User:      session.Profile(claims),
			IDToken:   rawIDToken,
			CreatedAt: now.Unix(),
		}

	default:
		h.authError(w, r, "authorization response missing code", nil)
		return
	}

	cookies, err := h.codec.Pack(ses, now)
	if err != nil {
		h.serverError(w, r, "callback handler failed", err)
		return
	}
	h.writeSessionCookies(w, r, cookies)

	// a corrupted state decodes to an empty map and lands on the base path
	returnTo := "/"
	if rt, ok := oidc.DecodeState(reqState)["returnTo"].(string); ok && rt != "" {
		returnTo = h.safeReturnTo(rt, "/")
	}
	h.logger.Debug("session established", "sub", ses.User.Sub(), "returnTo", returnTo)
	http.Redirect(w, r, returnTo, http.StatusFound)
}
