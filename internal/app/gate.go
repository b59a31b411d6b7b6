package app

import (
	"net/http"
)

const (
	accessCookieName  = "ms_access"
	refreshCookieName = "ms_refresh"
	stateCookieName   = "ms_oauth_state"
)

// credentialPatch carries cookie rewrites produced by session validation.
// Every response path, redirects included, must apply the patch, or a
// rotated session is lost and the next request validates a stale token.
type credentialPatch struct {
	cookies []*http.Cookie
}

func (p credentialPatch) apply(w http.ResponseWriter) {
	for _, cookie := range p.cookies {
		http.SetCookie(w, cookie)
	}
}

// runGate validates or refreshes the caller's session, once per
// navigational request. A valid access token passes through untouched; an
// absent or expired one falls back to the refresh token, which rotates both
// credentials into the returned patch. Validation failures of any kind,
// including the session store being unreachable, report unauthenticated
// (fail closed) rather than failing the request.
func (s *HTTPServer) runGate(r *http.Request) (Session, bool, credentialPatch) {
	if cookie, err := r.Cookie(accessCookieName); err == nil && cookie.Value != "" {
		if session, err := s.service.SessionFromToken(cookie.Value); err == nil {
			return session, true, credentialPatch{}
		}
	}

	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, false, credentialPatch{}
	}

	session, err := s.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		return Session{}, false, credentialPatch{}
	}
	return session, true, credentialPatch{cookies: s.sessionCookies(session)}
}

// gateProtected runs the gate for a protected page. On failure it redirects
// to the login route; no protected content is ever written first.
func (s *HTTPServer) gateProtected(w http.ResponseWriter, r *http.Request) (Session, bool) {
	session, ok, patch := s.runGate(r)
	patch.apply(w)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return Session{}, false
	}
	return session, true
}

// sessionFromRequest is the light check used by the JSON/SSE endpoints: it
// accepts a valid access cookie only and never refreshes.
func (s *HTTPServer) sessionFromRequest(r *http.Request) (Session, error) {
	cookie, err := r.Cookie(accessCookieName)
	if err != nil || cookie.Value == "" {
		return Session{}, err
	}
	return s.service.SessionFromToken(cookie.Value)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	session, err := s.sessionFromRequest(r)
	if err != nil || session.UserID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) sessionCookies(session Session) []*http.Cookie {
	secure := s.service.cfg.Environment != "development"
	return []*http.Cookie{
		{
			Name:     accessCookieName,
			Value:    session.Token,
			Path:     "/",
			MaxAge:   int(s.service.cfg.AccessTTL.Seconds()),
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		},
		{
			Name:     refreshCookieName,
			Value:    session.RefreshToken,
			Path:     "/",
			MaxAge:   int(s.service.cfg.RefreshTTL.Seconds()),
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		},
	}
}

func (s *HTTPServer) clearedSessionCookies() []*http.Cookie {
	secure := s.service.cfg.Environment != "development"
	cleared := func(name string) *http.Cookie {
		return &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		}
	}
	return []*http.Cookie{cleared(accessCookieName), cleared(refreshCookieName)}
}
