package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"markstash/internal/auth"
	"markstash/internal/livelist"
	"markstash/internal/realtime"
	"markstash/internal/session"
	"markstash/internal/store"
	"markstash/internal/util"
	"markstash/internal/web"
)

type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Navigational routes pass through the session gate.
	if r.Method == http.MethodGet && path == "/" {
		s.handleRoot(w, r)
		return
	}
	if r.Method == http.MethodGet && path == "/login" {
		s.handleLoginPage(w, r)
		return
	}
	if r.Method == http.MethodGet && path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	if r.Method == http.MethodPost && path == "/login/oauth" {
		s.handleOAuthStart(w, r)
		return
	}
	if r.Method == http.MethodGet && path == "/api/auth/callback" {
		s.handleAuthCallback(w, r)
		return
	}
	if r.Method == http.MethodPost && path == "/api/auth/signout" {
		s.handleSignOut(w, r)
		return
	}
	if r.Method == http.MethodGet && path == "/api/session" {
		s.handleSessionInfo(w, r)
		return
	}

	if r.Method == http.MethodPost && path == "/api/bookmarks" {
		s.handleCreateBookmark(w, r)
		return
	}
	if r.Method == http.MethodGet && path == "/api/bookmarks/stream" {
		s.handleBookmarkStream(w, r)
		return
	}
	if r.Method == http.MethodDelete && strings.HasPrefix(path, "/api/bookmarks/") {
		id := strings.TrimPrefix(path, "/api/bookmarks/")
		if id != "" && !strings.Contains(id, "/") {
			s.handleDeleteBookmark(w, r, id)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingSessions(ctx); err != nil {
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{"ok": statusCode == http.StatusOK, "checks": checks})
}

// =============================================================================
// Pages
// =============================================================================

func (s *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	_, ok, patch := s.runGate(r)
	patch.apply(w)
	if ok {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *HTTPServer) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	_, ok, patch := s.runGate(r)
	patch.apply(w)
	if ok {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := web.LoginData{AuthFailed: r.URL.Query().Get("error") != ""}
	if err := web.Render(w, "login.html", data); err != nil {
		log.Printf("render login: %v", err)
	}
}

func (s *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.gateProtected(w, r)
	if !ok {
		return
	}

	// A failed initial fetch is non-fatal: log it and render empty.
	bookmarks, err := s.service.ListBookmarks(r.Context(), sess.UserID)
	if err != nil {
		log.Printf("list bookmarks for %s: %v", sess.UserID, err)
		bookmarks = nil
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := web.DashboardData{UserName: sess.UserName, Bookmarks: bookmarks}
	if err := web.Render(w, "dashboard.html", data); err != nil {
		log.Printf("render dashboard: %v", err)
	}
}

// =============================================================================
// Auth
// =============================================================================

func (s *HTTPServer) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	state := util.NewID("st")
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   s.service.cfg.Environment != "development",
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.service.OAuthStartURL(state), http.StatusSeeOther)
}

// handleAuthCallback completes the provider redirect-back: one exchange
// attempt, then a redirect either way. Failures of any kind land on the
// login route with an error indicator.
func (s *HTTPServer) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	next := sanitizeNext(query.Get("next"))

	fail := func() {
		http.Redirect(w, r, "/login?error=auth_failed", http.StatusSeeOther)
	}

	if code == "" {
		fail()
		return
	}
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != query.Get("state") {
		fail()
		return
	}

	sess, err := s.service.CompleteOAuth(r.Context(), code)
	if err != nil {
		log.Printf("oauth callback: %v", err)
		fail()
		return
	}

	for _, cookie := range s.sessionCookies(sess) {
		http.SetCookie(w, cookie)
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})

	http.Redirect(w, r, s.redirectOrigin(r)+next, http.StatusSeeOther)
}

// redirectOrigin picks the host for the post-login redirect. Local
// deployments and direct exposure use the configured origin; behind a
// reverse proxy the forwarded host wins, since the internal origin may not
// be reachable from the browser.
func (s *HTTPServer) redirectOrigin(r *http.Request) string {
	forwardedHost := strings.TrimSpace(r.Header.Get("X-Forwarded-Host"))
	if s.service.cfg.Environment == "development" || forwardedHost == "" {
		return s.service.cfg.SiteOrigin
	}
	return "https://" + forwardedHost
}

// sanitizeNext keeps the post-login destination on this site.
func sanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/dashboard"
	}
	return next
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		if err := s.service.SignOut(r.Context(), cookie.Value); err != nil {
			log.Printf("sign out: %v", err)
		}
	}
	for _, cookie := range s.clearedSessionCookies() {
		http.SetCookie(w, cookie)
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *HTTPServer) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil || sess.UserID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        sess.UserID,
		"userName":      sess.UserName,
	})
}

// =============================================================================
// Bookmarks
// =============================================================================

func (s *HTTPServer) handleCreateBookmark(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	var body struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	bookmark, err := s.service.CreateBookmark(r.Context(), sess.UserID, body.Title, body.URL)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bookmark": bookmark})
}

func (s *HTTPServer) handleDeleteBookmark(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteBookmark(r.Context(), sess.UserID, id); err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleBookmarkStream serves the live list over SSE. One engine and one
// feed subscription per connection; the engine is seeded with a fresh
// snapshot, every transition streams the full reconciled state, and both
// are torn down when the client goes away.
func (s *HTTPServer) handleBookmarkStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")

	snapshot, err := s.service.ListBookmarks(r.Context(), sess.UserID)
	if err != nil {
		log.Printf("stream snapshot for %s: %v", sess.UserID, err)
		snapshot = nil
	}

	engine := livelist.New(sess.UserID, snapshot)
	defer engine.Dispose()

	writeState := func() {
		payload, err := json.Marshal(engine.State())
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload)
		flusher.Flush()
	}
	writeState()

	sub, err := s.service.SubscribeBookmarks(r.Context(), sess.UserID)
	if err != nil {
		log.Printf("subscribe for %s: %v", sess.UserID, err)
		engine.SetStatus(livelist.StatusError)
		writeState()
		return
	}
	defer sub.Close()

	engine.SetStatus(livelist.StatusConnected)
	writeState()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.Events():
			if !open {
				engine.SetStatus(livelist.StatusError)
				writeState()
				return
			}
			switch event.Kind {
			case realtime.KindInsert:
				if !engine.ApplyInsert(*event.Bookmark) {
					continue
				}
			case realtime.KindDelete:
				if !engine.ApplyDelete(event.ID) {
					continue
				}
			}
			writeState()
		}
	}
}

// =============================================================================
// Middleware and helpers
// =============================================================================

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so SSE works through the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": message})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, session.ErrNotFound) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error"
}
