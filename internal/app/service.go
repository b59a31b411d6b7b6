package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"markstash/internal/auth"
	"markstash/internal/config"
	"markstash/internal/realtime"
	"markstash/internal/store"
	"markstash/internal/util"
)

// Session is the authenticated actor attached to a request. Token material
// is opaque to everything outside this package and the cookies carrying it.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	EnsureUser(ctx context.Context, subject, email, displayName string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateBookmark(ctx context.Context, ownerID, title, url string) (store.Bookmark, error)
	ListBookmarks(ctx context.Context, ownerID string) ([]store.Bookmark, error)
	DeleteBookmark(ctx context.Context, ownerID, id string) (store.Bookmark, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

type changeFeed interface {
	PublishInsert(ctx context.Context, b store.Bookmark) error
	PublishDelete(ctx context.Context, ownerID, id string) error
	Subscribe(ctx context.Context, ownerID string) (realtime.Subscription, error)
}

type identityProvider interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (auth.Identity, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	feed     changeFeed
	provider identityProvider
}

func NewService(cfg config.Config, dataStore dataStore, sessions sessionStore, feed changeFeed, provider identityProvider) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		feed:     feed,
		provider: provider,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Service) OAuthStartURL(state string) string {
	return s.provider.AuthCodeURL(state)
}

// CompleteOAuth performs the one-shot code-for-session exchange: provider
// identity in, local user row upserted, session issued.
func (s *Service) CompleteOAuth(ctx context.Context, code string) (Session, error) {
	identity, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		return Session{}, fmt.Errorf("complete oauth: %w", err)
	}
	user, err := s.store.EnsureUser(ctx, identity.Subject, identity.Email, identity.Name)
	if err != nil {
		return Session{}, fmt.Errorf("complete oauth: %w", err)
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// session (access + refresh) is issued. Any failure leaves the caller
// unauthenticated.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken is the light current-user check: it validates the access
// token only and never refreshes. The gate is authoritative for routing.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) SignOut(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// =============================================================================
// Bookmarks
// =============================================================================

func (s *Service) ListBookmarks(ctx context.Context, ownerID string) ([]store.Bookmark, error) {
	return s.store.ListBookmarks(ctx, ownerID)
}

// CreateBookmark validates and normalizes input, then inserts and publishes
// the insert event. The caller's list is not touched here; the event coming
// back through the subscription is the only thing that mutates it.
func (s *Service) CreateBookmark(ctx context.Context, ownerID, title, rawURL string) (store.Bookmark, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Bookmark{}, validationError("title is required")
	}

	normalized, err := normalizeURL(rawURL)
	if err != nil {
		return store.Bookmark{}, validationError("url is not valid")
	}

	bookmark, err := s.store.CreateBookmark(ctx, ownerID, title, normalized)
	if err != nil {
		return store.Bookmark{}, fmt.Errorf("create bookmark: %w", err)
	}

	if err := s.feed.PublishInsert(ctx, bookmark); err != nil {
		// The row is durable; subscribers catch up on their next snapshot.
		log.Printf("publish insert event for %s: %v", bookmark.ID, err)
	}
	return bookmark, nil
}

// DeleteBookmark removes one bookmark and publishes the delete event.
// Deleting an id the caller does not own surfaces as not-found.
func (s *Service) DeleteBookmark(ctx context.Context, ownerID, id string) error {
	deleted, err := s.store.DeleteBookmark(ctx, ownerID, id)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("bookmark not found")
	}
	if err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}

	if err := s.feed.PublishDelete(ctx, deleted.OwnerID, deleted.ID); err != nil {
		log.Printf("publish delete event for %s: %v", deleted.ID, err)
	}
	return nil
}

func (s *Service) SubscribeBookmarks(ctx context.Context, ownerID string) (realtime.Subscription, error) {
	return s.feed.Subscribe(ctx, ownerID)
}

// normalizeURL trims the input, prefixes https:// when no scheme is given,
// and rejects anything that does not parse to a host. Runs before any store
// call; the store never normalizes.
func normalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("empty url")
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", errors.New("url has no host")
	}
	return trimmed, nil
}
