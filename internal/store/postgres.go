package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"markstash/internal/util"
)

// ErrNotFound covers both a missing row and a row owned by someone else;
// callers cannot distinguish the two.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser upserts the user row for an OAuth identity, keyed by the
// provider subject. Email and display name are refreshed on every login.
func (s *PostgresStore) EnsureUser(ctx context.Context, subject, email, displayName string) (User, error) {
	if subject == "" {
		return User{}, fmt.Errorf("ensure user: empty provider subject")
	}
	if displayName == "" {
		displayName = email
	}

	const upsert = `
		INSERT INTO users (id, provider_subject, email, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_subject)
			DO UPDATE SET email = EXCLUDED.email, display_name = EXCLUDED.display_name
		RETURNING id, provider_subject, email, display_name, created_at
	`
	var user User
	err := s.db.QueryRowContext(ctx, upsert, util.NewID("usr"), subject, email, displayName).
		Scan(&user.ID, &user.ProviderSubject, &user.Email, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, provider_subject, email, display_name, created_at FROM users WHERE id = $1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&user.ID, &user.ProviderSubject, &user.Email, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// CreateBookmark inserts one row. Title and url must already be validated
// and the url normalized by the caller; only non-emptiness is re-checked.
func (s *PostgresStore) CreateBookmark(ctx context.Context, ownerID, title, url string) (Bookmark, error) {
	if ownerID == "" || title == "" || url == "" {
		return Bookmark{}, fmt.Errorf("create bookmark: empty field")
	}

	const insert = `
		INSERT INTO bookmarks (id, owner_id, title, url)
		VALUES ($1, $2, $3, $4)
		RETURNING id, owner_id, title, url, created_at
	`
	var b Bookmark
	err := s.db.QueryRowContext(ctx, insert, util.NewID("bmk"), ownerID, title, url).
		Scan(&b.ID, &b.OwnerID, &b.Title, &b.URL, &b.CreatedAt)
	if err != nil {
		return Bookmark{}, fmt.Errorf("create bookmark: %w", err)
	}
	return b, nil
}

// ListBookmarks returns the caller's bookmarks newest-first. Filtering by
// owner happens server-side; no other user's rows can appear.
func (s *PostgresStore) ListBookmarks(ctx context.Context, ownerID string) ([]Bookmark, error) {
	const query = `
		SELECT id, owner_id, title, url, created_at
		FROM bookmarks
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	var items []Bookmark
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Title, &b.URL, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	return items, nil
}

// DeleteBookmark removes one row, scoped to its owner. Deleting an id the
// caller does not own fails with ErrNotFound instead of touching the row.
// The deleted row is returned so the change event can carry it.
func (s *PostgresStore) DeleteBookmark(ctx context.Context, ownerID, id string) (Bookmark, error) {
	const remove = `
		DELETE FROM bookmarks
		WHERE id = $1 AND owner_id = $2
		RETURNING id, owner_id, title, url, created_at
	`
	var b Bookmark
	err := s.db.QueryRowContext(ctx, remove, id, ownerID).
		Scan(&b.ID, &b.OwnerID, &b.Title, &b.URL, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Bookmark{}, ErrNotFound
	}
	if err != nil {
		return Bookmark{}, fmt.Errorf("delete bookmark: %w", err)
	}
	return b, nil
}
