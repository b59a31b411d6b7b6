package store

import "time"

type User struct {
	ID              string
	ProviderSubject string
	Email           string
	DisplayName     string
	CreatedAt       time.Time
}

// Bookmark is immutable after creation; the only state transition is
// deletion. JSON tags match the change-event wire format.
type Bookmark struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}
