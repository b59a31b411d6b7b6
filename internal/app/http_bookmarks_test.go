package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"markstash/internal/realtime"
	"markstash/internal/store"
)

func TestCreateBookmarkEndpointRoundTrip(t *testing.T) {
	var storedURL string
	var published *store.Bookmark
	fs := &fakeStore{
		createBookmarkFn: func(_ context.Context, ownerID, title, url string) (store.Bookmark, error) {
			storedURL = url
			return store.Bookmark{ID: "bmk-1", OwnerID: ownerID, Title: title, URL: url, CreatedAt: time.Now()}, nil
		},
	}
	feed := &fakeFeed{
		publishInsertFn: func(_ context.Context, b store.Bookmark) error {
			published = &b
			return nil
		},
	}
	server := NewHTTPServer(newTestService(fs, nil, feed, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/bookmarks", bytes.NewBufferString(`{"title":"Example","url":"example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(testAccessCookie(t, "user-1", "Avery"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if storedURL != "https://example.com" {
		t.Fatalf("expected normalized url in store, got %q", storedURL)
	}

	var payload struct {
		Bookmark store.Bookmark `json:"bookmark"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload.Bookmark.URL != "https://example.com" {
		t.Fatalf("expected https://example.com in response, got %q", payload.Bookmark.URL)
	}
	if published == nil || published.ID != "bmk-1" {
		t.Fatalf("expected an insert event for the new bookmark")
	}
}

func TestCreateBookmarkEndpointRejectsInvalidURL(t *testing.T) {
	storeCalled := false
	fs := &fakeStore{
		createBookmarkFn: func(context.Context, string, string, string) (store.Bookmark, error) {
			storeCalled = true
			return store.Bookmark{}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs, nil, nil, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/bookmarks", bytes.NewBufferString(`{"title":"Bad","url":"not a url"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(testAccessCookie(t, "user-1", "Avery"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected code VALIDATION_ERROR, got %v", payload["code"])
	}
	if storeCalled {
		t.Fatalf("store must not be called for an invalid url")
	}
}

func TestCreateBookmarkEndpointRejectsInvalidBody(t *testing.T) {
	server := NewHTTPServer(newTestService(nil, nil, nil, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/bookmarks", bytes.NewBufferString(`{"title":`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(testAccessCookie(t, "user-1", "Avery"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestBookmarkEndpointsRequireSession(t *testing.T) {
	server := NewHTTPServer(newTestService(nil, nil, nil, nil))

	requests := []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/bookmarks", bytes.NewBufferString(`{"title":"a","url":"example.com"}`)),
		httptest.NewRequest(http.MethodDelete, "/api/bookmarks/bmk-1", nil),
		httptest.NewRequest(http.MethodGet, "/api/bookmarks/stream", nil),
	}
	for _, req := range requests {
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected status 401, got %d", req.Method, req.URL.Path, rr.Code)
		}
	}
}

func TestDeleteBookmarkEndpointNotFound(t *testing.T) {
	fs := &fakeStore{
		deleteBookmarkFn: func(context.Context, string, string) (store.Bookmark, error) {
			return store.Bookmark{}, store.ErrNotFound
		},
	}
	server := NewHTTPServer(newTestService(fs, nil, nil, nil))

	req := httptest.NewRequest(http.MethodDelete, "/api/bookmarks/bmk-other", nil)
	req.AddCookie(testAccessCookie(t, "user-1", "Avery"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestDeleteBookmarkEndpointScopesToOwner(t *testing.T) {
	var deletedOwner, deletedID string
	fs := &fakeStore{
		deleteBookmarkFn: func(_ context.Context, ownerID, id string) (store.Bookmark, error) {
			deletedOwner = ownerID
			deletedID = id
			return store.Bookmark{ID: id, OwnerID: ownerID}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs, nil, nil, nil))

	req := httptest.NewRequest(http.MethodDelete, "/api/bookmarks/bmk-1", nil)
	req.AddCookie(testAccessCookie(t, "user-1", "Avery"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if deletedOwner != "user-1" || deletedID != "bmk-1" {
		t.Fatalf("expected delete scoped to user-1/bmk-1, got %s/%s", deletedOwner, deletedID)
	}
}

type streamState struct {
	Items  []store.Bookmark `json:"items"`
	Status string           `json:"status"`
}

func parseStateFrames(t *testing.T, body string) []streamState {
	t.Helper()
	var states []streamState
	for _, line := range strings.Split(body, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var state streamState
		if err := json.Unmarshal([]byte(payload), &state); err != nil {
			t.Fatalf("parse state frame %q: %v", payload, err)
		}
		states = append(states, state)
	}
	return states
}

func TestBookmarkStreamReconcilesEvents(t *testing.T) {
	b1 := store.Bookmark{ID: "bmk-1", OwnerID: "user-1", Title: "First", URL: "https://one.example"}
	b2 := store.Bookmark{ID: "bmk-2", OwnerID: "user-1", Title: "Second", URL: "https://two.example"}

	fs := &fakeStore{
		listBookmarksFn: func(context.Context, string) ([]store.Bookmark, error) {
			return []store.Bookmark{b1}, nil
		},
	}
	feed := &fakeFeed{
		subscribeFn: func(context.Context, string) (realtime.Subscription, error) {
			return newFakeSubscription(
				realtime.Event{Kind: realtime.KindInsert, Bookmark: &b2},
				realtime.Event{Kind: realtime.KindInsert, Bookmark: &b2},
				realtime.Event{Kind: realtime.KindDelete, ID: b1.ID},
			), nil
		},
	}
	server := NewHTTPServer(newTestService(fs, nil, feed, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/bookmarks/stream", nil)
	req.AddCookie(testAccessCookie(t, "user-1", "Avery"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if contentType := rr.Header().Get("Content-Type"); contentType != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", contentType)
	}

	states := parseStateFrames(t, rr.Body.String())
	if len(states) != 5 {
		t.Fatalf("expected 5 state frames, got %d", len(states))
	}

	if states[0].Status != "connecting" || len(states[0].Items) != 1 || states[0].Items[0].ID != "bmk-1" {
		t.Fatalf("expected connecting snapshot with bmk-1, got %+v", states[0])
	}
	if states[1].Status != "connected" {
		t.Fatalf("expected connected frame, got %+v", states[1])
	}
	// The duplicate insert produces no frame: frame 3 is the insert, frame 4
	// the delete.
	if len(states[2].Items) != 2 || states[2].Items[0].ID != "bmk-2" || states[2].Items[1].ID != "bmk-1" {
		t.Fatalf("expected [bmk-2 bmk-1] after insert, got %+v", states[2].Items)
	}
	if len(states[3].Items) != 1 || states[3].Items[0].ID != "bmk-2" {
		t.Fatalf("expected [bmk-2] after delete, got %+v", states[3].Items)
	}
	if states[4].Status != "error" {
		t.Fatalf("expected error status once the feed closes, got %+v", states[4])
	}
}

func TestBookmarkStreamSurvivesSnapshotFailure(t *testing.T) {
	fs := &fakeStore{
		listBookmarksFn: func(context.Context, string) ([]store.Bookmark, error) {
			return nil, errors.New("db down")
		},
	}
	server := NewHTTPServer(newTestService(fs, nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/bookmarks/stream", nil)
	req.AddCookie(testAccessCookie(t, "user-1", "Avery"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	states := parseStateFrames(t, rr.Body.String())
	if len(states) == 0 {
		t.Fatalf("expected at least one state frame")
	}
	if len(states[0].Items) != 0 {
		t.Fatalf("expected an empty list when the snapshot fails, got %+v", states[0].Items)
	}
}

func TestBookmarkStreamReportsSubscribeFailure(t *testing.T) {
	feed := &fakeFeed{
		subscribeFn: func(context.Context, string) (realtime.Subscription, error) {
			return nil, errors.New("redis down")
		},
	}
	server := NewHTTPServer(newTestService(nil, nil, feed, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/bookmarks/stream", nil)
	req.AddCookie(testAccessCookie(t, "user-1", "Avery"))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	states := parseStateFrames(t, rr.Body.String())
	if len(states) != 2 {
		t.Fatalf("expected connecting then error frames, got %d", len(states))
	}
	if states[1].Status != "error" {
		t.Fatalf("expected error status, got %+v", states[1])
	}
}
