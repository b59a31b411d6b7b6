// Package livelist reconciles a locally-held bookmark list with the
// authoritative store, driven by deduplicated change events. Local mutations
// never touch the list directly; the matching remote event does.
package livelist

import (
	"sync"

	"markstash/internal/store"
)

// Status tracks the push channel feeding the engine.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// State is a point-in-time copy of the reconciled list, safe to hand out.
type State struct {
	Items  []store.Bookmark `json:"items"`
	Status Status           `json:"status"`
}

// Engine owns the in-memory bookmark list for one owner. All methods are
// safe for concurrent use; events and snapshot replaces are applied
// atomically with respect to each other.
type Engine struct {
	mu       sync.Mutex
	ownerID  string
	items    []store.Bookmark
	present  map[string]struct{}
	status   Status
	disposed bool
}

// New seeds an engine with the server-rendered snapshot, which is already
// ordered newest-first. Duplicate ids in the snapshot are collapsed to the
// first occurrence so the uniqueness invariant holds from the start.
func New(ownerID string, snapshot []store.Bookmark) *Engine {
	e := &Engine{
		ownerID: ownerID,
		present: make(map[string]struct{}, len(snapshot)),
		status:  StatusConnecting,
	}
	e.items = e.dedup(snapshot)
	return e
}

func (e *Engine) dedup(snapshot []store.Bookmark) []store.Bookmark {
	items := make([]store.Bookmark, 0, len(snapshot))
	for _, b := range snapshot {
		if _, ok := e.present[b.ID]; ok {
			continue
		}
		e.present[b.ID] = struct{}{}
		items = append(items, b)
	}
	return items
}

func (e *Engine) OwnerID() string {
	return e.ownerID
}

// Replace swaps the list wholesale for a fresh snapshot, e.g. on navigation
// re-entry when the previous channel's view may be stale.
func (e *Engine) Replace(snapshot []store.Bookmark) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	e.present = make(map[string]struct{}, len(snapshot))
	e.items = e.dedup(snapshot)
}

// ApplyInsert prepends a bookmark observed on the change channel. An id the
// list already holds is a duplicate delivery and is discarded. New entries
// always join at the front regardless of created_at: the common case is the
// caller's own just-created bookmark, which is newest anyway, and a resort
// under clock skew would break top-of-list insertion the UI relies on.
// Reports whether the list changed.
func (e *Engine) ApplyInsert(b store.Bookmark) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return false
	}
	if _, ok := e.present[b.ID]; ok {
		return false
	}
	e.present[b.ID] = struct{}{}
	e.items = append([]store.Bookmark{b}, e.items...)
	return true
}

// ApplyDelete removes the entry with the given id. An absent id means the
// entry was already removed or the delivery is a duplicate; both are no-ops.
// Reports whether the list changed.
func (e *Engine) ApplyDelete(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return false
	}
	if _, ok := e.present[id]; !ok {
		return false
	}
	delete(e.present, id)
	for i, b := range e.items {
		if b.ID == id {
			e.items = append(e.items[:i], e.items[i+1:]...)
			break
		}
	}
	return true
}

// SetStatus records the push-channel state for the presentation layer.
func (e *Engine) SetStatus(status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}
	e.status = status
}

// State returns a copy of the current list and channel status.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]store.Bookmark, len(e.items))
	copy(items, e.items)
	return State{Items: items, Status: e.status}
}

// Dispose marks the engine torn down. Later events are discarded, which
// covers in-flight work completing after the owning view unmounted. The
// feed subscription is owned by the caller and must be closed alongside.
func (e *Engine) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
	e.status = StatusError
}
