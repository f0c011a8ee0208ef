// Package highlight holds the per-viewer editing session for one document: the
// committed highlight cache kept in sync by the live feed, plus the single
// pending (uncommitted) selection being worked on.
package highlight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Mwoyoungo/pagely/internal/geometry"
	"github.com/Mwoyoungo/pagely/internal/store"
)

// ErrNoPending is returned by Commit when there is no pending highlight to
// commit, including when a concurrent Commit already claimed it.
var ErrNoPending = errors.New("no pending highlight to commit")

// Feed is the slice of the sync channel a session needs.
type Feed interface {
	Subscribe(ctx context.Context, docID string, onUpdate func([]store.Highlight)) (func(), error)
	PublishCreate(ctx context.Context, docID string, draft store.Highlight, author store.User) (store.Highlight, error)
}

// Session tracks one user's view of one document. The committed cache is
// replaced wholesale on every feed delivery; local mutations only ever touch
// the pending slot.
type Session struct {
	docID string
	user  store.User
	feed  Feed

	mu        sync.Mutex
	committed []store.Highlight
	pending   *store.Highlight
	loading   bool

	cancel    func()
	closeOnce sync.Once
}

// NewSession subscribes to the document's live feed. The listener, when
// non-nil, observes every committed snapshot after the session's cache has
// been replaced.
func NewSession(ctx context.Context, docID string, user store.User, feed Feed, listener func([]store.Highlight)) (*Session, error) {
	s := &Session{
		docID:   docID,
		user:    user,
		feed:    feed,
		loading: true,
	}
	cancel, err := feed.Subscribe(ctx, docID, func(items []store.Highlight) {
		s.mu.Lock()
		s.committed = items
		s.loading = false
		s.mu.Unlock()
		if listener != nil {
			listener(items)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to highlight feed: %w", err)
	}
	s.cancel = cancel
	return s, nil
}

// Loading reports whether the first snapshot has arrived yet.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// CreatePending stages a new highlight from the current text selection. It
// returns nil when the selection is unusable: blank-after-trim text, a missing
// identity, a page below 1, or a position outside the unit square. At most one
// pending highlight exists; a new one replaces the previous.
func (s *Session) CreatePending(selectedText string, position geometry.Rect, pageNumber int) *store.Highlight {
	text := strings.TrimSpace(selectedText)
	if text == "" || s.user.ID == "" || pageNumber < 1 || !position.Valid() {
		return nil
	}

	pending := &store.Highlight{
		ID:         "pending_" + uuid.NewString(),
		DocumentID: s.docID,
		Text:       text,
		PageNumber: pageNumber,
		Position:   position,
		CreatedBy:  s.user.ID,
	}

	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()

	copied := *pending
	return &copied
}

// FindOverlapping returns the first committed highlight on the same page whose
// position overlaps the given rectangle, or nil. Pending highlights are never
// considered.
func (s *Session) FindOverlapping(position geometry.Rect, pageNumber int) *store.Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.committed {
		if s.committed[i].PageNumber != pageNumber {
			continue
		}
		if geometry.Overlaps(s.committed[i].Position, position) {
			found := s.committed[i]
			return &found
		}
	}
	return nil
}

// Commit publishes the pending highlight, optionally with a help request
// riding along. The pending slot is claimed and cleared under the lock before
// publishing, so a racing second Commit gets ErrNoPending instead of a
// duplicate write. On publish failure the slot stays empty; the caller
// re-selects.
func (s *Session) Commit(ctx context.Context, helpRequest *store.HelpRequest) (store.Highlight, error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending == nil {
		return store.Highlight{}, ErrNoPending
	}

	draft := *pending
	draft.ID = ""
	draft.HelpRequest = helpRequest

	created, err := s.feed.PublishCreate(ctx, s.docID, draft, s.user)
	if err != nil {
		return store.Highlight{}, fmt.Errorf("commit highlight: %w", err)
	}
	return created, nil
}

// CancelPending discards the pending highlight without side effects.
func (s *Session) CancelPending() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// Pending returns a copy of the pending highlight, or nil.
func (s *Session) Pending() *store.Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	copied := *s.pending
	return &copied
}

// HighlightsForPage returns the committed highlights on one page, oldest
// first.
func (s *Session) HighlightsForPage(pageNumber int) []store.Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := make([]store.Highlight, 0)
	for _, h := range s.committed {
		if h.PageNumber == pageNumber {
			page = append(page, h)
		}
	}
	sort.SliceStable(page, func(i, j int) bool { return page[i].CreatedAt.Before(page[j].CreatedAt) })
	return page
}

// Highlights returns the full committed cache.
func (s *Session) Highlights() []store.Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]store.Highlight, len(s.committed))
	copy(items, s.committed)
	return items
}

// Close revokes the feed subscription. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(s.cancel)
}
