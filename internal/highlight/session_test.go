package highlight

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mwoyoungo/pagely/internal/geometry"
	"github.com/Mwoyoungo/pagely/internal/store"
	"github.com/Mwoyoungo/pagely/internal/util"
)

// fakeFeed drives a session without redis: published highlights land in an
// in-memory list and are pushed back to every subscriber.
type fakeFeed struct {
	mu          sync.Mutex
	items       []store.Highlight
	subscribers []func([]store.Highlight)
	publishErr  error
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string, onUpdate func([]store.Highlight)) (func(), error) {
	f.mu.Lock()
	f.subscribers = append(f.subscribers, onUpdate)
	items := append([]store.Highlight(nil), f.items...)
	f.mu.Unlock()
	onUpdate(items)
	return func() {}, nil
}

func (f *fakeFeed) PublishCreate(_ context.Context, docID string, draft store.Highlight, author store.User) (store.Highlight, error) {
	f.mu.Lock()
	if f.publishErr != nil {
		defer f.mu.Unlock()
		return store.Highlight{}, f.publishErr
	}
	created := draft
	created.ID = util.NewID("hl")
	created.DocumentID = docID
	created.CreatedBy = author.ID
	created.CreatedByName = author.Name()
	created.CreatedAt = time.Now().UTC().Add(time.Duration(len(f.items)) * time.Millisecond)
	created.NeedsHelp = created.HelpRequest != nil
	f.items = append(f.items, created)
	items := append([]store.Highlight(nil), f.items...)
	subscribers := append(([]func([]store.Highlight))(nil), f.subscribers...)
	f.mu.Unlock()
	for _, deliver := range subscribers {
		deliver(items)
	}
	return created, nil
}

var viewer = store.User{ID: "u1", DisplayName: "Ada"}

func newTestSession(t *testing.T, feed Feed) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), "doc-1", viewer, feed, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func rect(x, y, w, h float64) geometry.Rect {
	return geometry.Rect{X: x, Y: y, Width: w, Height: h}
}

func TestLoadingClearsAfterFirstSnapshot(t *testing.T) {
	s := newTestSession(t, &fakeFeed{})
	if s.Loading() {
		t.Error("loading must clear once the initial snapshot arrives")
	}
}

func TestCreatePendingValidation(t *testing.T) {
	s := newTestSession(t, &fakeFeed{})

	if s.CreatePending("   \n\t ", rect(0.1, 0.1, 0.2, 0.03), 1) != nil {
		t.Error("blank-after-trim text must not create a pending highlight")
	}
	if s.CreatePending("text", rect(0.1, 0.1, 0.2, 0.03), 0) != nil {
		t.Error("page below 1 must not create a pending highlight")
	}
	if s.CreatePending("text", rect(-0.1, 0.1, 0.2, 0.03), 1) != nil {
		t.Error("position outside the unit square must not create a pending highlight")
	}

	anonymous, err := NewSession(context.Background(), "doc-1", store.User{}, &fakeFeed{}, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer anonymous.Close()
	if anonymous.CreatePending("text", rect(0.1, 0.1, 0.2, 0.03), 1) != nil {
		t.Error("missing identity must not create a pending highlight")
	}
}

func TestCreatePendingAssignsPendingID(t *testing.T) {
	s := newTestSession(t, &fakeFeed{})

	pending := s.CreatePending("  neural networks  ", rect(0.1, 0.2, 0.3, 0.03), 2)
	if pending == nil {
		t.Fatal("expected a pending highlight")
	}
	if !strings.HasPrefix(pending.ID, "pending_") {
		t.Errorf("pending id must carry the pending_ prefix, got %q", pending.ID)
	}
	if pending.Text != "neural networks" {
		t.Errorf("text must be trimmed, got %q", pending.Text)
	}
}

func TestSecondPendingReplacesFirst(t *testing.T) {
	s := newTestSession(t, &fakeFeed{})

	first := s.CreatePending("first", rect(0.1, 0.1, 0.2, 0.03), 1)
	second := s.CreatePending("second", rect(0.5, 0.5, 0.2, 0.03), 1)
	if first == nil || second == nil {
		t.Fatal("expected both pendings to stage")
	}
	if got := s.Pending(); got == nil || got.ID != second.ID {
		t.Fatalf("expected second pending to replace the first, got %+v", got)
	}
}

func TestCommitPublishesAndClearsPending(t *testing.T) {
	feed := &fakeFeed{}
	s := newTestSession(t, feed)

	s.CreatePending("neural networks", rect(0.1, 0.2, 0.3, 0.03), 2)
	created, err := s.Commit(context.Background(), nil)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if strings.HasPrefix(created.ID, "pending_") {
		t.Errorf("committed highlight must get a persisted id, got %q", created.ID)
	}
	if s.Pending() != nil {
		t.Error("pending slot must be empty after commit")
	}
	if created.NeedsHelp {
		t.Error("commit without help request must not need help")
	}

	if _, err := s.Commit(context.Background(), nil); !errors.Is(err, ErrNoPending) {
		t.Fatalf("second commit must fail with ErrNoPending, got %v", err)
	}
}

func TestCommitWithHelpRequest(t *testing.T) {
	s := newTestSession(t, &fakeFeed{})

	s.CreatePending("gradient descent", rect(0.2, 0.4, 0.25, 0.03), 3)
	created, err := s.Commit(context.Background(), &store.HelpRequest{Type: "explain"})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !created.NeedsHelp {
		t.Error("commit with help request must need help")
	}
}

func TestCommitFailureLeavesSlotEmpty(t *testing.T) {
	feed := &fakeFeed{publishErr: errors.New("store down")}
	s := newTestSession(t, feed)

	s.CreatePending("text", rect(0.1, 0.1, 0.2, 0.03), 1)
	if _, err := s.Commit(context.Background(), nil); err == nil {
		t.Fatal("expected publish failure to surface")
	}
	if s.Pending() != nil {
		t.Error("failed commit must not restore the pending slot")
	}
}

func TestCancelPendingDiscards(t *testing.T) {
	feed := &fakeFeed{}
	s := newTestSession(t, feed)

	s.CreatePending("text", rect(0.1, 0.1, 0.2, 0.03), 1)
	s.CancelPending()
	if s.Pending() != nil {
		t.Error("cancel must clear the pending slot")
	}
	if len(feed.items) != 0 {
		t.Error("cancel must not publish anything")
	}
}

func TestFindOverlappingIgnoresPendingAndOtherPages(t *testing.T) {
	s := newTestSession(t, &fakeFeed{})

	s.CreatePending("pending only", rect(0.1, 0, 0.2, 0.03), 1)
	if s.FindOverlapping(rect(0.1, 0, 0.2, 0.03), 1) != nil {
		t.Error("pending highlights must never match")
	}

	if _, err := s.Commit(context.Background(), nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if s.FindOverlapping(rect(0.1, 0, 0.2, 0.03), 1) == nil {
		t.Error("expected overlap with committed highlight on the same page")
	}
	if s.FindOverlapping(rect(0.1, 0, 0.2, 0.03), 2) != nil {
		t.Error("other pages must never match")
	}
	if s.FindOverlapping(rect(0.6, 0, 0.1, 0.03), 1) != nil {
		t.Error("disjoint rectangles must not match")
	}
}

func TestTwoNonOverlappingCommitsBothVisible(t *testing.T) {
	s := newTestSession(t, &fakeFeed{})

	s.CreatePending("first", rect(0, 0, 0.1, 0.03), 1)
	if _, err := s.Commit(context.Background(), nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	s.CreatePending("second", rect(0.5, 0, 0.1, 0.03), 1)
	if _, err := s.Commit(context.Background(), nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	page := s.HighlightsForPage(1)
	if len(page) != 2 {
		t.Fatalf("expected both highlights on page 1, got %d", len(page))
	}
	if page[0].Text != "first" || page[1].Text != "second" {
		t.Errorf("expected createdAt-ascending order, got %q then %q", page[0].Text, page[1].Text)
	}
}

func TestConcurrentCommitsProduceOneWrite(t *testing.T) {
	feed := &fakeFeed{}
	s := newTestSession(t, feed)
	s.CreatePending("contended", rect(0.1, 0.1, 0.2, 0.03), 1)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Commit(context.Background(), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrNoPending) {
			t.Fatalf("unexpected commit error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one commit must win, got %d", succeeded)
	}
	if len(feed.items) != 1 {
		t.Fatalf("exactly one highlight must be written, got %d", len(feed.items))
	}
}
