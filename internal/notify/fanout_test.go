package notify

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Mwoyoungo/pagely/internal/store"
)

type memNotifications struct {
	mu    sync.Mutex
	items []store.Notification
}

func (m *memNotifications) InsertNotification(_ context.Context, n store.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	return nil
}

func (m *memNotifications) ListUnreadNotifications(_ context.Context, userID string, limit int) ([]store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unread := make([]store.Notification, 0)
	for _, n := range m.items {
		if n.ToUserID == userID && !n.Read {
			unread = append(unread, n)
		}
	}
	sort.SliceStable(unread, func(i, j int) bool { return unread[i].CreatedAt.After(unread[j].CreatedAt) })
	if len(unread) > limit {
		unread = unread[:limit]
	}
	return unread, nil
}

func (m *memNotifications) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == notificationID && m.items[i].ToUserID == userID && !m.items[i].Read {
			now := time.Now().UTC()
			m.items[i].Read = true
			m.items[i].ReadAt = &now
		}
	}
	return nil
}

func (m *memNotifications) MarkAllNotificationsRead(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ToUserID == userID && !m.items[i].Read {
			now := time.Now().UTC()
			m.items[i].Read = true
			m.items[i].ReadAt = &now
		}
	}
	return nil
}

func setupFanout(t *testing.T) (*Fanout, *memNotifications) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mem := &memNotifications{}
	return NewFanoutWithStore(mem, client, zerolog.Nop()), mem
}

var grace = store.User{ID: "u2", DisplayName: "Grace"}

func TestExplanationAttachedTargetsCreator(t *testing.T) {
	fanout, _ := setupFanout(t)
	ctx := context.Background()

	if err := fanout.ExplanationAttached(ctx, "doc-1", "hl-1", grace, "u1"); err != nil {
		t.Fatalf("ExplanationAttached failed: %v", err)
	}

	unread, err := fanout.Unread(ctx, "u1")
	if err != nil {
		t.Fatalf("Unread failed: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("expected exactly 1 notification for the creator, got %d", len(unread))
	}
	got := unread[0]
	if got.Message != "Grace recorded a voice explanation for your highlight" {
		t.Errorf("unexpected message: %q", got.Message)
	}
	if got.Type != "voice_explanation" || got.FromUserID != "u2" || got.HighlightID != "hl-1" {
		t.Errorf("unexpected notification fields: %+v", got)
	}

	// Nobody else hears about it.
	other, _ := fanout.Unread(ctx, "u3")
	if len(other) != 0 {
		t.Errorf("expected no notifications for bystanders, got %d", len(other))
	}
}

func TestSelfExplanationIsSuppressed(t *testing.T) {
	fanout, mem := setupFanout(t)

	if err := fanout.ExplanationAttached(context.Background(), "doc-1", "hl-1", grace, grace.ID); err != nil {
		t.Fatalf("ExplanationAttached failed: %v", err)
	}
	if len(mem.items) != 0 {
		t.Errorf("explaining your own highlight must not notify, got %d rows", len(mem.items))
	}
}

func TestEmptyRecipientIsSuppressed(t *testing.T) {
	fanout, mem := setupFanout(t)

	if err := fanout.ExplanationAttached(context.Background(), "doc-1", "hl-1", grace, ""); err != nil {
		t.Fatalf("ExplanationAttached failed: %v", err)
	}
	if len(mem.items) != 0 {
		t.Errorf("missing recipient must not notify, got %d rows", len(mem.items))
	}
}

func TestUnreadNewestFirstAndCapped(t *testing.T) {
	fanout, mem := setupFanout(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 15; i++ {
		mem.items = append(mem.items, store.Notification{
			ID:        string(rune('a' + i)),
			ToUserID:  "u1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	unread, err := fanout.Unread(ctx, "u1")
	if err != nil {
		t.Fatalf("Unread failed: %v", err)
	}
	if len(unread) != unreadLimit {
		t.Fatalf("expected feed capped at %d, got %d", unreadLimit, len(unread))
	}
	for i := 1; i < len(unread); i++ {
		if unread[i].CreatedAt.After(unread[i-1].CreatedAt) {
			t.Fatal("unread feed must be newest first")
		}
	}
}

func TestMarkReadAndMarkAllReadIdempotent(t *testing.T) {
	fanout, _ := setupFanout(t)
	ctx := context.Background()

	_ = fanout.ExplanationAttached(ctx, "doc-1", "hl-1", grace, "u1")
	_ = fanout.ExplanationAttached(ctx, "doc-1", "hl-2", grace, "u1")

	unread, _ := fanout.Unread(ctx, "u1")
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(unread))
	}

	if err := fanout.MarkRead(ctx, "u1", unread[0].ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	// Marking the same row again is a no-op, not an error.
	if err := fanout.MarkRead(ctx, "u1", unread[0].ID); err != nil {
		t.Fatalf("repeated MarkRead failed: %v", err)
	}
	remaining, _ := fanout.Unread(ctx, "u1")
	if len(remaining) != 1 {
		t.Fatalf("expected 1 unread after MarkRead, got %d", len(remaining))
	}

	if err := fanout.MarkAllRead(ctx, "u1"); err != nil {
		t.Fatalf("MarkAllRead failed: %v", err)
	}
	if err := fanout.MarkAllRead(ctx, "u1"); err != nil {
		t.Fatalf("repeated MarkAllRead failed: %v", err)
	}
	empty, _ := fanout.Unread(ctx, "u1")
	if len(empty) != 0 {
		t.Fatalf("expected empty unread after MarkAllRead, got %d", len(empty))
	}
}

func TestMarkReadScopedToRecipient(t *testing.T) {
	fanout, _ := setupFanout(t)
	ctx := context.Background()

	_ = fanout.ExplanationAttached(ctx, "doc-1", "hl-1", grace, "u1")
	unread, _ := fanout.Unread(ctx, "u1")
	if len(unread) != 1 {
		t.Fatalf("expected 1 unread, got %d", len(unread))
	}

	// Another authenticated user cannot clear u1's notification.
	if err := fanout.MarkRead(ctx, "u3", unread[0].ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	still, _ := fanout.Unread(ctx, "u1")
	if len(still) != 1 {
		t.Fatalf("notification must stay unread after a foreign MarkRead, got %d", len(still))
	}

	if err := fanout.MarkRead(ctx, "u1", unread[0].ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	cleared, _ := fanout.Unread(ctx, "u1")
	if len(cleared) != 0 {
		t.Fatalf("expected recipient's own MarkRead to clear, got %d", len(cleared))
	}
}

func TestSubscribeUnreadDeliversOnAttach(t *testing.T) {
	fanout, _ := setupFanout(t)
	ctx := context.Background()

	updates := make(chan []store.Notification, 8)
	cancel, err := fanout.SubscribeUnread(ctx, "u1", func(items []store.Notification) {
		updates <- items
	})
	if err != nil {
		t.Fatalf("SubscribeUnread failed: %v", err)
	}
	defer cancel()

	initial := <-updates
	if len(initial) != 0 {
		t.Fatalf("expected empty initial feed, got %d", len(initial))
	}

	if err := fanout.ExplanationAttached(ctx, "doc-1", "hl-1", grace, "u1"); err != nil {
		t.Fatalf("ExplanationAttached failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case items := <-updates:
			if len(items) == 1 {
				cancel()
				cancel() // idempotent
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for unread feed update")
		}
	}
}
