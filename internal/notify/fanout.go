// Package notify delivers per-user notifications when a voice explanation is
// attached to someone's highlight. Rows live in postgres; a Redis wakeup
// channel per recipient drives live unread feeds.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Mwoyoungo/pagely/internal/store"
	"github.com/Mwoyoungo/pagely/internal/util"
)

// unreadLimit caps the live unread feed at the newest entries.
const unreadLimit = 10

type notificationStore interface {
	InsertNotification(context.Context, store.Notification) error
	ListUnreadNotifications(context.Context, string, int) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) error
	MarkAllNotificationsRead(context.Context, string) error
}

type Fanout struct {
	store notificationStore
	rdb   *redis.Client
	log   zerolog.Logger
}

func NewFanout(dataStore *store.PostgresStore, rdb *redis.Client, log zerolog.Logger) *Fanout {
	return &Fanout{store: dataStore, rdb: rdb, log: log}
}

// NewFanoutWithStore builds a fanout on any notification store implementation.
func NewFanoutWithStore(dataStore notificationStore, rdb *redis.Client, log zerolog.Logger) *Fanout {
	return &Fanout{store: dataStore, rdb: rdb, log: log}
}

func (f *Fanout) feedKey(userID string) string {
	return "notify:" + userID
}

// ExplanationAttached notifies a highlight's creator that someone recorded an
// explanation for it. Self-explanations and unknown recipients are silently
// skipped; nobody is notified about their own recording.
func (f *Fanout) ExplanationAttached(ctx context.Context, docID, highlightID string, helper store.User, recipientID string) error {
	if recipientID == "" || recipientID == helper.ID {
		return nil
	}

	notification := store.Notification{
		ID:           util.NewID("ntf"),
		Type:         "voice_explanation",
		DocID:        docID,
		HighlightID:  highlightID,
		FromUserID:   helper.ID,
		FromUserName: helper.Name(),
		ToUserID:     recipientID,
		Message:      fmt.Sprintf("%s recorded a voice explanation for your highlight", helper.Name()),
		CreatedAt:    time.Now().UTC(),
	}
	if err := f.store.InsertNotification(ctx, notification); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	f.wake(ctx, recipientID)
	return nil
}

// Unread returns the recipient's unread notifications, newest first, capped at
// the feed limit.
func (f *Fanout) Unread(ctx context.Context, userID string) ([]store.Notification, error) {
	return f.store.ListUnreadNotifications(ctx, userID, unreadLimit)
}

// MarkRead marks one of the caller's notifications read. Already-read rows and
// rows addressed to someone else are a no-op.
func (f *Fanout) MarkRead(ctx context.Context, userID, notificationID string) error {
	if err := f.store.MarkNotificationRead(ctx, userID, notificationID); err != nil {
		return err
	}
	f.wake(ctx, userID)
	return nil
}

// MarkAllRead clears the recipient's entire unread set. Idempotent.
func (f *Fanout) MarkAllRead(ctx context.Context, userID string) error {
	if err := f.store.MarkAllNotificationsRead(ctx, userID); err != nil {
		return err
	}
	f.wake(ctx, userID)
	return nil
}

// SubscribeUnread delivers the recipient's unread list first and again after
// every change. The wakeup subscription is confirmed before the initial list
// read, so a notification inserted in between queues a refresh rather than
// going unseen; one goroutine performs all deliveries. The returned cancel
// func is idempotent.
func (f *Fanout) SubscribeUnread(ctx context.Context, userID string, onList func([]store.Notification)) (func(), error) {
	pubsub := f.rdb.Subscribe(ctx, f.feedKey(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to notification events: %w", err)
	}

	items, err := f.Unread(ctx, userID)
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("initial unread list: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())

	go func() {
		onList(items)
		events := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				items, err := f.Unread(runCtx, userID)
				if err != nil {
					f.log.Warn().Err(err).Str("user", userID).Msg("unread list refresh failed")
					continue
				}
				onList(items)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			_ = pubsub.Close()
		})
	}
	return cancel, nil
}

func (f *Fanout) wake(ctx context.Context, userID string) {
	if err := f.rdb.Publish(ctx, f.feedKey(userID), "changed").Err(); err != nil {
		f.log.Warn().Err(err).Str("user", userID).Msg("notification wakeup publish failed")
	}
}
