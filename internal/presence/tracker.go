// Package presence tracks who is currently viewing a document, backed by
// Redis. One record exists per (document, user) pair; it is refreshed by a
// periodic heartbeat and removed on leave. Leave delivery on page unload is
// best-effort, so the roster read applies a staleness cutoff instead of
// trusting explicit departures alone.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Mwoyoungo/pagely/internal/store"
)

// HeartbeatInterval is the cadence at which open document views refresh their
// presence record.
const HeartbeatInterval = 30 * time.Second

// staleAfter drops records whose last activity is older than three missed
// heartbeats.
const staleAfter = 3 * HeartbeatInterval

// Record is one user's live presence on one document.
type Record struct {
	UserID       string    `json:"uid"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email,omitempty"`
	PhotoURL     string    `json:"photoURL,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IsRecording  bool      `json:"isRecording"`
}

type Tracker struct {
	client *redis.Client
	log    zerolog.Logger
	now    func() time.Time
}

func NewTracker(client *redis.Client, log zerolog.Logger) *Tracker {
	return &Tracker{client: client, log: log, now: time.Now}
}

func (t *Tracker) key(docID string) string {
	return "presence:" + docID
}

func (t *Tracker) eventsKey(docID string) string {
	return "presence:" + docID + ":events"
}

// Join upserts the caller's presence record. Re-joining overwrites the
// previous record, resetting JoinedAt and the recording flag.
func (t *Tracker) Join(ctx context.Context, docID string, user store.User) error {
	if user.ID == "" {
		return fmt.Errorf("join requires an authenticated user")
	}
	now := t.now().UTC()
	record := Record{
		UserID:       user.ID,
		DisplayName:  user.Name(),
		Email:        user.Email,
		PhotoURL:     user.PhotoURL,
		JoinedAt:     now,
		LastActivity: now,
		IsRecording:  false,
	}
	if err := t.write(ctx, docID, record); err != nil {
		return fmt.Errorf("join document: %w", err)
	}
	t.wake(ctx, docID)
	return nil
}

// Heartbeat refreshes LastActivity only. Heartbeats are background traffic:
// failures are logged and swallowed.
func (t *Tracker) Heartbeat(ctx context.Context, docID, userID string) {
	record, err := t.read(ctx, docID, userID)
	if err != nil {
		t.log.Warn().Err(err).Str("doc", docID).Str("user", userID).Msg("presence heartbeat failed")
		return
	}
	record.LastActivity = t.now().UTC()
	if err := t.write(ctx, docID, record); err != nil {
		t.log.Warn().Err(err).Str("doc", docID).Str("user", userID).Msg("presence heartbeat failed")
		return
	}
	t.wake(ctx, docID)
}

// SetRecording flips the caller's recording flag, driving the
// "X is recording…" indicator on other participants' rosters.
func (t *Tracker) SetRecording(ctx context.Context, docID, userID string, recording bool) error {
	record, err := t.read(ctx, docID, userID)
	if err != nil {
		return fmt.Errorf("set recording: %w", err)
	}
	record.IsRecording = recording
	record.LastActivity = t.now().UTC()
	if err := t.write(ctx, docID, record); err != nil {
		return fmt.Errorf("set recording: %w", err)
	}
	t.wake(ctx, docID)
	return nil
}

// Leave removes the record. It is invoked on normal navigation away and
// opportunistically on page unload, so failures are logged and swallowed.
func (t *Tracker) Leave(ctx context.Context, docID, userID string) {
	if err := t.client.HDel(ctx, t.key(docID), userID).Err(); err != nil {
		t.log.Warn().Err(err).Str("doc", docID).Str("user", userID).Msg("presence leave failed")
		return
	}
	t.wake(ctx, docID)
}

// Roster returns the document's live participants sorted by join time. Records
// beyond the staleness cutoff are dropped from the result and lazily deleted,
// covering users whose leave never arrived.
func (t *Tracker) Roster(ctx context.Context, docID string) ([]Record, error) {
	values, err := t.client.HGetAll(ctx, t.key(docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	cutoff := t.now().UTC().Add(-staleAfter)
	roster := make([]Record, 0, len(values))
	for field, value := range values {
		var record Record
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			t.log.Warn().Err(err).Str("doc", docID).Str("user", field).Msg("dropping unreadable presence record")
			continue
		}
		if record.LastActivity.Before(cutoff) {
			if err := t.client.HDel(ctx, t.key(docID), field).Err(); err != nil {
				t.log.Warn().Err(err).Str("doc", docID).Str("user", field).Msg("stale presence cleanup failed")
			}
			continue
		}
		roster = append(roster, record)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].UserID < roster[j].UserID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster, nil
}

// Subscribe delivers the current roster first and again after every presence
// change on the document. Registration on the wakeup channel is confirmed
// before the initial roster read, so a join or leave landing in between queues
// a refresh rather than going unseen; one goroutine performs all deliveries.
// The returned cancel func is idempotent and must be called when the consuming
// scope ends.
func (t *Tracker) Subscribe(ctx context.Context, docID string, onRoster func([]Record)) (func(), error) {
	pubsub := t.client.Subscribe(ctx, t.eventsKey(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to presence events: %w", err)
	}

	roster, err := t.Roster(ctx, docID)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	runCtx, stop := context.WithCancel(context.Background())

	go func() {
		onRoster(roster)
		events := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				roster, err := t.Roster(runCtx, docID)
				if err != nil {
					t.log.Warn().Err(err).Str("doc", docID).Msg("roster refresh failed")
					continue
				}
				onRoster(roster)
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

// RecordingUsers filters a roster down to participants currently recording.
func RecordingUsers(roster []Record) []Record {
	recording := make([]Record, 0)
	for _, record := range roster {
		if record.IsRecording {
			recording = append(recording, record)
		}
	}
	return recording
}

func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *Tracker) read(ctx context.Context, docID, userID string) (Record, error) {
	value, err := t.client.HGet(ctx, t.key(docID), userID).Result()
	if err == redis.Nil {
		return Record{}, fmt.Errorf("user %s is not present on document %s", userID, docID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read presence record: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return Record{}, fmt.Errorf("unmarshal presence record: %w", err)
	}
	return record, nil
}

func (t *Tracker) write(ctx context.Context, docID string, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	if err := t.client.HSet(ctx, t.key(docID), record.UserID, data).Err(); err != nil {
		return fmt.Errorf("write presence record: %w", err)
	}
	return nil
}

// wake nudges roster subscribers. Best-effort: a missed wakeup only delays the
// next roster refresh.
func (t *Tracker) wake(ctx context.Context, docID string) {
	if err := t.client.Publish(ctx, t.eventsKey(docID), "changed").Err(); err != nil {
		t.log.Warn().Err(err).Str("doc", docID).Msg("presence wakeup publish failed")
	}
}
