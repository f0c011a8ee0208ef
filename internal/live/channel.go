// Package live synchronizes a document's highlight collection across
// participants. Writes go to the authoritative store and publish a wakeup on
// the document's Redis channel; every subscriber then re-reads the full
// collection and replaces its local cache (snapshot-replace, not patch-merge).
// This trades fine-grained merging for simple consistency, which is acceptable
// for per-document highlight counts.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Mwoyoungo/pagely/internal/store"
	"github.com/Mwoyoungo/pagely/internal/util"
)

// ErrNotOwner is returned when someone other than the creator tries to delete
// a highlight.
var ErrNotOwner = errors.New("only the highlight creator can delete it")

// likeRetries bounds the optimistic read-modify-write loop on explanation
// likes. The loop exists so a like racing a concurrent append never drops the
// appended explanation.
const likeRetries = 5

type highlightStore interface {
	InsertHighlight(context.Context, store.Highlight) error
	ListHighlights(context.Context, string) ([]store.Highlight, error)
	GetHighlight(context.Context, string, string) (store.Highlight, error)
	SetHelpRequest(context.Context, string, string, store.HelpRequest) error
	AppendVoiceExplanation(context.Context, string, string, store.VoiceExplanation) error
	ReplaceVoiceExplanations(context.Context, string, string, []store.VoiceExplanation, int64) (bool, error)
	DeleteHighlight(context.Context, string, string) error
	BumpDocumentStats(context.Context, string, string, store.StatsDelta) error
}

type Channel struct {
	store highlightStore
	rdb   *redis.Client
	log   zerolog.Logger
}

func NewChannel(dataStore *store.PostgresStore, rdb *redis.Client, log zerolog.Logger) *Channel {
	return &Channel{store: dataStore, rdb: rdb, log: log}
}

// NewChannelWithStore builds a channel on any highlight store implementation.
func NewChannelWithStore(dataStore highlightStore, rdb *redis.Client, log zerolog.Logger) *Channel {
	return &Channel{store: dataStore, rdb: rdb, log: log}
}

func (c *Channel) feedKey(docID string) string {
	return "highlights:" + docID
}

// Subscribe opens a live feed for one document. The full current collection,
// ordered by creation time ascending, is delivered first and again after
// every change. The pub/sub registration is confirmed before the initial
// snapshot is read, so a write landing between the two queues a wakeup
// instead of vanishing; all deliveries run on one goroutine, so a refresh can
// never be overwritten by the older initial snapshot. The returned cancel
// func revokes the subscription; it is idempotent and must be called when the
// owning document scope ends, or the subscription leaks and keeps delivering
// cross-document updates.
func (c *Channel) Subscribe(ctx context.Context, docID string, onUpdate func([]store.Highlight)) (func(), error) {
	pubsub := c.rdb.Subscribe(ctx, c.feedKey(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to highlight feed: %w", err)
	}

	items, err := c.store.ListHighlights(ctx, docID)
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("initial highlight snapshot: %w", err)
	}

	runCtx, stop := context.WithCancel(context.Background())

	go func() {
		onUpdate(items)
		events := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				items, err := c.store.ListHighlights(runCtx, docID)
				if err != nil {
					c.log.Warn().Err(err).Str("doc", docID).Msg("highlight snapshot refresh failed")
					continue
				}
				onUpdate(items)
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

// PublishCreate persists a new highlight with a server-assigned id and
// timestamp and wakes the document's subscribers. Counter bookkeeping on the
// parent document is best-effort and never fails the creation.
func (c *Channel) PublishCreate(ctx context.Context, docID string, draft store.Highlight, author store.User) (store.Highlight, error) {
	now := time.Now().UTC()

	highlight := draft
	highlight.ID = util.NewID("hl")
	highlight.DocumentID = docID
	highlight.CreatedBy = author.ID
	highlight.CreatedByName = author.Name()
	highlight.CreatedByPhoto = author.PhotoURL
	highlight.CreatedAt = now
	if highlight.Color == "" {
		highlight.Color = "#ffeb3b"
	}
	highlight.VoiceExplanations = []store.VoiceExplanation{}
	if highlight.HelpRequest != nil {
		req := *highlight.HelpRequest
		req.ID = util.NewID("help")
		req.RequestedBy = author.ID
		req.RequestedByName = author.Name()
		req.RequestedAt = now
		req.Status = "open"
		highlight.HelpRequest = &req
	}
	highlight.NeedsHelp = highlight.HelpRequest != nil
	highlight.Version = 1

	if err := c.store.InsertHighlight(ctx, highlight); err != nil {
		return store.Highlight{}, err
	}

	delta := store.StatsDelta{Highlights: 1}
	if highlight.HelpRequest != nil {
		delta.HelpRequestsOpen = 1
	}
	c.bumpStats(ctx, docID, author.ID, delta)
	c.wake(ctx, docID)
	return highlight, nil
}

// PublishHelpRequest attaches a help request to an already-committed
// highlight.
func (c *Channel) PublishHelpRequest(ctx context.Context, docID, highlightID string, req store.HelpRequest, requester store.User) error {
	req.ID = util.NewID("help")
	req.RequestedBy = requester.ID
	req.RequestedByName = requester.Name()
	req.RequestedAt = time.Now().UTC()
	req.Status = "open"

	if err := c.store.SetHelpRequest(ctx, docID, highlightID, req); err != nil {
		return err
	}
	c.bumpStats(ctx, docID, requester.ID, store.StatsDelta{HelpRequestsOpen: 1})
	c.wake(ctx, docID)
	return nil
}

// PublishAttachment appends one explanation to a highlight. The store performs
// the append, the needs_help flip, and the help-request resolution in a single
// atomic update, so a concurrent second attachment is never dropped.
func (c *Channel) PublishAttachment(ctx context.Context, docID, highlightID string, explanation store.VoiceExplanation) error {
	if err := c.store.AppendVoiceExplanation(ctx, docID, highlightID, explanation); err != nil {
		return err
	}
	c.bumpStats(ctx, docID, explanation.RecordedBy, store.StatsDelta{
		VoiceExplanations: 1,
		HelpRequestsOpen:  -1,
	})
	c.wake(ctx, docID)
	return nil
}

// PublishDelete removes a highlight. Only its creator may delete it.
func (c *Channel) PublishDelete(ctx context.Context, docID, highlightID, userID string) error {
	highlight, err := c.store.GetHighlight(ctx, docID, highlightID)
	if err != nil {
		return err
	}
	if highlight.CreatedBy != userID {
		return ErrNotOwner
	}
	if err := c.store.DeleteHighlight(ctx, docID, highlightID); err != nil {
		return err
	}
	delta := store.StatsDelta{Highlights: -1}
	if highlight.NeedsHelp {
		delta.HelpRequestsOpen = -1
	}
	c.bumpStats(ctx, docID, userID, delta)
	c.wake(ctx, docID)
	return nil
}

// PublishLike increments the like count on one explanation. The explanation
// list has no single-element update primitive, so this re-reads and rewrites
// the list inside a version-guarded retry loop.
func (c *Channel) PublishLike(ctx context.Context, docID, highlightID, voiceID string) error {
	for attempt := 0; attempt < likeRetries; attempt++ {
		highlight, err := c.store.GetHighlight(ctx, docID, highlightID)
		if err != nil {
			return err
		}

		found := false
		updated := make([]store.VoiceExplanation, len(highlight.VoiceExplanations))
		copy(updated, highlight.VoiceExplanations)
		for i := range updated {
			if updated[i].ID == voiceID {
				updated[i].Likes++
				updated[i].IsHelpful = true
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("voice explanation %s not found on highlight %s", voiceID, highlightID)
		}

		swapped, err := c.store.ReplaceVoiceExplanations(ctx, docID, highlightID, updated, highlight.Version)
		if err != nil {
			return err
		}
		if swapped {
			c.wake(ctx, docID)
			return nil
		}
	}
	return fmt.Errorf("like contended %d times on highlight %s", likeRetries, highlightID)
}

func (c *Channel) bumpStats(ctx context.Context, docID, userID string, delta store.StatsDelta) {
	if err := c.store.BumpDocumentStats(ctx, docID, userID, delta); err != nil {
		c.log.Warn().Err(err).Str("doc", docID).Msg("document stats bump failed")
	}
}

func (c *Channel) wake(ctx context.Context, docID string) {
	if err := c.rdb.Publish(ctx, c.feedKey(docID), "changed").Err(); err != nil {
		c.log.Warn().Err(err).Str("doc", docID).Msg("highlight wakeup publish failed")
	}
}
