package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mwoyoungo/pagely/internal/geometry"
	"github.com/Mwoyoungo/pagely/internal/highlight"
	"github.com/Mwoyoungo/pagely/internal/live"
	"github.com/Mwoyoungo/pagely/internal/presence"
	"github.com/Mwoyoungo/pagely/internal/store"
	"github.com/Mwoyoungo/pagely/internal/util"
)

// helpTypes are the request categories offered by the help popup.
var helpTypes = map[string]bool{
	"explain": true,
	"example": true,
	"buddy":   true,
}

type dataStore interface {
	ListHighlights(ctx context.Context, docID string) ([]store.Highlight, error)
	GetHighlight(ctx context.Context, docID, highlightID string) (store.Highlight, error)
	BumpDocumentStats(ctx context.Context, docID, userID string, delta store.StatsDelta) error
	Ping(ctx context.Context) error
}

type syncFeed interface {
	Subscribe(ctx context.Context, docID string, onUpdate func([]store.Highlight)) (func(), error)
	PublishCreate(ctx context.Context, docID string, draft store.Highlight, author store.User) (store.Highlight, error)
	PublishHelpRequest(ctx context.Context, docID, highlightID string, req store.HelpRequest, requester store.User) error
	PublishAttachment(ctx context.Context, docID, highlightID string, explanation store.VoiceExplanation) error
	PublishDelete(ctx context.Context, docID, highlightID, userID string) error
	PublishLike(ctx context.Context, docID, highlightID, voiceID string) error
}

type presenceTracker interface {
	Join(ctx context.Context, docID string, user store.User) error
	Heartbeat(ctx context.Context, docID, userID string)
	SetRecording(ctx context.Context, docID, userID string, recording bool) error
	Leave(ctx context.Context, docID, userID string)
	Roster(ctx context.Context, docID string) ([]presence.Record, error)
	Subscribe(ctx context.Context, docID string, onRoster func([]presence.Record)) (func(), error)
	Ping(ctx context.Context) error
}

type notifier interface {
	ExplanationAttached(ctx context.Context, docID, highlightID string, helper store.User, recipientID string) error
	Unread(ctx context.Context, userID string) ([]store.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) error
	SubscribeUnread(ctx context.Context, userID string, onList func([]store.Notification)) (func(), error)
}

type clipUploader interface {
	Upload(ctx context.Context, clipID string, clip []byte, onProgress func(float64)) (string, error)
}

type Service struct {
	store    dataStore
	feed     syncFeed
	presence presenceTracker
	notify   notifier
	uploader clipUploader
	log      zerolog.Logger
}

func NewService(dataStore dataStore, feed syncFeed, tracker presenceTracker, notify notifier, uploader clipUploader, log zerolog.Logger) *Service {
	return &Service{
		store:    dataStore,
		feed:     feed,
		presence: tracker,
		notify:   notify,
		uploader: uploader,
		log:      log,
	}
}

// CreateHighlightInput is the write payload for a new highlight.
type CreateHighlightInput struct {
	Text        string            `json:"text"`
	PageNumber  int               `json:"pageNumber"`
	Position    geometry.Rect     `json:"position"`
	Color       string            `json:"color"`
	HelpRequest *HelpRequestInput `json:"helpRequest"`
}

// HelpRequestInput is the write payload for a help request, standalone or
// riding along with a highlight.
type HelpRequestInput struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func requireUser(user store.User) error {
	if user.ID == "" {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Sign in to collaborate on this document", nil)
	}
	return nil
}

func validateHelpRequest(input *HelpRequestInput) (*store.HelpRequest, error) {
	if input == nil {
		return nil, nil
	}
	if !helpTypes[input.Type] {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "help type must be explain, example or buddy", map[string]any{"type": input.Type})
	}
	return &store.HelpRequest{
		Type:   input.Type,
		Title:  strings.TrimSpace(input.Title),
		Detail: strings.TrimSpace(input.Detail),
	}, nil
}

// ListHighlights returns a document's highlights, oldest first, optionally
// filtered to one page (page 0 means all pages).
func (s *Service) ListHighlights(ctx context.Context, docID string, page int) ([]store.Highlight, error) {
	items, err := s.store.ListHighlights(ctx, docID)
	if err != nil {
		return nil, err
	}
	if page <= 0 {
		return items, nil
	}
	filtered := make([]store.Highlight, 0, len(items))
	for _, h := range items {
		if h.PageNumber == page {
			filtered = append(filtered, h)
		}
	}
	return filtered, nil
}

// CreateHighlight validates and publishes a new highlight, optionally carrying
// a help request.
func (s *Service) CreateHighlight(ctx context.Context, docID string, user store.User, input CreateHighlightInput) (store.Highlight, error) {
	if err := requireUser(user); err != nil {
		return store.Highlight{}, err
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return store.Highlight{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "highlight text is required", nil)
	}
	if input.PageNumber < 1 {
		return store.Highlight{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pageNumber must be at least 1", nil)
	}
	if !input.Position.Valid() {
		return store.Highlight{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "position must be a normalized rectangle inside the page", nil)
	}
	helpRequest, err := validateHelpRequest(input.HelpRequest)
	if err != nil {
		return store.Highlight{}, err
	}

	draft := store.Highlight{
		Text:        text,
		PageNumber:  input.PageNumber,
		Position:    input.Position,
		Color:       input.Color,
		HelpRequest: helpRequest,
	}
	return s.feed.PublishCreate(ctx, docID, draft, user)
}

// RequestHelp attaches a help request to an existing highlight.
func (s *Service) RequestHelp(ctx context.Context, docID, highlightID string, user store.User, input HelpRequestInput) (store.Highlight, error) {
	if err := requireUser(user); err != nil {
		return store.Highlight{}, err
	}
	helpRequest, err := validateHelpRequest(&input)
	if err != nil {
		return store.Highlight{}, err
	}
	if err := s.feed.PublishHelpRequest(ctx, docID, highlightID, *helpRequest, user); err != nil {
		return store.Highlight{}, err
	}
	return s.store.GetHighlight(ctx, docID, highlightID)
}

// DeleteHighlight removes a highlight; only its creator may.
func (s *Service) DeleteHighlight(ctx context.Context, docID, highlightID string, user store.User) error {
	if err := requireUser(user); err != nil {
		return err
	}
	err := s.feed.PublishDelete(ctx, docID, highlightID, user.ID)
	if err == live.ErrNotOwner {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the highlight creator can delete it", nil)
	}
	return err
}

// AttachExplanation uploads an audio clip, attaches it to the highlight, and
// notifies the highlight's creator. A fanout failure is logged and swallowed;
// the attachment already happened.
func (s *Service) AttachExplanation(ctx context.Context, docID, highlightID string, user store.User, explanation store.VoiceExplanation, clip []byte) (store.VoiceExplanation, error) {
	if err := requireUser(user); err != nil {
		return store.VoiceExplanation{}, err
	}
	if len(clip) == 0 {
		return store.VoiceExplanation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "audio clip is required", nil)
	}

	highlight, err := s.store.GetHighlight(ctx, docID, highlightID)
	if err != nil {
		return store.VoiceExplanation{}, err
	}

	if explanation.ID == "" {
		explanation.ID = util.NewID("voice")
	}
	if explanation.RecordedAt.IsZero() {
		explanation.RecordedAt = time.Now().UTC()
	}

	url, err := s.uploader.Upload(ctx, explanation.ID, clip, nil)
	if err != nil {
		return store.VoiceExplanation{}, domainError(http.StatusBadGateway, "UPLOAD_FAILED", "Could not store the audio clip", nil)
	}
	explanation.AudioURL = url
	explanation.FileSize = int64(len(clip))
	explanation.RecordedBy = user.ID
	explanation.RecordedByName = user.Name()

	if err := s.feed.PublishAttachment(ctx, docID, highlightID, explanation); err != nil {
		return store.VoiceExplanation{}, err
	}

	if err := s.notify.ExplanationAttached(ctx, docID, highlightID, user, highlight.CreatedBy); err != nil {
		s.log.Warn().Err(err).Str("highlight", highlightID).Msg("notification fanout failed")
	}
	return explanation, nil
}

// LikeExplanation marks one explanation helpful and bumps its like count.
func (s *Service) LikeExplanation(ctx context.Context, docID, highlightID, voiceID string, user store.User) error {
	if err := requireUser(user); err != nil {
		return err
	}
	return s.feed.PublishLike(ctx, docID, highlightID, voiceID)
}

// JoinDocument adds the user to the document's live roster and counts them as
// an active collaborator, best-effort.
func (s *Service) JoinDocument(ctx context.Context, docID string, user store.User) error {
	if err := requireUser(user); err != nil {
		return err
	}
	if err := s.presence.Join(ctx, docID, user); err != nil {
		return err
	}
	if err := s.store.BumpDocumentStats(ctx, docID, user.ID, store.StatsDelta{Collaborators: 1}); err != nil {
		s.log.Warn().Err(err).Str("doc", docID).Msg("collaborator stats bump failed")
	}
	return nil
}

func (s *Service) LeaveDocument(ctx context.Context, docID string, user store.User) error {
	if err := requireUser(user); err != nil {
		return err
	}
	s.presence.Leave(ctx, docID, user.ID)
	return nil
}

func (s *Service) HeartbeatDocument(ctx context.Context, docID string, user store.User) error {
	if err := requireUser(user); err != nil {
		return err
	}
	s.presence.Heartbeat(ctx, docID, user.ID)
	return nil
}

func (s *Service) SetRecording(ctx context.Context, docID string, user store.User, recording bool) error {
	if err := requireUser(user); err != nil {
		return err
	}
	return s.presence.SetRecording(ctx, docID, user.ID, recording)
}

// Presence returns the document's live roster, stale records filtered out.
func (s *Service) Presence(ctx context.Context, docID string) ([]presence.Record, error) {
	return s.presence.Roster(ctx, docID)
}

// Notifications returns the caller's unread notifications, newest first.
func (s *Service) Notifications(ctx context.Context, user store.User) ([]store.Notification, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	return s.notify.Unread(ctx, user.ID)
}

func (s *Service) MarkNotificationRead(ctx context.Context, user store.User, notificationID string) error {
	if err := requireUser(user); err != nil {
		return err
	}
	return s.notify.MarkRead(ctx, user.ID, notificationID)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, user store.User) error {
	if err := requireUser(user); err != nil {
		return err
	}
	return s.notify.MarkAllRead(ctx, user.ID)
}

// NewDocumentSession opens a per-connection editing session over the live
// feed: a snapshot-synced committed cache plus the single pending-selection
// slot.
func (s *Service) NewDocumentSession(ctx context.Context, docID string, user store.User, listener func([]store.Highlight)) (*highlight.Session, error) {
	return highlight.NewSession(ctx, docID, user, s.feed, listener)
}

// WatchHighlights, WatchPresence and WatchNotifications back the websocket
// feeds. Each delivers immediately and then on every change; the returned
// cancel func is idempotent.
func (s *Service) WatchHighlights(ctx context.Context, docID string, onUpdate func([]store.Highlight)) (func(), error) {
	return s.feed.Subscribe(ctx, docID, onUpdate)
}

func (s *Service) WatchPresence(ctx context.Context, docID string, onRoster func([]presence.Record)) (func(), error) {
	return s.presence.Subscribe(ctx, docID, onRoster)
}

func (s *Service) WatchNotifications(ctx context.Context, user store.User, onList func([]store.Notification)) (func(), error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	return s.notify.SubscribeUnread(ctx, user.ID, onList)
}

// Ping verifies both backing stores.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	return s.presence.Ping(ctx)
}
