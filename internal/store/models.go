package store

import (
	"time"

	"github.com/Mwoyoungo/pagely/internal/geometry"
)

// User is the identity supplied by the auth collaborator. Write operations
// require a non-empty ID.
type User struct {
	ID          string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// Name returns the display name, falling back to the email address.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

// HelpRequest is a structured request for an explanation attached to a
// highlight. Status is "open" until the first explanation arrives, then
// "answered"; the record is retained for audit.
type HelpRequest struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Title           string    `json:"title,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	RequestedBy     string    `json:"requestedBy"`
	RequestedByName string    `json:"requestedByName,omitempty"`
	RequestedAt     time.Time `json:"requestedAt"`
	Status          string    `json:"status"`
}

// VoiceExplanation is one audio clip attached to a highlight in response to a
// help request.
type VoiceExplanation struct {
	ID             string    `json:"id"`
	AudioURL       string    `json:"audioUrl"`
	Duration       int       `json:"duration"`
	FileSize       int64     `json:"fileSize"`
	RecordedBy     string    `json:"recordedBy"`
	RecordedByName string    `json:"recordedByName,omitempty"`
	RecordedAt     time.Time `json:"recordedAt"`
	Transcript     string    `json:"transcript,omitempty"`
	Likes          int       `json:"likes"`
	IsHelpful      bool      `json:"isHelpful"`
}

// Highlight is a user-marked rectangular region of text on one page.
// Persisted ids use the hl_ prefix; pending (uncommitted) highlights carry a
// pending_ prefix so the two id spaces never collide.
type Highlight struct {
	ID                string             `json:"id"`
	DocumentID        string             `json:"docId"`
	Text              string             `json:"text"`
	PageNumber        int                `json:"pageNumber"`
	Position          geometry.Rect      `json:"position"`
	Color             string             `json:"color"`
	CreatedBy         string             `json:"createdBy"`
	CreatedByName     string             `json:"createdByName,omitempty"`
	CreatedByPhoto    string             `json:"createdByPhoto,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	NeedsHelp         bool               `json:"needsHelp"`
	HelpRequest       *HelpRequest       `json:"helpRequest,omitempty"`
	VoiceExplanations []VoiceExplanation `json:"voiceExplanations"`

	// Version counts writes to the row and backs optimistic concurrency on
	// read-modify-write updates. Not part of the API payload.
	Version int64 `json:"-"`
}

// Notification is addressed to exactly one recipient, the creator of the
// highlight that received an explanation.
type Notification struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	DocID        string     `json:"docId"`
	HighlightID  string     `json:"highlightId"`
	FromUserID   string     `json:"fromUserId"`
	FromUserName string     `json:"fromUserName,omitempty"`
	ToUserID     string     `json:"toUserId"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"createdAt"`
	Read         bool       `json:"read"`
	ReadAt       *time.Time `json:"readAt,omitempty"`
}

// StatsDelta is a best-effort increment set applied to the parent document's
// aggregate counters. The counters belong to the document-metadata service;
// failures here never fail the triggering operation.
type StatsDelta struct {
	Highlights        int
	VoiceExplanations int
	HelpRequestsOpen  int
	Collaborators     int
}
