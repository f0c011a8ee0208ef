package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertHighlight(ctx context.Context, h Highlight) error {
	position, err := json.Marshal(h.Position)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	var helpRequest any
	if h.HelpRequest != nil {
		data, err := json.Marshal(h.HelpRequest)
		if err != nil {
			return fmt.Errorf("marshal help request: %w", err)
		}
		helpRequest = data
	}
	explanations := h.VoiceExplanations
	if explanations == nil {
		explanations = []VoiceExplanation{}
	}
	voices, err := json.Marshal(explanations)
	if err != nil {
		return fmt.Errorf("marshal voice explanations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO highlights (
			id, document_id, text, page_number, position, color,
			created_by, created_by_name, created_by_photo, created_at,
			needs_help, help_request, voice_explanations
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, h.ID, h.DocumentID, h.Text, h.PageNumber, position, h.Color,
		h.CreatedBy, h.CreatedByName, h.CreatedByPhoto, h.CreatedAt,
		h.NeedsHelp, helpRequest, voices)
	if err != nil {
		return fmt.Errorf("insert highlight: %w", err)
	}
	return nil
}

const highlightColumns = `
	id, document_id, text, page_number, position, color,
	created_by, created_by_name, created_by_photo, created_at,
	needs_help, help_request, voice_explanations, version
`

func scanHighlight(row interface{ Scan(...any) error }) (Highlight, error) {
	var (
		h           Highlight
		position    []byte
		helpRequest []byte
		voices      []byte
	)
	err := row.Scan(&h.ID, &h.DocumentID, &h.Text, &h.PageNumber, &position, &h.Color,
		&h.CreatedBy, &h.CreatedByName, &h.CreatedByPhoto, &h.CreatedAt,
		&h.NeedsHelp, &helpRequest, &voices, &h.Version)
	if err != nil {
		return Highlight{}, err
	}
	if err := json.Unmarshal(position, &h.Position); err != nil {
		return Highlight{}, fmt.Errorf("unmarshal position: %w", err)
	}
	if len(helpRequest) > 0 {
		h.HelpRequest = &HelpRequest{}
		if err := json.Unmarshal(helpRequest, h.HelpRequest); err != nil {
			return Highlight{}, fmt.Errorf("unmarshal help request: %w", err)
		}
	}
	h.VoiceExplanations = []VoiceExplanation{}
	if len(voices) > 0 {
		if err := json.Unmarshal(voices, &h.VoiceExplanations); err != nil {
			return Highlight{}, fmt.Errorf("unmarshal voice explanations: %w", err)
		}
	}
	return h, nil
}

// ListHighlights returns every highlight of a document, oldest first. The
// ascending created_at order is the ordering contract of the live feed.
func (s *PostgresStore) ListHighlights(ctx context.Context, documentID string) ([]Highlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+highlightColumns+`
		FROM highlights
		WHERE document_id=$1
		ORDER BY created_at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list highlights: %w", err)
	}
	defer rows.Close()

	items := make([]Highlight, 0)
	for rows.Next() {
		item, err := scanHighlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate highlights: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetHighlight(ctx context.Context, documentID, highlightID string) (Highlight, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+highlightColumns+`
		FROM highlights
		WHERE document_id=$1 AND id=$2
	`, documentID, highlightID)
	item, err := scanHighlight(row)
	if err != nil {
		return Highlight{}, err
	}
	return item, nil
}

// SetHelpRequest attaches a help request to an existing highlight. needs_help
// is recomputed from the invariant: a help request exists and no explanation
// has been attached yet.
func (s *PostgresStore) SetHelpRequest(ctx context.Context, documentID, highlightID string, req HelpRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal help request: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE highlights
		SET help_request = $3,
			needs_help = jsonb_array_length(voice_explanations) = 0,
			version = version + 1
		WHERE document_id=$1 AND id=$2
	`, documentID, highlightID, data)
	if err != nil {
		return fmt.Errorf("set help request: %w", err)
	}
	return requireRow(result)
}

// AppendVoiceExplanation appends one explanation and resolves the help request
// in a single statement, so two concurrent appends both survive and the
// needs_help flip is atomic with the append.
func (s *PostgresStore) AppendVoiceExplanation(ctx context.Context, documentID, highlightID string, explanation VoiceExplanation) error {
	data, err := json.Marshal(explanation)
	if err != nil {
		return fmt.Errorf("marshal voice explanation: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE highlights
		SET voice_explanations = voice_explanations || $3::jsonb,
			needs_help = FALSE,
			help_request = CASE
				WHEN help_request IS NULL THEN NULL
				ELSE jsonb_set(help_request, '{status}', '"answered"')
			END,
			version = version + 1
		WHERE document_id=$1 AND id=$2
	`, documentID, highlightID, data)
	if err != nil {
		return fmt.Errorf("append voice explanation: %w", err)
	}
	return requireRow(result)
}

// ReplaceVoiceExplanations swaps the full explanation list, guarded by the row
// version read alongside it. Returns false when another writer got there
// first; callers re-read and retry.
func (s *PostgresStore) ReplaceVoiceExplanations(ctx context.Context, documentID, highlightID string, explanations []VoiceExplanation, expectedVersion int64) (bool, error) {
	if explanations == nil {
		explanations = []VoiceExplanation{}
	}
	data, err := json.Marshal(explanations)
	if err != nil {
		return false, fmt.Errorf("marshal voice explanations: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE highlights
		SET voice_explanations = $3,
			version = version + 1
		WHERE document_id=$1 AND id=$2 AND version=$4
	`, documentID, highlightID, data, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("replace voice explanations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replace voice explanations: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteHighlight(ctx context.Context, documentID, highlightID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM highlights WHERE document_id=$1 AND id=$2
	`, documentID, highlightID)
	if err != nil {
		return fmt.Errorf("delete highlight: %w", err)
	}
	return requireRow(result)
}

// BumpDocumentStats applies counter increments on the parent document record.
// The caller treats failures as non-fatal.
func (s *PostgresStore) BumpDocumentStats(ctx context.Context, documentID, userID string, delta StatsDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_stats (
			document_id, total_highlights, total_voice_explanations,
			help_requests_open, active_collaborators, last_activity, last_activity_by
		)
		VALUES ($1, GREATEST($2, 0), GREATEST($3, 0), GREATEST($4, 0), GREATEST($5, 0), NOW(), $6)
		ON CONFLICT (document_id) DO UPDATE SET
			total_highlights = GREATEST(document_stats.total_highlights + $2, 0),
			total_voice_explanations = GREATEST(document_stats.total_voice_explanations + $3, 0),
			help_requests_open = GREATEST(document_stats.help_requests_open + $4, 0),
			active_collaborators = GREATEST(document_stats.active_collaborators + $5, 0),
			last_activity = NOW(),
			last_activity_by = $6
	`, documentID, delta.Highlights, delta.VoiceExplanations, delta.HelpRequestsOpen, delta.Collaborators, userID)
	if err != nil {
		return fmt.Errorf("bump document stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, type, doc_id, highlight_id, from_user_id, from_user_name,
			to_user_id, message, created_at, read
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, n.ID, n.Type, n.DocID, n.HighlightID, n.FromUserID, n.FromUserName,
		n.ToUserID, n.Message, n.CreatedAt, n.Read)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListUnreadNotifications returns a user's unread notifications, newest first,
// capped at limit.
func (s *PostgresStore) ListUnreadNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, doc_id, highlight_id, from_user_id, from_user_name,
			to_user_id, message, created_at, read, read_at
		FROM notifications
		WHERE to_user_id=$1 AND read=FALSE
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.Type, &item.DocID, &item.HighlightID,
			&item.FromUserID, &item.FromUserName, &item.ToUserID, &item.Message,
			&item.CreatedAt, &item.Read, &item.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead is idempotent: marking an already-read notification is
// a no-op, not an error. The update is scoped to the recipient, so a caller
// can never clear someone else's notification.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE, read_at=NOW()
		WHERE id=$1 AND to_user_id=$2 AND read=FALSE
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE, read_at=NOW()
		WHERE to_user_id=$1 AND read=FALSE
	`, userID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
