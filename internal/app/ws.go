package app

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Mwoyoungo/pagely/internal/geometry"
	"github.com/Mwoyoungo/pagely/internal/highlight"
	"github.com/Mwoyoungo/pagely/internal/presence"
	"github.com/Mwoyoungo/pagely/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens at the gateway; the service itself accepts
	// any origin the gateway lets through.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn serializes writes: feed callbacks and action replies come from
// different goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(payload)
}

// highlightAction is one client message on the highlight socket.
type highlightAction struct {
	Action      string            `json:"action"`
	Text        string            `json:"text"`
	PageNumber  int               `json:"pageNumber"`
	Position    geometry.Rect     `json:"position"`
	HelpRequest *HelpRequestInput `json:"helpRequest"`
}

func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request, user store.User, parts []string) {
	if len(parts) == 1 && parts[0] == "notifications" {
		s.serveNotificationsFeed(w, r, user)
		return
	}
	if len(parts) == 3 && parts[0] == "documents" {
		docID := parts[1]
		switch parts[2] {
		case "highlights":
			s.serveHighlightSession(w, r, user, docID)
			return
		case "presence":
			s.servePresenceFeed(w, r, user, docID)
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// serveHighlightSession hosts one editing session per connection: the server
// pushes full highlight snapshots on every change, and the client drives the
// pending-selection lifecycle with select/commit/cancel actions.
func (s *HTTPServer) serveHighlightSession(w http.ResponseWriter, r *http.Request, user store.User, docID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	session, err := s.service.NewDocumentSession(r.Context(), docID, user, func(items []store.Highlight) {
		if err := ws.send(map[string]any{"type": "snapshot", "highlights": items}); err != nil {
			s.log.Debug().Err(err).Str("doc", docID).Msg("highlight snapshot send failed")
		}
	})
	if err != nil {
		_ = ws.send(map[string]any{"type": "error", "error": "could not open highlight session"})
		return
	}
	defer session.Close()

	for {
		var action highlightAction
		if err := conn.ReadJSON(&action); err != nil {
			return
		}
		s.dispatchHighlightAction(r.Context(), ws, session, user, action)
	}
}

func (s *HTTPServer) dispatchHighlightAction(ctx context.Context, ws *wsConn, session *highlight.Session, user store.User, action highlightAction) {
	switch action.Action {
	case "select":
		if existing := session.FindOverlapping(action.Position, action.PageNumber); existing != nil {
			_ = ws.send(map[string]any{"type": "overlap", "highlight": existing})
			return
		}
		pending := session.CreatePending(action.Text, action.Position, action.PageNumber)
		if pending == nil {
			_ = ws.send(map[string]any{"type": "error", "error": "selection is not highlightable"})
			return
		}
		_ = ws.send(map[string]any{"type": "pending", "highlight": pending})

	case "commit":
		helpRequest, err := validateHelpRequest(action.HelpRequest)
		if err != nil {
			_, _, message, _ := mapError(err)
			_ = ws.send(map[string]any{"type": "error", "error": message})
			return
		}
		created, err := session.Commit(ctx, helpRequest)
		if err != nil {
			s.log.Warn().Err(err).Str("user", user.ID).Msg("highlight commit failed")
			_ = ws.send(map[string]any{"type": "error", "error": "could not save highlight"})
			return
		}
		_ = ws.send(map[string]any{"type": "committed", "highlight": created})

	case "cancel":
		session.CancelPending()
		_ = ws.send(map[string]any{"type": "cancelled"})

	default:
		_ = ws.send(map[string]any{"type": "error", "error": "unknown action"})
	}
}

// servePresenceFeed joins the roster for the connection's lifetime and streams
// roster updates. Heartbeat and recording-flag actions arrive on the same
// socket.
func (s *HTTPServer) servePresenceFeed(w http.ResponseWriter, r *http.Request, user store.User, docID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	if user.ID != "" {
		if err := s.service.JoinDocument(r.Context(), docID, user); err != nil {
			_ = ws.send(map[string]any{"type": "error", "error": "could not join document"})
			return
		}
		defer func() {
			_ = s.service.LeaveDocument(context.Background(), docID, user)
		}()
	}

	cancel, err := s.service.WatchPresence(r.Context(), docID, func(roster []presence.Record) {
		if err := ws.send(map[string]any{"type": "roster", "participants": roster}); err != nil {
			s.log.Debug().Err(err).Str("doc", docID).Msg("roster send failed")
		}
	})
	if err != nil {
		_ = ws.send(map[string]any{"type": "error", "error": "could not watch presence"})
		return
	}
	defer cancel()

	for {
		var action struct {
			Action    string `json:"action"`
			Recording bool   `json:"recording"`
		}
		if err := conn.ReadJSON(&action); err != nil {
			return
		}
		switch action.Action {
		case "heartbeat":
			_ = s.service.HeartbeatDocument(r.Context(), docID, user)
		case "recording":
			if err := s.service.SetRecording(r.Context(), docID, user, action.Recording); err != nil {
				_ = ws.send(map[string]any{"type": "error", "error": "could not update recording flag"})
			}
		}
	}
}

// serveNotificationsFeed streams the caller's unread notifications.
func (s *HTTPServer) serveNotificationsFeed(w http.ResponseWriter, r *http.Request, user store.User) {
	if user.ID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Sign in to receive notifications", nil)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	cancel, err := s.service.WatchNotifications(r.Context(), user, func(items []store.Notification) {
		if err := ws.send(map[string]any{"type": "notifications", "notifications": items}); err != nil {
			s.log.Debug().Err(err).Str("user", user.ID).Msg("notification send failed")
		}
	})
	if err != nil {
		_ = ws.send(map[string]any{"type": "error", "error": "could not watch notifications"})
		return
	}
	defer cancel()

	for {
		var action struct {
			Action string `json:"action"`
			ID     string `json:"id"`
		}
		if err := conn.ReadJSON(&action); err != nil {
			return
		}
		switch action.Action {
		case "read":
			_ = s.service.MarkNotificationRead(r.Context(), user, action.ID)
		case "read-all":
			_ = s.service.MarkAllNotificationsRead(r.Context(), user)
		}
	}
}
