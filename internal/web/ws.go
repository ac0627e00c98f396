package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/transcript"
	"github.com/quillchat/quill/internal/turn"
)

// Every websocket frame in both directions is a JSON envelope.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ownerPayload struct {
	OwnerID string `json:"ownerId"`
}

type conversationPayload struct {
	OwnerID        string `json:"ownerId"`
	ConversationID string `json:"conversationId"`
}

type sendPayload struct {
	OwnerID        string `json:"ownerId"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	UseContext     bool   `json:"useContext"`
}

type summaryView struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type messageView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wsHandler struct {
	logger   log.Logger
	store    TranscriptStore
	runner   TurnRunner
	upgrader websocket.Upgrader
}

// wsSession is the per-connection state: one socket, one cancellation
// token identity, at most one turn in flight.
type wsSession struct {
	connID string
	conn   *websocket.Conn
	logger log.Logger
	store  TranscriptStore
	runner TurnRunner

	writeMu sync.Mutex // serializes frames from the read loop and the turn goroutine
	turnWG  sync.WaitGroup
	busy    atomic.Bool
}

func (h *wsHandler) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &wsSession{
		connID: uuid.NewString(),
		conn:   conn,
		logger: h.logger,
		store:  h.store,
		runner: h.runner,
	}
	h.logger.Debug("client connected", "conn_id", s.connID)
	s.readLoop()
}

func (s *wsSession) readLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		// Unblock an in-flight turn before releasing its token.
		s.runner.Stop(s.connID)
		s.turnWG.Wait()
		s.runner.EndConnection(s.connID)
		_ = s.conn.Close()
		s.logger.Debug("client disconnected", "conn_id", s.connID)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("malformed frame", "conn_id", s.connID, "error", err)
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *wsSession) dispatch(ctx context.Context, env envelope) {
	switch env.Type {
	case "list_conversations":
		s.handleList(env.Payload)
	case "get_history":
		s.handleHistory(env.Payload)
	case "new_conversation":
		s.handleCreate(env.Payload)
	case "delete_conversation":
		s.handleDelete(env.Payload)
	case "send_message":
		s.handleSend(ctx, env.Payload)
	case "stop_generation":
		s.runner.Stop(s.connID)
	default:
		s.logger.Debug("unknown event type", "conn_id", s.connID, "type", env.Type)
	}
}

func (s *wsSession) handleList(raw json.RawMessage) {
	var p ownerPayload
	if !s.decode(raw, &p) || p.OwnerID == "" {
		return
	}
	summaries := s.store.List(p.OwnerID)
	views := make([]summaryView, 0, len(summaries))
	for _, sum := range summaries {
		views = append(views, summaryView{ID: sum.ID, Title: sum.Title})
	}
	s.send("conversation_list", map[string]any{"conversations": views})
}

func (s *wsSession) handleHistory(raw json.RawMessage) {
	var p conversationPayload
	if !s.decode(raw, &p) || p.OwnerID == "" || p.ConversationID == "" {
		return
	}
	msgs := s.store.Load(p.OwnerID, p.ConversationID, false)
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		// Preamble and transient context entries stay server-side.
		if m.Role != transcript.RoleUser && m.Role != transcript.RoleAssistant {
			continue
		}
		views = append(views, messageView{Role: string(m.Role), Content: m.Content})
	}
	s.send("conversation_history", map[string]any{
		"conversationId": p.ConversationID,
		"messages":       views,
	})
}

func (s *wsSession) handleCreate(raw json.RawMessage) {
	var p ownerPayload
	if !s.decode(raw, &p) || p.OwnerID == "" {
		return
	}
	sum, err := s.store.Create(p.OwnerID)
	if err != nil {
		s.logger.Error("create conversation failed", "conn_id", s.connID, "error", err)
		return
	}
	s.send("conversation_created", map[string]any{
		"id":    sum.ID,
		"title": sum.Title,
	})
}

func (s *wsSession) handleDelete(raw json.RawMessage) {
	var p conversationPayload
	if !s.decode(raw, &p) || p.OwnerID == "" || p.ConversationID == "" {
		return
	}
	if err := s.store.Delete(p.OwnerID, p.ConversationID); err != nil {
		s.logger.Error("delete conversation failed", "conn_id", s.connID, "error", err)
		return
	}
	s.send("conversation_deleted", map[string]any{"conversationId": p.ConversationID})
}

func (s *wsSession) handleSend(ctx context.Context, raw json.RawMessage) {
	var p sendPayload
	if !s.decode(raw, &p) || p.OwnerID == "" || p.ConversationID == "" || p.Message == "" {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.logger.Debug("turn already in flight, dropping send", "conn_id", s.connID)
		return
	}

	req := turn.Request{
		ConnID:         s.connID,
		OwnerID:        p.OwnerID,
		ConversationID: p.ConversationID,
		Message:        p.Message,
		UseContext:     p.UseContext,
	}

	// The turn runs off the read loop so stop_generation frames keep
	// being processed while deltas stream out.
	s.turnWG.Add(1)
	go func() {
		defer s.turnWG.Done()
		s.runner.Run(ctx, req, (*wsEmitter)(s))
		s.busy.Store(false)
	}()
}

func (s *wsSession) decode(raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		s.logger.Debug("malformed payload", "conn_id", s.connID, "error", err)
		return false
	}
	return true
}

func (s *wsSession) send(eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal event failed", "type", eventType, "error", err)
		return
	}
	frame, err := json.Marshal(envelope{Type: eventType, Payload: body})
	if err != nil {
		s.logger.Error("marshal envelope failed", "type", eventType, "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Debug("websocket write failed", "conn_id", s.connID, "error", err)
	}
}

// wsEmitter adapts the session socket to the turn event sink.
type wsEmitter wsSession

func (e *wsEmitter) Delta(convID, content string, isFirst bool) {
	(*wsSession)(e).send("delta", map[string]any{
		"conversationId": convID,
		"content":        content,
		"isFirst":        isFirst,
	})
}

func (e *wsEmitter) TitleUpdated(convID, title string) {
	(*wsSession)(e).send("title_updated", map[string]any{
		"conversationId": convID,
		"title":          title,
	})
}

func (e *wsEmitter) TurnError(convID, message string) {
	(*wsSession)(e).send("turn_error", map[string]any{
		"conversationId": convID,
		"message":        message,
	})
}

func (e *wsEmitter) TurnEnd(convID string, status turn.Status) {
	(*wsSession)(e).send("turn_end", map[string]any{
		"conversationId": convID,
		"status":         string(status),
	})
}
