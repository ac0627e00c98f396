package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/transcript"
	"github.com/quillchat/quill/internal/turn"
)

// fakeStore is an in-memory TranscriptStore with call tracking.
type fakeStore struct {
	history   []transcript.Message
	summaries []transcript.Summary
	created   transcript.Summary
	deleted   []string
	createErr error
}

func (s *fakeStore) Load(_, _ string, _ bool) []transcript.Message {
	return s.history
}

func (s *fakeStore) Create(string) (transcript.Summary, error) {
	if s.createErr != nil {
		return transcript.Summary{}, s.createErr
	}
	return s.created, nil
}

func (s *fakeStore) List(string) []transcript.Summary {
	return s.summaries
}

func (s *fakeStore) Delete(_, conv string) error {
	s.deleted = append(s.deleted, conv)
	return nil
}

// fakeRunner replays a scripted turn through the emitter.
type fakeRunner struct {
	script  func(req turn.Request, em turn.Emitter)
	lastReq turn.Request
	stops   chan string
	ends    chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		stops: make(chan string, 8),
		ends:  make(chan string, 8),
	}
}

func (r *fakeRunner) Run(_ context.Context, req turn.Request, em turn.Emitter) {
	r.lastReq = req
	if r.script != nil {
		r.script(req, em)
	}
}

func (r *fakeRunner) Stop(connID string)          { r.stops <- connID }
func (r *fakeRunner) EndConnection(connID string) { r.ends <- connID }

// dial spins up the server and opens a websocket against it.
func dial(t *testing.T, store *fakeStore, runner *fakeRunner) *websocket.Conn {
	t.Helper()
	srv, err := NewServer(Config{Logger: log.NewNop(), Store: store, Runner: runner})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, _ := json.Marshal(envelope{Type: eventType, Payload: body})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var payload map[string]any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
	}
	return env.Type, payload
}

func TestListConversations(t *testing.T) {
	store := &fakeStore{summaries: []transcript.Summary{
		{ID: "c2", Title: "Newest"},
		{ID: "c1", Title: "Older"},
	}}
	conn := dial(t, store, newFakeRunner())

	sendEvent(t, conn, "list_conversations", map[string]any{"ownerId": "alice"})

	typ, payload := readEvent(t, conn)
	if typ != "conversation_list" {
		t.Fatalf("event type = %q, want conversation_list", typ)
	}
	convs, ok := payload["conversations"].([]any)
	if !ok || len(convs) != 2 {
		t.Fatalf("conversations payload = %v", payload["conversations"])
	}
	first := convs[0].(map[string]any)
	if first["id"] != "c2" || first["title"] != "Newest" {
		t.Errorf("first summary = %v", first)
	}
}

func TestHistoryFiltersInternalRoles(t *testing.T) {
	store := &fakeStore{history: []transcript.Message{
		{Role: transcript.RoleSystem, Content: "hidden preamble"},
		{Role: transcript.RoleUser, Content: "Hello"},
		{Role: transcript.RoleTool, Content: "hidden context"},
		{Role: transcript.RoleAssistant, Content: "Hi there"},
	}}
	conn := dial(t, store, newFakeRunner())

	sendEvent(t, conn, "get_history", map[string]any{"ownerId": "alice", "conversationId": "c1"})

	typ, payload := readEvent(t, conn)
	if typ != "conversation_history" {
		t.Fatalf("event type = %q", typ)
	}
	msgs := payload["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want user+assistant only: %v", len(msgs), msgs)
	}
	for _, raw := range msgs {
		role := raw.(map[string]any)["role"]
		if role != "user" && role != "assistant" {
			t.Errorf("internal role leaked to client: %v", role)
		}
	}
}

func TestCreateAndDeleteConversation(t *testing.T) {
	store := &fakeStore{created: transcript.Summary{ID: "fresh", Title: transcript.DefaultTitle}}
	conn := dial(t, store, newFakeRunner())

	sendEvent(t, conn, "new_conversation", map[string]any{"ownerId": "alice"})
	typ, payload := readEvent(t, conn)
	if typ != "conversation_created" || payload["id"] != "fresh" {
		t.Fatalf("got %q %v", typ, payload)
	}
	if payload["title"] != transcript.DefaultTitle {
		t.Errorf("title = %v, want default", payload["title"])
	}

	sendEvent(t, conn, "delete_conversation", map[string]any{"ownerId": "alice", "conversationId": "fresh"})
	typ, payload = readEvent(t, conn)
	if typ != "conversation_deleted" || payload["conversationId"] != "fresh" {
		t.Fatalf("got %q %v", typ, payload)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "fresh" {
		t.Errorf("store.Delete calls = %v", store.deleted)
	}
}

func TestSendMessageStreamsTurnEvents(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(req turn.Request, em turn.Emitter) {
		em.TitleUpdated(req.ConversationID, "Hello")
		em.Delta(req.ConversationID, "Hi", true)
		em.Delta(req.ConversationID, " there", false)
		em.TurnEnd(req.ConversationID, turn.StatusCompleted)
	}
	conn := dial(t, &fakeStore{}, runner)

	sendEvent(t, conn, "send_message", map[string]any{
		"ownerId":        "alice",
		"conversationId": "c1",
		"message":        "Hello",
		"useContext":     false,
	})

	typ, payload := readEvent(t, conn)
	if typ != "title_updated" || payload["title"] != "Hello" {
		t.Fatalf("got %q %v, want title_updated", typ, payload)
	}

	typ, payload = readEvent(t, conn)
	if typ != "delta" || payload["content"] != "Hi" || payload["isFirst"] != true {
		t.Fatalf("got %q %v, want first delta", typ, payload)
	}
	typ, payload = readEvent(t, conn)
	if typ != "delta" || payload["content"] != " there" || payload["isFirst"] != false {
		t.Fatalf("got %q %v, want second delta", typ, payload)
	}

	typ, payload = readEvent(t, conn)
	if typ != "turn_end" || payload["status"] != "completed" {
		t.Fatalf("got %q %v, want turn_end completed", typ, payload)
	}

	if runner.lastReq.OwnerID != "alice" || runner.lastReq.Message != "Hello" {
		t.Errorf("runner request = %+v", runner.lastReq)
	}
	if runner.lastReq.ConnID == "" {
		t.Error("runner request has no connection ID")
	}
}

func TestTurnErrorForwarded(t *testing.T) {
	runner := newFakeRunner()
	runner.script = func(req turn.Request, em turn.Emitter) {
		em.TurnError(req.ConversationID, turn.BackendErrorMessage)
		em.TurnEnd(req.ConversationID, turn.StatusFailed)
	}
	conn := dial(t, &fakeStore{}, runner)

	sendEvent(t, conn, "send_message", map[string]any{
		"ownerId": "alice", "conversationId": "c1", "message": "hi",
	})

	typ, payload := readEvent(t, conn)
	if typ != "turn_error" || payload["message"] != turn.BackendErrorMessage {
		t.Fatalf("got %q %v, want turn_error", typ, payload)
	}
	typ, payload = readEvent(t, conn)
	if typ != "turn_end" || payload["status"] != "failed" {
		t.Fatalf("got %q %v, want turn_end failed", typ, payload)
	}
}

func TestStopGeneration(t *testing.T) {
	runner := newFakeRunner()
	conn := dial(t, &fakeStore{}, runner)

	sendEvent(t, conn, "stop_generation", map[string]any{})

	select {
	case <-runner.stops:
	case <-time.After(5 * time.Second):
		t.Fatal("stop_generation never reached the runner")
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	store := &fakeStore{summaries: []transcript.Summary{{ID: "c1", Title: "t"}}}
	conn := dial(t, store, newFakeRunner())

	// Garbage and incomplete events must not kill the connection.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	sendEvent(t, conn, "get_history", map[string]any{"ownerId": "alice"}) // missing conversationId
	sendEvent(t, conn, "list_conversations", map[string]any{"ownerId": ""})
	sendEvent(t, conn, "bogus_type", map[string]any{})

	sendEvent(t, conn, "list_conversations", map[string]any{"ownerId": "alice"})
	typ, _ := readEvent(t, conn)
	if typ != "conversation_list" {
		t.Fatalf("connection unusable after malformed frames, got %q", typ)
	}
}

func TestDisconnectReleasesCancellationToken(t *testing.T) {
	runner := newFakeRunner()
	conn := dial(t, &fakeStore{}, runner)

	_ = conn.Close()

	// Teardown stops any in-flight turn, then releases the token.
	select {
	case <-runner.stops:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect did not stop the in-flight turn")
	}
	select {
	case connID := <-runner.ends:
		if connID == "" {
			t.Error("EndConnection called with empty connection ID")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never released the cancellation token")
	}
}

func TestHealthz(t *testing.T) {
	srv, err := NewServer(Config{Logger: log.NewNop(), Store: &fakeStore{}, Runner: newFakeRunner()})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestIndexServed(t *testing.T) {
	srv, err := NewServer(Config{Logger: log.NewNop(), Store: &fakeStore{}, Runner: newFakeRunner()})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q, want text/html", ct)
	}
}

func TestNewServerValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"nil logger", Config{Store: &fakeStore{}, Runner: newFakeRunner()}},
		{"nil store", Config{Logger: log.NewNop(), Runner: newFakeRunner()}},
		{"nil runner", Config{Logger: log.NewNop(), Store: &fakeStore{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewServer(tc.cfg); err == nil {
				t.Error("NewServer() accepted invalid config")
			}
		})
	}
}
