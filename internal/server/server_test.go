package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/journal"
	"github.com/bainianlaoyao/switchboard/internal/models"
	"github.com/bainianlaoyao/switchboard/internal/protocol"
	"github.com/bainianlaoyao/switchboard/internal/runtime"
	"github.com/bainianlaoyao/switchboard/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// stubRuntime feeds agent events by hand, like a scripted agent.
type stubRuntime struct {
	mu      sync.Mutex
	events  chan runtime.Event
	answers []string
}

func (s *stubRuntime) Start(ctx context.Context, conversationID, input string) (<-chan runtime.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(chan runtime.Event, 16)
	return s.events, nil
}

func (s *stubRuntime) Interrupt(conversationID string) error { return nil }

func (s *stubRuntime) Answer(conversationID, invocationID, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, invocationID+"="+answer)
	return nil
}

func (s *stubRuntime) stream() chan runtime.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

type testServer struct {
	srv *httptest.Server
	db  *gorm.DB
	reg *session.Registry
	rt  *stubRuntime
}

func newTestServer(t *testing.T, chatEnabled bool) *testServer {
	t.Helper()
	return newTestServerWithBuffer(t, chatEnabled, 32)
}

func newTestServerWithBuffer(t *testing.T, chatEnabled bool, sendBuffer int) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Conversation{}, &models.Turn{}, &models.Message{},
		&models.PendingQuestion{}, &models.InboxItem{}, &models.RawLog{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	jrnl, err := journal.New(db, journal.Opts{})
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	rt := &stubRuntime{}
	reg, err := session.NewRegistry(session.RegistryOpts{
		DB: db, Journal: jrnl, Runtime: rt, AgentID: "agent-1",
		QueueCapacity: 2, SendBuffer: sendBuffer,
		QuestionDeadline: time.Minute, IdleTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Close)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, &StartOpts{
		DB:          db,
		Registry:    reg,
		Journal:     jrnl,
		ChatEnabled: chatEnabled,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, db: db, reg: reg, rt: rt}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func (ts *testServer) createConversation(t *testing.T) string {
	t.Helper()
	resp, body := ts.post(t, "/api/conversations", map[string]string{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation: status %d", resp.StatusCode)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("create conversation: no id in %v", body)
	}
	return id
}

func (ts *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return &env
}

func waitWorkerState(t *testing.T, ts *testServer, id, want string) {
	t.Helper()
	w, err := ts.reg.Get(id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", w.State(), want)
}

// ---------------------------------------------------------------------------
// Start validation
// ---------------------------------------------------------------------------

func TestStart_MissingDeps(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Fatalf("expected db error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// REST surface
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true)
	resp, body := ts.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["protocol_version"] != protocol.Version {
		t.Errorf("protocol_version = %v", body["protocol_version"])
	}
}

func TestConversationREST(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createConversation(t)

	resp, body := ts.get(t, "/api/conversations/"+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get conversation: status %d", resp.StatusCode)
	}
	if body["state"] != models.StateActive {
		t.Errorf("state = %v", body["state"])
	}

	resp, _ = ts.get(t, "/api/conversations/conv-missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing conversation: status %d", resp.StatusCode)
	}

	// Run a turn through the REST submission path.
	resp, _ = ts.post(t, "/api/conversations/"+id+"/messages", map[string]string{"text": "hello"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}
	waitWorkerState(t, ts, id, models.StateStreaming)
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventText, Text: "reply"}
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventDone}
	close(ts.rt.stream())
	waitWorkerState(t, ts, id, models.StateActive)

	resp, body = ts.get(t, "/api/conversations/"+id+"/messages?after=0")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages: status %d", resp.StatusCode)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}

	resp, body = ts.get(t, "/api/conversations/"+id+"/messages?after=abc")
	if resp.StatusCode != http.StatusBadRequest || body["code"] != protocol.CodeMalformedCursor {
		t.Fatalf("bad cursor: status %d body %v", resp.StatusCode, body)
	}

	// Interrupt with no active turn is accepted.
	resp, _ = ts.post(t, "/api/conversations/"+id+"/interrupt", map[string]string{})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("interrupt: status %d", resp.StatusCode)
	}
}

func TestInboxAnswerREST(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createConversation(t)

	ts.post(t, "/api/conversations/"+id+"/messages", map[string]string{"text": "go"})
	waitWorkerState(t, ts, id, models.StateStreaming)
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventQuestion, Question: &runtime.Question{
		ID: "toolu_rest", Prompt: "Which environment?", Options: []string{"staging", "prod"},
	}}
	waitWorkerState(t, ts, id, models.StateWaitingInput)

	resp, body := ts.get(t, "/api/inbox?conversation="+id)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inbox list: status %d", resp.StatusCode)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("inbox items = %d, want 1", len(items))
	}
	item, _ := items[0].(map[string]any)
	itemID := int(item["id"].(float64))

	resp, _ = ts.post(t, "/api/inbox/"+strconv.Itoa(itemID)+"/answer", map[string]string{
		"answer": "staging", "answered_by": "alice",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("answer: status %d", resp.StatusCode)
	}
	waitWorkerState(t, ts, id, models.StateStreaming)

	ts.rt.mu.Lock()
	answers := append([]string(nil), ts.rt.answers...)
	ts.rt.mu.Unlock()
	if len(answers) != 1 || answers[0] != "toolu_rest=staging" {
		t.Fatalf("runtime answers = %v", answers)
	}

	// The second answer for the same item loses.
	resp, body = ts.post(t, "/api/inbox/"+strconv.Itoa(itemID)+"/answer", map[string]string{"answer": "prod"})
	if resp.StatusCode != http.StatusConflict || body["code"] != protocol.CodeDuplicateInputResponse {
		t.Fatalf("duplicate answer: status %d body %v", resp.StatusCode, body)
	}

	var stored models.InboxItem
	if err := ts.db.First(&stored, itemID).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if stored.Status != models.InboxClosed || stored.Answer != "staging" || stored.AnsweredBy != "alice" {
		t.Errorf("item = status %q answer %q by %q", stored.Status, stored.Answer, stored.AnsweredBy)
	}
}

// ---------------------------------------------------------------------------
// Websocket live channel
// ---------------------------------------------------------------------------

func TestWS_Disabled(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.createConversation(t)
	resp, body := ts.get(t, "/ws?version=1&conversation="+id)
	if resp.StatusCode != http.StatusForbidden || body["code"] != protocol.CodeChatProtocolDisabled {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestWS_Negotiation(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createConversation(t)

	resp, body := ts.get(t, "/ws?version=9&conversation="+id)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != protocol.CodeProtocolVersionUnsupported {
		t.Fatalf("bad version: status %d body %v", resp.StatusCode, body)
	}

	resp, body = ts.get(t, "/ws?version=1&conversation="+id+"&last_sequence=nope")
	if resp.StatusCode != http.StatusBadRequest || body["code"] != protocol.CodeMalformedCursor {
		t.Fatalf("bad cursor: status %d body %v", resp.StatusCode, body)
	}

	resp, _ = ts.get(t, "/ws?version=1&conversation=conv-missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing conversation: status %d", resp.StatusCode)
	}
}

func TestWS_LiveTurn(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createConversation(t)
	ws := ts.dial(t, "version=1&conversation="+id)

	env := readEnvelope(t, ws)
	if env.Type != protocol.EventSessionState || env.Seq != 0 {
		t.Fatalf("snapshot = type %q seq %d", env.Type, env.Seq)
	}

	if err := ws.WriteJSON(protocol.Inbound{Op: protocol.OpMessage, Text: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	env = readEnvelope(t, ws)
	if env.Type != protocol.EventSessionState {
		t.Fatalf("expected streaming state, got %q", env.Type)
	}

	waitWorkerState(t, ts, id, models.StateStreaming)
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventText, Text: "reply"}
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventDone}
	close(ts.rt.stream())

	env = readEnvelope(t, ws)
	if env.Type != protocol.EventText {
		t.Fatalf("expected text event, got %q", env.Type)
	}
	var payload protocol.MessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Seq != 1 || payload.Content != "reply" {
		t.Errorf("payload = %+v", payload)
	}

	env = readEnvelope(t, ws)
	if env.Type != protocol.EventSessionState {
		t.Fatalf("expected active state, got %q", env.Type)
	}
}

func TestWS_MalformedInbound(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createConversation(t)
	ws := ts.dial(t, "version=1&conversation="+id)
	readEnvelope(t, ws) // snapshot

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"op":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, ws)
	if env.Type != protocol.EventError {
		t.Fatalf("envelope type = %q", env.Type)
	}
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Code != protocol.CodeMalformedInbound {
		t.Errorf("code = %q", payload.Code)
	}
}

func TestWS_ReconnectReplay(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createConversation(t)

	// First session: run a turn that leaves two durable messages.
	ws := ts.dial(t, "version=1&conversation="+id)
	readEnvelope(t, ws)
	ws.WriteJSON(protocol.Inbound{Op: protocol.OpMessage, Text: "hello"})
	waitWorkerState(t, ts, id, models.StateStreaming)
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventText, Text: "one"}
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventText, Text: "two"}
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventDone}
	close(ts.rt.stream())
	waitWorkerState(t, ts, id, models.StateActive)
	ws.Close()

	// Reconnect from a cursor mid-stream.
	fresh := ts.dial(t, "version=1&conversation="+id+"&last_sequence=1")
	env := readEnvelope(t, fresh)
	if env.Type != protocol.EventReplay || env.Seq != 0 {
		t.Fatalf("first replay = type %q seq %d", env.Type, env.Seq)
	}
	var payload protocol.MessagePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Seq != 2 || payload.Content != "two" {
		t.Errorf("replay payload = %+v", payload)
	}

	env = readEnvelope(t, fresh)
	if env.Type != protocol.EventSessionState || env.Seq != 1 {
		t.Fatalf("snapshot = type %q seq %d", env.Type, env.Seq)
	}
}

func TestWS_ReplayBacklogLargerThanSendBuffer(t *testing.T) {
	ts := newTestServerWithBuffer(t, true, 4)
	id := ts.createConversation(t)

	// Build up a durable backlog well past the send buffer.
	resp, _ := ts.post(t, "/api/conversations/"+id+"/messages", map[string]string{"text": "go"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}
	waitWorkerState(t, ts, id, models.StateStreaming)
	for i := 0; i < 20; i++ {
		ts.rt.stream() <- runtime.Event{Kind: runtime.EventText, Text: "chunk"}
	}
	ts.rt.stream() <- runtime.Event{Kind: runtime.EventDone}
	close(ts.rt.stream())
	waitWorkerState(t, ts, id, models.StateActive)

	// A cursor-zero client must be able to catch up even if the server
	// drops it mid-replay: each connection flushes what it delivered,
	// the cursor advances, and the next dial resumes from there.
	cursor := int64(0)
	replayed := 0
	caughtUp := false
	for attempt := 0; attempt < 10 && !caughtUp; attempt++ {
		ws := ts.dial(t, "version=1&conversation="+id+"&last_sequence="+strconv.FormatInt(cursor, 10))
		for {
			ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			var env protocol.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				break // dropped mid-replay; reconnect with the new cursor
			}
			if env.Type == protocol.EventReplay {
				var payload protocol.MessagePayload
				if derr := json.Unmarshal(env.Payload, &payload); derr != nil {
					t.Fatalf("decode payload: %v", derr)
				}
				if payload.Seq > cursor {
					cursor = payload.Seq
				}
				replayed++
			}
			if env.Type == protocol.EventSessionState {
				caughtUp = true
				break
			}
		}
		ws.Close()
	}

	if !caughtUp {
		t.Fatalf("client never caught up; replayed %d messages", replayed)
	}
	if replayed != 20 {
		t.Errorf("replayed %d messages, want 20", replayed)
	}
}

// ---------------------------------------------------------------------------
// SSE
// ---------------------------------------------------------------------------

func TestSSE_Connected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/events", handleSSE(nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "event: connected") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

