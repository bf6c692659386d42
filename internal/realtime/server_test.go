package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"switchboard/internal/events"
	"switchboard/internal/pane"
	"switchboard/internal/permission"
	"switchboard/internal/protocol"
	"switchboard/internal/registry"
	"switchboard/internal/router"
	"switchboard/internal/store"
	"switchboard/internal/tracker"
)

// memoryPane is an always-succeeding pane controller that records calls.
type memoryPane struct {
	mu    sync.Mutex
	calls []string
}

func (m *memoryPane) SendLiteral(paneRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "literal:"+text)
	return nil
}

func (m *memoryPane) SendKey(paneRef string, key pane.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "key:"+string(key))
	return nil
}

func (m *memoryPane) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// stubRunner answers tracker ops from a scripted bead store.
type stubRunner struct {
	beads map[string]tracker.Bead
}

func (s *stubRunner) Run(ctx context.Context, op string, args []string, opts tracker.ExecOpts) tracker.Result {
	switch op {
	case "show":
		if bead, ok := s.beads[args[0]]; ok {
			data, _ := json.Marshal(bead)
			return tracker.Result{Success: true, Data: data}
		}
		return tracker.Result{
			Success: false,
			Error:   &tracker.ResultError{Code: tracker.CodeCommandFailed, Message: "issue not found"},
		}
	case "close-eligible":
		return tracker.Result{Success: true, Data: json.RawMessage(`[]`)}
	default:
		return tracker.Result{Success: true, Data: json.RawMessage(`{"message":"ok"}`)}
	}
}

func newTestServer(t *testing.T) (*Server, *registry.Registry, *memoryPane) {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus()
	reg, err := registry.New(db, bus)
	if err != nil {
		t.Fatal(err)
	}

	mp := &memoryPane{}
	rt := router.New(reg, mp, bus)

	perms, err := permission.NewService(filepath.Join(dir, "permissions.json"), rt, bus)
	if err != nil {
		t.Fatal(err)
	}

	gw := tracker.New(&stubRunner{beads: map[string]tracker.Bead{
		"epic-1": {ID: "epic-1", Title: "big feature", Type: tracker.TypeEpic, Status: "open"},
	}}, bus, tracker.ExecOpts{}, time.Second)

	srv := New(reg, rt, perms, gw, bus, "")
	t.Cleanup(srv.Close)
	return srv, reg, mp
}

func dialWS(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return msg
}

func TestServer_Handler(t *testing.T) {
	srv, _, _ := newTestServer(t)
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var sessions []*registry.Session
	json.NewDecoder(w.Body).Decode(&sessions)
	if len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
}

func TestServer_CreateSessionBadBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/sessions", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateSessionMissingPane(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(`{"name":"agent"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateAndGetSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	body := `{"id":"s1","name":"agent","pane":"%1","projectPath":"/work"}`
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("GET", "/sessions/s1", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var sess registry.Session
	json.NewDecoder(w.Body).Decode(&sess)
	if sess.Status != registry.StatusIdle {
		t.Errorf("expected idle, got %s", sess.Status)
	}
	if sess.Pane != "%1" {
		t.Errorf("expected pane %%1, got %s", sess.Pane)
	}
}

func TestServer_CreateSessionDuplicate(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	handler := srv.Handler()

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(`{"id":"s1","pane":"%2"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestServer_GetSessionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_SendInputUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/sessions/ghost/input", strings.NewReader(`{"text":"hi"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_SendInputQueuesWhileWorking(t *testing.T) {
	srv, reg, mp := newTestServer(t)
	handler := srv.Handler()

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1", Status: registry.StatusWorking}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/sessions/s1/input", strings.NewReader(`{"text":"hello"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if len(mp.callLog()) != 0 {
		t.Error("input to a working session must not reach the pane")
	}

	var resp struct {
		Queued int `json:"queued"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Queued != 1 {
		t.Errorf("expected queued=1, got %d", resp.Queued)
	}
}

func TestServer_IdleTransitionFlushesQueue(t *testing.T) {
	srv, reg, mp := newTestServer(t)
	handler := srv.Handler()

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1", Status: registry.StatusWorking}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/sessions/s1/input", strings.NewReader(`{"text":"queued line"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("PATCH", "/sessions/s1/status", strings.NewReader(`{"status":"idle"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	// The flush runs in a goroutine after the transition.
	deadline := time.After(2 * time.Second)
	for {
		if calls := mp.callLog(); len(calls) >= 2 {
			if calls[0] != "literal:queued line" {
				t.Errorf("unexpected flush dispatch %v", calls)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("queued input never flushed after idle transition")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServer_OfflineTransitionClearsQueue(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	handler := srv.Handler()

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1", Status: registry.StatusWorking}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/sessions/s1/input", strings.NewReader(`{"text":"doomed"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("PATCH", "/sessions/s1/status", strings.NewReader(`{"status":"offline"}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("GET", "/sessions/s1/queue", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp struct {
		Length int `json:"length"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Length != 0 {
		t.Errorf("expected empty queue after offline, got %d entries", resp.Length)
	}
}

func TestServer_UpdateStatusInvalid(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	handler := srv.Handler()

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("PATCH", "/sessions/s1/status", strings.NewReader(`{"status":"napping"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_OutputLineAutoApproves(t *testing.T) {
	srv, reg, mp := newTestServer(t)
	handler := srv.Handler()

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1", Status: registry.StatusWorking}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("PATCH", "/permissions/config", strings.NewReader(`{"sessionModes":{"s1":"auto_accept"}}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("config update failed: %d %s", w.Code, w.Body.String())
	}

	body := `{"line":"Do you want to allow Bash to run ls?"}`
	req = httptest.NewRequest("POST", "/sessions/s1/output", strings.NewReader(body))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp struct {
		Events            []permission.Event `json:"events"`
		PermissionHandled bool               `json:"permissionHandled"`
	}
	json.NewDecoder(w.Body).Decode(&resp)

	if !resp.PermissionHandled {
		t.Fatal("expected permissionHandled=true")
	}
	if len(resp.Events) != 1 || resp.Events[0].Response != "approved" {
		t.Errorf("expected a single approved event, got %+v", resp.Events)
	}

	calls := mp.callLog()
	if len(calls) != 2 || calls[0] != "literal:y" || calls[1] != "key:Enter" {
		t.Errorf("expected approval keystrokes, got %v", calls)
	}
}

func TestServer_PermissionConfigRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("PATCH", "/permissions/config", strings.NewReader(`{"toolModes":{"Bash":"auto_deny"}}`))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest("GET", "/permissions/config", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var cfg permission.Config
	json.NewDecoder(w.Body).Decode(&cfg)
	if cfg.ToolModes["Bash"] != permission.ModeAutoDeny {
		t.Errorf("expected Bash auto_deny, got %+v", cfg)
	}
	if cfg.DefaultMode != permission.ModeManual {
		t.Errorf("expected default manual, got %s", cfg.DefaultMode)
	}
}

func TestServer_PermissionConfigRejectsBadMode(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("PATCH", "/permissions/config", strings.NewReader(`{"defaultMode":"yolo"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CloseEpicBlocked(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/beads/epic-1/close", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}

	var res tracker.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Error == nil || res.Error.Code != tracker.CodeEpicCloseBlocked {
		t.Errorf("expected EPIC_CLOSE_BLOCKED, got %+v", res)
	}
}

func TestServer_CreateBead(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/beads", strings.NewReader(`{"title":"fix websocket drop"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var res tracker.Result
	json.NewDecoder(w.Body).Decode(&res)
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
}

func TestServer_WebSocketSessionList(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeSessionUpdate {
		t.Fatalf("expected session.update, got %s", msg.Type)
	}

	var p protocol.SessionUpdatePayload
	json.Unmarshal(msg.Payload, &p)
	if p.ID != "s1" {
		t.Errorf("expected session s1, got %s", p.ID)
	}
}

func TestServer_WebSocketReplaysRecentEvents(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	// Close a bead before any client is connected.
	req := httptest.NewRequest("POST", "/beads/task-1/close", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("close failed: %d %s", w.Code, w.Body.String())
	}

	// A client connecting afterwards gets the session list followed by
	// the buffered bead event.
	ws := dialWS(t, httpSrv.URL)
	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeSessionUpdate {
		t.Fatalf("expected session.update first, got %s", msg.Type)
	}

	msg = readMessage(t, ws)
	if msg.Type != protocol.TypeBeadClosed {
		t.Fatalf("expected bead.closed replay, got %s", msg.Type)
	}

	var p protocol.BeadEventPayload
	json.Unmarshal(msg.Payload, &p)
	if p.ID != "task-1" {
		t.Errorf("expected bead task-1, got %s", p.ID)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeError {
		t.Errorf("expected error message, got %s", msg.Type)
	}
}

func TestServer_WebSocketStatusChangeBroadcast(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	// First message is the initial session list.
	readMessage(t, ws)

	if err := reg.UpdateStatus("s1", registry.StatusWorking); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeSessionUpdate {
		t.Fatalf("expected session.update broadcast, got %s", msg.Type)
	}

	var p protocol.SessionUpdatePayload
	json.Unmarshal(msg.Payload, &p)
	if p.Status != "working" {
		t.Errorf("expected working, got %s", p.Status)
	}
}

func TestServer_WebSocketSendInput(t *testing.T) {
	srv, reg, mp := newTestServer(t)

	if _, err := reg.Create(registry.Spec{ID: "s1", Pane: "%1"}); err != nil {
		t.Fatal(err)
	}

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws := dialWS(t, httpSrv.URL)
	readMessage(t, ws)

	payload, _ := json.Marshal(map[string]string{"sessionId": "s1", "text": "run tests"})
	msg := map[string]interface{}{"type": "input.send", "payload": json.RawMessage(payload)}
	data, _ := json.Marshal(msg)
	ws.WriteMessage(websocket.TextMessage, data)

	deadline := time.After(2 * time.Second)
	for {
		if calls := mp.callLog(); len(calls) >= 2 {
			if calls[0] != "literal:run tests" {
				t.Errorf("unexpected dispatch %v", calls)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("input never reached the pane")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}
