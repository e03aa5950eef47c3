package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/motorctl/internal/ble"
	"github.com/chaz8081/motorctl/internal/control"
)

// fakeController records applied actions and fails on "bad".
type fakeController struct {
	applied chan string

	mu  sync.Mutex
	err error
}

func (f *fakeController) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newFakeController() *fakeController {
	return &fakeController{applied: make(chan string, 16)}
}

func (f *fakeController) Apply(action string) error {
	if action == "bad" {
		return errors.New("control: unknown action \"bad\"")
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.applied <- action
	return nil
}

func (f *fakeController) Selection() control.Selection {
	return control.Selection{Program: "Pulse", Intensity: 50, Speed: 40}
}

func newTestServer(t *testing.T) (*Server, *ble.Publisher, *fakeController, *httptest.Server) {
	t.Helper()
	pub := ble.NewPublisher(ble.Snapshot{Label: "Scanning..."})
	ctrl := newFakeController()
	s := New("127.0.0.1:0", pub, ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	go s.watch(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		cancel()
		s.hub.Close()
		ts.Close()
	})
	return s, pub, ctrl, ts
}

func TestStatus(t *testing.T) {
	_, pub, _, ts := newTestServer(t)
	pub.Publish(ble.Snapshot{Label: "Ready", Connected: true})

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["label"] != "Ready" || body["isConnected"] != true {
		t.Errorf("body = %v, want label Ready and isConnected true", body)
	}
	if _, ok := body["warning"]; ok {
		t.Errorf("warning should be omitted when empty: %v", body)
	}
	sel, ok := body["selection"].(map[string]interface{})
	if !ok || sel["program"] != "Pulse" {
		t.Errorf("selection = %v", body["selection"])
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	_, _, _, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestAction(t *testing.T) {
	_, _, ctrl, ts := newTestServer(t)

	post := func(body string) int {
		t.Helper()
		resp, err := http.Post(ts.URL+"/action", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST /action: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(`{"action":"cw"}`); code != http.StatusNoContent {
		t.Errorf("valid action status = %d, want 204", code)
	}
	if got := <-ctrl.applied; got != "cw" {
		t.Errorf("applied %q, want cw", got)
	}
	if code := post(`{"action":"bad"}`); code != http.StatusBadRequest {
		t.Errorf("bad action status = %d, want 400", code)
	}
	if code := post(`not json`); code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", code)
	}

	ctrl.setErr(fmt.Errorf("control: stop: %w", ble.ErrNotReady))
	if code := post(`{"action":"off"}`); code != http.StatusConflict {
		t.Errorf("not ready status = %d, want 409", code)
	}
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wireEvent) bool) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if match(ev) {
			return ev
		}
	}
}

func statusLabel(ev wireEvent) string {
	if ev.Type != eventStatus {
		return ""
	}
	var snap ble.Snapshot
	if err := json.Unmarshal(ev.Payload, &snap); err != nil {
		return ""
	}
	return snap.Label
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	s, pub, _, ts := newTestServer(t)
	conn := dialWS(t, ts)

	readUntil(t, conn, func(ev wireEvent) bool { return statusLabel(ev) == "Scanning..." })

	waitClients(t, s, 1)
	pub.Publish(ble.Snapshot{Label: "Connecting..."})
	readUntil(t, conn, func(ev wireEvent) bool { return statusLabel(ev) == "Connecting..." })

	pub.Publish(ble.Snapshot{Label: "Ready", Connected: true})
	ev := readUntil(t, conn, func(ev wireEvent) bool { return statusLabel(ev) == "Ready" })

	var snap ble.Snapshot
	if err := json.Unmarshal(ev.Payload, &snap); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !snap.Connected {
		t.Error("Ready snapshot should be connected")
	}
}

func TestWebSocketAcceptsActions(t *testing.T) {
	_, _, ctrl, ts := newTestServer(t)
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(ActionRequest{Action: "program:Pulse"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-ctrl.applied:
		if got != "program:Pulse" {
			t.Errorf("applied %q, want program:Pulse", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("action not applied")
	}

	if err := conn.WriteJSON(ActionRequest{Action: "bad"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readUntil(t, conn, func(ev wireEvent) bool { return ev.Type == eventError })
	var body ErrorResponse
	if err := json.Unmarshal(ev.Payload, &body); err != nil || !strings.Contains(body.Error, "bad") {
		t.Errorf("error payload = %s", ev.Payload)
	}
}

func TestWebSocketClientRemovedOnClose(t *testing.T) {
	s, _, _, ts := newTestServer(t)
	conn := dialWS(t, ts)
	waitClients(t, s, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitClients(t, s, 0)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	pub := ble.NewPublisher(ble.Snapshot{Label: "Disconnected"})
	s := New(ln.Addr().String(), pub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestActionWithoutController(t *testing.T) {
	pub := ble.NewPublisher(ble.Snapshot{})
	s := New("", pub, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/action", strings.NewReader(`{"action":"on"}`))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", s.hub.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
