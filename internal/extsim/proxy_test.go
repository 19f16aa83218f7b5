package extsim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoExtensionServer(t *testing.T, onMessage func(conn *websocket.Conn, env map[string]interface{})) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env map[string]interface{}
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if onMessage != nil {
				onMessage(conn, env)
			}
		}
	}))
}

func TestSimulatorNewBuildsWebSocketURL(t *testing.T) {
	sim, err := New("http://127.0.0.1:19988", "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(sim.relayWSURL, "ws://127.0.0.1:19988/extension") {
		t.Fatalf("unexpected ws url: %s", sim.relayWSURL)
	}
	if !strings.Contains(sim.relayWSURL, "token=tok") {
		t.Fatalf("expected token query param, got %s", sim.relayWSURL)
	}
}

func TestSimulatorAttachDetachNavigate(t *testing.T) {
	received := make(chan map[string]interface{}, 16)
	srv := newEchoExtensionServer(t, func(conn *websocket.Conn, env map[string]interface{}) {
		received <- env
	})
	defer srv.Close()

	sim, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sim.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sim.Stop()

	sim.AttachTab("tab-1", "https://a.example", "A")
	env := mustReceive(t, received)
	if env["method"] != "Relay.tabAttached" {
		t.Fatalf("expected Relay.tabAttached, got %v", env["method"])
	}

	sim.NavigateTab("tab-1", "https://b.example", "B")
	env = mustReceive(t, received)
	if env["method"] != "Relay.tabNavigated" {
		t.Fatalf("expected Relay.tabNavigated, got %v", env["method"])
	}

	sim.DetachTab("tab-1", "closed")
	env = mustReceive(t, received)
	if env["method"] != "Relay.tabDetached" {
		t.Fatalf("expected Relay.tabDetached, got %v", env["method"])
	}
}

func TestSimulatorAnswersForwardedCommandWithCustomHandler(t *testing.T) {
	replies := make(chan map[string]interface{}, 4)
	var serverConn *websocket.Conn
	ready := make(chan struct{})
	srv := newEchoExtensionServer(t, func(conn *websocket.Conn, env map[string]interface{}) {
		serverConn = conn
		select {
		case <-ready:
		default:
			close(ready)
		}
		replies <- env
	})
	defer srv.Close()

	sim, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var gotMethod string
	var gotParams json.RawMessage
	handled := make(chan struct{}, 1)
	sim.CommandHandler = func(method string, params json.RawMessage) (json.RawMessage, *EnvelopeError) {
		gotMethod, gotParams = method, params
		handled <- struct{}{}
		return json.RawMessage(`{"ok":true}`), nil
	}

	if err := sim.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sim.Stop()

	// Prime the server with any message so it has a live connection to push
	// a command down, then have it forward a command to the simulator the
	// way a real relay would.
	sim.AttachTab("tab-1", "https://a.example", "A")
	mustReceive(t, replies)

	cmd := Envelope{ID: 1, Method: "Page.enable", Params: json.RawMessage(`{"a":1}`)}
	data, _ := json.Marshal(cmd)
	if err := serverConn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CommandHandler invocation")
	}
	if gotMethod != "Page.enable" {
		t.Fatalf("expected Page.enable, got %s", gotMethod)
	}
	if string(gotParams) != `{"a":1}` {
		t.Fatalf("unexpected params: %s", gotParams)
	}
}

func mustReceive(t *testing.T, ch chan map[string]interface{}) map[string]interface{} {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
