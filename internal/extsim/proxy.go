// Package extsim is a reference/test implementation of the relay's
// extension-side contract (spec.md §4.F). The real component runs inside a
// browser extension written in JavaScript and is out of scope for this
// repository; this package exists so the relay's router, target manager,
// and recording channel are testable end-to-end, and to give operators a
// runnable peer for manual smoke testing against a real cdp-relay process.
package extsim

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope mirrors internal/relay's wire codec (spec.md §4.A). extsim keeps
// its own copy instead of importing internal/relay, so both sides of the
// socket share this wire contract but not the Go type.
type Envelope struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *EnvelopeError  `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type EnvelopeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Tab is a simulated browser tab with a live chrome.debugger attachment.
type Tab struct {
	ID    string
	URL   string
	Title string
}

// CommandHandler customizes how a forwarded CDP command is answered. The
// default handler returns an empty {} result for every method.
type CommandHandler func(method string, params json.RawMessage) (json.RawMessage, *EnvelopeError)

// Simulator plays the role of the browser extension (spec.md §4.F): it
// owns tab attach/detach/navigate, answers CDP commands, and emits
// recording chunks over one WebSocket connection to the relay's
// /extension endpoint.
type Simulator struct {
	relayHTTPBase string
	relayWSURL    string

	mu   sync.Mutex
	tabs map[string]*Tab
	conn *websocket.Conn
	done chan struct{}

	CommandHandler CommandHandler

	log *log.Logger
}

// New builds a Simulator targeting relayBaseURL (e.g. "http://127.0.0.1:19988").
func New(relayBaseURL, token string) (*Simulator, error) {
	u, err := url.Parse(relayBaseURL)
	if err != nil {
		return nil, err
	}
	wsScheme := "ws"
	if u.Scheme == "https" {
		wsScheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s/extension", wsScheme, u.Host)
	if token != "" {
		wsURL += "?token=" + url.QueryEscape(token)
	}

	return &Simulator{
		relayHTTPBase: fmt.Sprintf("http://%s", u.Host),
		relayWSURL:    wsURL,
		tabs:          make(map[string]*Tab),
		done:          make(chan struct{}),
		log:           log.New(log.Writer(), "extsim: ", log.LstdFlags),
	}, nil
}

// Connect dials the relay once; callers that want automatic reconnection
// should use Run instead.
func (s *Simulator) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.relayWSURL, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn)
	return nil
}

// Run connects and, on disconnect, polls the relay's reachability probe
// every second before reattempting (spec.md §4.F reconnect behavior). It
// blocks until Stop is called.
func (s *Simulator) Run() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.relayWSURL, nil)
		if err != nil {
			s.log.Printf("dial failed: %v", err)
			s.pollUntilReachable()
			continue
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.readLoop(conn) // blocks until the socket closes

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		s.pollUntilReachable()
	}
}

func (s *Simulator) pollUntilReachable() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			resp, err := http.Head(s.relayHTTPBase + "/")
			if err == nil {
				_ = resp.Body.Close()
				return
			}
		}
	}
}

// Stop closes the simulator's connection and ends Run's reconnect loop.
func (s *Simulator) Stop() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Simulator) readLoop(conn *websocket.Conn) {
	conn.SetPingHandler(func(string) error {
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Printf("bad envelope: %v", err)
			continue
		}
		s.handleEnvelope(conn, &env)
	}
}

func (s *Simulator) handleEnvelope(conn *websocket.Conn, env *Envelope) {
	if env.Method == "" || env.ID == 0 {
		return
	}
	switch env.Method {
	case "startRecording", "stopRecording", "cancelRecording", "detachDebugger":
		s.writeResult(conn, env.ID, json.RawMessage(`{}`))
	default:
		handler := s.CommandHandler
		if handler == nil {
			handler = defaultCommandHandler
		}
		result, cdpErr := handler(env.Method, env.Params)
		if cdpErr != nil {
			s.writeError(conn, env.ID, cdpErr)
			return
		}
		s.writeResult(conn, env.ID, result)
	}
}

func defaultCommandHandler(string, json.RawMessage) (json.RawMessage, *EnvelopeError) {
	return json.RawMessage(`{}`), nil
}

func (s *Simulator) writeResult(conn *websocket.Conn, id int64, result json.RawMessage) {
	s.send(conn, &Envelope{ID: id, Result: result})
}

func (s *Simulator) writeError(conn *websocket.Conn, id int64, cdpErr *EnvelopeError) {
	s.send(conn, &Envelope{ID: id, Error: cdpErr})
}

func (s *Simulator) send(conn *websocket.Conn, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Printf("marshal: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Printf("write: %v", err)
	}
}

// AttachTab simulates the user enabling the extension on a tab and
// announces it to the relay (spec.md §4.D "attached").
func (s *Simulator) AttachTab(tabID, pageURL, title string) {
	s.mu.Lock()
	s.tabs[tabID] = &Tab{ID: tabID, URL: pageURL, Title: title}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	params, _ := json.Marshal(map[string]string{"tabId": tabID, "url": pageURL, "title": title})
	s.send(conn, &Envelope{Method: "Relay.tabAttached", Params: params})
}

// DetachTab simulates the tab closing or the user disabling the extension.
func (s *Simulator) DetachTab(tabID, reason string) {
	s.mu.Lock()
	delete(s.tabs, tabID)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	params, _ := json.Marshal(map[string]string{"tabId": tabID, "reason": reason})
	s.send(conn, &Envelope{Method: "Relay.tabDetached", Params: params})
}

// NavigateTab simulates the tab navigating to a new URL without losing
// its targetId (spec.md §8 scenario 2).
func (s *Simulator) NavigateTab(tabID, pageURL, title string) {
	s.mu.Lock()
	if t, ok := s.tabs[tabID]; ok {
		t.URL, t.Title = pageURL, title
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	params, _ := json.Marshal(map[string]string{"tabId": tabID, "url": pageURL, "title": title})
	s.send(conn, &Envelope{Method: "Relay.tabNavigated", Params: params})
}

// EmitDebuggerEvent forwards a CDP debugger event captured from the
// (simulated) chrome.debugger API for tabID (spec.md §4.F).
func (s *Simulator) EmitDebuggerEvent(tabID, method string, params json.RawMessage) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.send(conn, &Envelope{Method: method, Params: params, SessionID: tabID})
}
