package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
)

type extState int

const (
	extIdle extState = iota
	extConnected
)

type extResult struct {
	env *Envelope
	err error
}

type pendingExtRequest struct {
	deadline time.Time
	done     chan extResult
}

// ExtensionLink is the singleton privileged socket from the browser
// extension (spec.md §3 "ExtensionLink", §4.C). It multiplexes requests
// from many clients over one connection and fails them all, in bulk, on
// disconnect or replacement.
type ExtensionLink struct {
	cfg *Config

	mu      sync.Mutex
	conn    *websocket.Conn
	state   extState
	nextID  int64
	pending map[int64]*pendingExtRequest
	stateCh chan struct{}

	writeMu sync.Mutex

	missedPongs   int
	heartbeatStop chan struct{}

	onEvent      func(env *Envelope)
	onBinary     func(data []byte)
	onDisconnect func()
	onReconnect  func()

	log *log.Logger
}

func NewExtensionLink(cfg *Config, onEvent func(*Envelope), onBinary func([]byte), onDisconnect, onReconnect func()) *ExtensionLink {
	return &ExtensionLink{
		cfg:         cfg,
		pending:     make(map[int64]*pendingExtRequest),
		stateCh:     make(chan struct{}),
		onEvent:     onEvent,
		onBinary:    onBinary,
		onDisconnect: onDisconnect,
		onReconnect: onReconnect,
		log:         log.New(log.Writer(), "cdp-relay[extension]: ", log.LstdFlags),
	}
}

func (e *ExtensionLink) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == extConnected
}

// Bind installs a freshly upgraded extension socket as the link,
// displacing any previous connection (spec.md §4.C "a second extension
// connecting displaces the first").
func (e *ExtensionLink) Bind(conn *websocket.Conn) {
	e.mu.Lock()
	old := e.conn
	oldStop := e.heartbeatStop
	e.conn = conn
	e.state = extConnected
	e.missedPongs = 0
	e.heartbeatStop = make(chan struct{})
	close(e.stateCh)
	e.stateCh = make(chan struct{})
	stop := e.heartbeatStop
	e.mu.Unlock()

	if old != nil {
		if oldStop != nil {
			close(oldStop)
		}
		_ = old.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced by new extension connection"),
			time.Now().Add(writeWait))
		_ = old.Close()
		e.failAllPending(ErrExtensionReplaced)
	}

	conn.SetPongHandler(func(string) error {
		e.mu.Lock()
		e.missedPongs = 0
		e.mu.Unlock()
		return nil
	})

	go e.heartbeatLoop(conn, stop)

	if e.onReconnect != nil {
		e.onReconnect()
	}
}

// Unbind transitions the link back to idle, but only if conn is still the
// bound connection (a newer Bind may already have replaced it).
func (e *ExtensionLink) Unbind(conn *websocket.Conn) {
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.state = extIdle
	if e.heartbeatStop != nil {
		close(e.heartbeatStop)
		e.heartbeatStop = nil
	}
	close(e.stateCh)
	e.stateCh = make(chan struct{})
	e.mu.Unlock()

	e.failAllPending(ErrExtensionUnavailable)
	if e.onDisconnect != nil {
		e.onDisconnect()
	}
}

// Shutdown closes the link as part of process shutdown (spec.md §5).
func (e *ExtensionLink) Shutdown() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay shutting down"),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

func (e *ExtensionLink) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.conn != conn {
				e.mu.Unlock()
				return
			}
			e.missedPongs++
			missed := e.missedPongs
			e.mu.Unlock()
			if missed > e.cfg.HeartbeatMissedLimit {
				e.log.Printf("missed %d heartbeats, closing extension link", missed)
				_ = conn.Close()
				return
			}
			_ = e.writeRaw(conn, websocket.PingMessage, nil)
		}
	}
}

// waitForConnection blocks until the link becomes connected or timeout
// elapses, implementing GracePolicyWaitThenFail (spec.md §4.C).
func (e *ExtensionLink) waitForConnection(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		if e.state == extConnected {
			e.mu.Unlock()
			return true
		}
		ch := e.stateCh
		e.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ch:
			continue
		case <-time.After(remaining):
			return false
		}
	}
}

func (e *ExtensionLink) ensureConnected() bool {
	e.mu.Lock()
	connected := e.state == extConnected
	e.mu.Unlock()
	if connected {
		return true
	}
	if e.cfg.GracePolicy == GracePolicyRejectImmediately {
		return false
	}
	return e.waitForConnection(e.cfg.GraceWindow)
}

// Send issues one CDP command to the extension and blocks for its
// response, multiplexing by a relay-minted request id (spec.md §4.E "(1)
// Client -> extension"). sessionID, when non-empty, is the
// extension-visible tab tag (not a relay sessionId).
func (e *ExtensionLink) Send(method string, params json.RawMessage, sessionID target.SessionID) (*Envelope, error) {
	if !e.ensureConnected() {
		return nil, ErrExtensionUnavailable
	}

	e.mu.Lock()
	e.nextID++
	extID := e.nextID
	req := &pendingExtRequest{deadline: time.Now().Add(e.cfg.ExtensionRequestTimeout), done: make(chan extResult, 1)}
	e.pending[extID] = req
	conn := e.conn
	e.mu.Unlock()

	out := &Envelope{ID: extID, Method: method, Params: params, SessionID: sessionID}
	data, err := out.Encode()
	if err != nil {
		e.dropPending(extID)
		return nil, err
	}
	if werr := e.writeRaw(conn, websocket.TextMessage, data); werr != nil {
		e.dropPending(extID)
		return nil, ErrExtensionUnavailable
	}

	timer := time.NewTimer(e.cfg.ExtensionRequestTimeout)
	defer timer.Stop()
	select {
	case res := <-req.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.env, nil
	case <-timer.C:
		e.dropPending(extID)
		return nil, ErrTimeout
	}
}

func (e *ExtensionLink) writeRaw(conn *websocket.Conn, mt int, data []byte) error {
	if conn == nil {
		return ErrExtensionUnavailable
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(mt, data)
}

func (e *ExtensionLink) dropPending(extID int64) {
	e.mu.Lock()
	delete(e.pending, extID)
	e.mu.Unlock()
}

func (e *ExtensionLink) failAllPending(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[int64]*pendingExtRequest)
	e.mu.Unlock()
	for _, req := range pending {
		req.done <- extResult{err: err}
	}
}

func (e *ExtensionLink) handleResponse(env *Envelope) {
	e.mu.Lock()
	req, ok := e.pending[env.ID]
	if ok {
		delete(e.pending, env.ID)
	}
	e.mu.Unlock()
	if !ok {
		// Late response to a canceled/timed-out request (spec.md §5): discard.
		return
	}
	req.done <- extResult{env: env}
}

// ReadLoop drains one extension connection until it closes. Responses to
// outstanding Send calls are resolved internally; everything else
// (notifications, tab lifecycle signals, recording metadata) is handed to
// onEvent, and binary frames to onBinary.
func (e *ExtensionLink) ReadLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			env, derr := DecodeEnvelope(data)
			if derr != nil {
				e.log.Printf("protocol error from extension: %v", derr)
				continue
			}
			if env.Method == "" && env.ID != 0 {
				e.handleResponse(env)
			} else if e.onEvent != nil {
				e.onEvent(env)
			}
		case websocket.BinaryMessage:
			if e.onBinary != nil {
				e.onBinary(data)
			}
		}
	}
}
