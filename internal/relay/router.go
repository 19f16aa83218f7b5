package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
)

// Router joins the client registry, extension channel, and target
// manager (spec.md §4.E): it rewrites ids and sessionIds in both
// directions, fans synthesized target-lifecycle and CDP debugger events
// out to the clients that should see them, and owns every Session record.
type Router struct {
	cfg *Config

	mu         sync.Mutex
	clients    map[string]*Client // keyed by Client.connKey
	observers  map[*Client]bool   // clients with autoAttach == true
	sessions   map[string]*Session
	sessionSeq int64

	ext          *ExtensionLink
	tm           *TargetManager
	recordingMgr *RecordingManager

	metrics     *Metrics
	sink        EventSink
	errs        *ErrorTracker
	rateLimiter *RateLimiter
	breaker     *CircuitBreaker

	log *log.Logger
}

func NewRouter(cfg *Config, metrics *Metrics, sink EventSink) *Router {
	r := &Router{
		cfg:         cfg,
		clients:     make(map[string]*Client),
		observers:   make(map[*Client]bool),
		sessions:    make(map[string]*Session),
		metrics:     metrics,
		sink:        sink,
		errs:        NewErrorTracker(),
		rateLimiter: NewRateLimiter(),
		breaker:     NewCircuitBreaker(),
		log:         log.New(log.Writer(), "cdp-relay[router]: ", log.LstdFlags),
	}
	r.tm = NewTargetManager(cfg.FrozenTargetTimeout, r.handleTargetEvent)
	r.ext = NewExtensionLink(cfg, r.handleExtensionEvent, func(data []byte) { r.recordingMgr.OnBinary(data) }, r.handleExtensionDisconnect, r.handleExtensionReconnect)
	r.recordingMgr = NewRecordingManager(cfg.RecordingFinalTimeout, r.ext, r.tm.FirstTabID)
	return r
}

func (r *Router) ExtensionConnected() bool { return r.ext.Connected() }

func (r *Router) RegisterClient(c *Client) {
	r.mu.Lock()
	r.clients[c.connKey] = c
	r.mu.Unlock()
	r.metrics.IncClientConnected()
	r.sink.Publish("client_connected", map[string]interface{}{"clientId": c.ID})
}

// UnregisterClient tears down every session the client held, detaching
// the underlying target from the extension if no other client still
// observes it (spec.md §3 client lifecycle rule).
func (r *Router) UnregisterClient(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.connKey)
	delete(r.observers, c)
	var owned []*Session
	for id, s := range r.sessions {
		if s.Client == c {
			owned = append(owned, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range owned {
		if !r.targetHasSessions(s.Target.ID) {
			params, _ := json.Marshal(map[string]string{"tabId": s.Target.TabID})
			_, _ = r.ext.Send("detachDebugger", params, "")
		}
	}

	r.metrics.DecClientConnected()
	r.sink.Publish("client_disconnected", map[string]interface{}{"clientId": c.ID})
}

func (r *Router) targetHasSessions(id target.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Target.ID == id {
			return true
		}
	}
	return false
}

// HandleClientMessage decodes and dispatches one frame read from a
// client's socket (spec.md §4.E).
func (r *Router) HandleClientMessage(c *Client, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		r.errs.RecordError("protocol_error", c.ID)
		c.fail(websocket.CloseProtocolError, "malformed CDP envelope")
		return
	}

	r.metrics.IncRequests()

	if env.Method == "" && env.ID != 0 {
		return // a bare response from a client is meaningless; ignore it
	}

	if !r.rateLimiter.CheckRateLimit(c.ID) {
		r.errs.RecordError("rate_limit_exceeded", c.ID)
		c.deliver(&Envelope{ID: env.ID, Error: cdpError(genericCDPErrorCode, "Rate limit exceeded")})
		return
	}
	if !r.breaker.CanExecute() {
		r.errs.RecordError("circuit_breaker_open", c.ID)
		c.deliver(&Envelope{ID: env.ID, Error: cdpError(genericCDPErrorCode, "Extension circuit breaker open")})
		return
	}

	if resp, after, handled := r.handleIntercepted(c, env); handled {
		resp.ID = env.ID
		c.deliver(resp)
		// Any synthesized Target.* events triggered by this command
		// (e.g. attachedToTarget from setAutoAttach/attachToTarget) must
		// reach the client strictly after its own ack, per spec.md §8
		// scenario 1.
		if after != nil {
			after()
		}
		return
	}

	r.forwardToExtension(c, env.ID, env)
}

// forwardToExtension implements spec.md §4.E "(1) Client -> extension":
// rewrite the client-visible sessionId to the extension-visible tab tag,
// issue the command, and rewrite the response id back.
func (r *Router) forwardToExtension(c *Client, origID int64, env *Envelope) {
	var extSessionID target.SessionID
	if env.SessionID != "" {
		r.mu.Lock()
		sess, ok := r.sessions[string(env.SessionID)]
		r.mu.Unlock()
		if !ok {
			c.deliver(&Envelope{ID: origID, Error: cdpError(genericCDPErrorCode, "No session with given id")})
			return
		}
		extSessionID = target.SessionID(sess.Target.TabID)
	}

	resp, err := r.ext.Send(env.Method, env.Params, extSessionID)
	if err != nil {
		r.breaker.RecordFailure()
		r.errs.RecordError(errorKind(err), c.ID)
		c.deliver(&Envelope{ID: origID, SessionID: env.SessionID, Error: translateExtensionError(err)})
		return
	}
	r.breaker.RecordSuccess()
	resp.ID = origID
	resp.SessionID = env.SessionID
	c.deliver(resp)
}

// handleIntercepted answers a locally-handled method (spec.md §4.E/§9's
// fixed, documented table). The returned func, when non-nil, delivers any
// synthesized Target.* events the command triggers; the caller MUST invoke
// it only after the ack envelope itself has been delivered, so that a
// client's own "{id:1,result:{}}" always precedes any attachedToTarget it
// provoked (spec.md §8 scenario 1).
func (r *Router) handleIntercepted(c *Client, env *Envelope) (*Envelope, func(), bool) {
	if !isIntercepted(env.Method) {
		return nil, nil, false
	}
	switch env.Method {
	case "Target.setAutoAttach":
		resp, after := r.handleSetAutoAttach(c, env)
		return resp, after, true
	case "Target.getTargets":
		return r.handleGetTargets(), nil, true
	case "Target.attachToTarget":
		resp, after := r.handleAttachToTarget(c, env)
		return resp, after, true
	case "Target.detachFromTarget":
		return r.handleDetachFromTarget(env), nil, true
	case "Browser.getVersion":
		return &Envelope{Result: mustJSON(browserVersion(r.cfg.Version))}, nil, true
	case "Browser.close", "Browser.setDownloadBehavior":
		return &Envelope{Result: json.RawMessage(`{}`)}, nil, true
	}
	return nil, nil, false
}

type setAutoAttachParams struct {
	AutoAttach bool `json:"autoAttach"`
}

func (r *Router) handleSetAutoAttach(c *Client, env *Envelope) (*Envelope, func()) {
	var p setAutoAttachParams
	_ = json.Unmarshal(env.Params, &p)

	r.mu.Lock()
	if p.AutoAttach {
		r.observers[c] = true
	} else {
		delete(r.observers, c)
	}
	r.mu.Unlock()
	c.setAutoAttach(p.AutoAttach)

	var after func()
	if p.AutoAttach {
		var toAnnounce []*Session
		for _, t := range r.tm.Snapshot() {
			if _, already := c.hasSession(t.ID); !already {
				toAnnounce = append(toAnnounce, r.attachClientToTarget(c, t))
			}
		}
		if len(toAnnounce) > 0 {
			after = func() {
				for _, sess := range toAnnounce {
					r.announceAttached(sess)
				}
			}
		}
	}
	return &Envelope{Result: json.RawMessage(`{}`)}, after
}

func (r *Router) handleGetTargets() *Envelope {
	targets := r.tm.Snapshot()
	infos := make([]TargetInfo, 0, len(targets))
	for _, t := range targets {
		infos = append(infos, t.info())
	}
	result := struct {
		TargetInfos []TargetInfo `json:"targetInfos"`
	}{TargetInfos: infos}
	return &Envelope{Result: mustJSON(result)}
}

type attachToTargetParams struct {
	TargetID string `json:"targetId"`
}

func (r *Router) handleAttachToTarget(c *Client, env *Envelope) (*Envelope, func()) {
	var p attachToTargetParams
	_ = json.Unmarshal(env.Params, &p)

	t, ok := r.tm.Lookup(target.ID(p.TargetID))
	if !ok {
		return &Envelope{Error: cdpError(genericCDPErrorCode, "No target with given id found")}, nil
	}
	if sess, already := c.hasSession(t.ID); already {
		return &Envelope{Result: mustJSON(struct {
			SessionID string `json:"sessionId"`
		}{sess.ID})}, nil
	}
	sess := r.attachClientToTarget(c, t)
	resp := &Envelope{Result: mustJSON(struct {
		SessionID string `json:"sessionId"`
	}{sess.ID})}
	return resp, func() { r.announceAttached(sess) }
}

type detachFromTargetParams struct {
	SessionID string `json:"sessionId"`
}

func (r *Router) handleDetachFromTarget(env *Envelope) *Envelope {
	var p detachFromTargetParams
	_ = json.Unmarshal(env.Params, &p)
	r.detachSession(p.SessionID, true)
	return &Envelope{Result: json.RawMessage(`{}`)}
}

// attachClientToTarget mints a new session for (c, t). It does NOT deliver
// the Target.attachedToTarget notification — callers that mint a session
// in direct response to a client command must defer that delivery (via
// announceAttached) until after the command's own ack has been sent, per
// spec.md §8 scenario 1; callers reacting to an asynchronous target event
// (handleTargetEvent) may announce immediately since there is no ack to
// race.
func (r *Router) attachClientToTarget(c *Client, t *Target) *Session {
	r.mu.Lock()
	r.sessionSeq++
	sessID := fmt.Sprintf("s%d", r.sessionSeq)
	sess := &Session{ID: sessID, Client: c, Target: t}
	r.sessions[sessID] = sess
	r.mu.Unlock()

	c.addSession(sess)
	return sess
}

// announceAttached delivers the Target.attachedToTarget notification for a
// session minted by attachClientToTarget.
func (r *Router) announceAttached(sess *Session) {
	evt := attachedToTargetEvent{SessionID: sess.ID, TargetInfo: sess.Target.info()}
	sess.Client.deliver(&Envelope{Method: "Target.attachedToTarget", Params: mustJSON(evt)})
	r.sink.Publish("session_attached", map[string]interface{}{"sessionId": sess.ID, "targetId": string(sess.Target.ID), "clientId": sess.Client.ID})
}

// detachSession removes a session and, if no other client still observes
// the target, tells the extension to detach its debugger.
func (r *Router) detachSession(sessionID string, notifyClient bool) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	sess.Client.removeSession(sessionID)

	if notifyClient {
		sess.Client.deliver(&Envelope{Method: "Target.detachedFromTarget", Params: mustJSON(struct {
			SessionID string `json:"sessionId"`
		}{sessionID})})
	}

	if !r.targetHasSessions(sess.Target.ID) {
		params, _ := json.Marshal(map[string]string{"tabId": sess.Target.TabID})
		_, _ = r.ext.Send("detachDebugger", params, "")
	}
}

// handleTargetEvent reacts to a Target lifecycle transition reported by
// the TargetManager (spec.md §4.D/§4.E "(3) Target lifecycle injection").
func (r *Router) handleTargetEvent(evt TargetEvent) {
	switch evt.Kind {
	case TargetEventCreated:
		r.broadcastToObservers(&Envelope{Method: "Target.targetCreated", Params: mustJSON(struct {
			TargetInfo TargetInfo `json:"targetInfo"`
		}{evt.Target.info()})})

		r.mu.Lock()
		observers := make([]*Client, 0, len(r.observers))
		for c := range r.observers {
			observers = append(observers, c)
		}
		r.mu.Unlock()
		for _, c := range observers {
			if _, already := c.hasSession(evt.Target.ID); !already {
				r.announceAttached(r.attachClientToTarget(c, evt.Target))
			}
		}

	case TargetEventInfoChanged:
		r.broadcastToObservers(&Envelope{Method: "Target.targetInfoChanged", Params: mustJSON(struct {
			TargetInfo TargetInfo `json:"targetInfo"`
		}{evt.Target.info()})})

	case TargetEventFrozenOrDropped:
		r.mu.Lock()
		var affected []*Session
		for id, s := range r.sessions {
			if s.Target.ID == evt.Target.ID {
				affected = append(affected, s)
				delete(r.sessions, id)
			}
		}
		r.mu.Unlock()

		for _, s := range affected {
			s.Client.removeSession(s.ID)
			s.Client.deliver(&Envelope{Method: "Target.detachedFromTarget", Params: mustJSON(struct {
				SessionID string `json:"sessionId"`
			}{s.ID})})
		}

		r.broadcastToObservers(&Envelope{Method: "Target.targetDestroyed", Params: mustJSON(struct {
			TargetID string `json:"targetId"`
		}{string(evt.Target.ID)})})
	}
}

func (r *Router) broadcastToObservers(env *Envelope) {
	r.mu.Lock()
	observers := make([]*Client, 0, len(r.observers))
	for c := range r.observers {
		observers = append(observers, c)
	}
	r.mu.Unlock()
	for _, c := range observers {
		c.deliver(env)
	}
}

// handleExtensionEvent dispatches one notification read from the
// extension link: internal tab-lifecycle signals, recording metadata, or
// a genuine CDP debugger event to fan out (spec.md §4.E "(2) Extension ->
// clients").
func (r *Router) handleExtensionEvent(env *Envelope) {
	switch env.Method {
	case "Relay.tabAttached":
		var p struct {
			TabID string `json:"tabId"`
			URL   string `json:"url"`
			Title string `json:"title"`
		}
		_ = json.Unmarshal(env.Params, &p)
		r.tm.TabAttached(p.TabID, p.URL, p.Title)

	case "Relay.tabDetached":
		var p struct {
			TabID  string `json:"tabId"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(env.Params, &p)
		r.tm.TabDetached(p.TabID, p.Reason)

	case "Relay.tabNavigated":
		var p struct {
			TabID string `json:"tabId"`
			URL   string `json:"url"`
			Title string `json:"title"`
		}
		_ = json.Unmarshal(env.Params, &p)
		r.tm.TabNavigated(p.TabID, p.URL, p.Title)

	case "recordingData":
		var p struct {
			TabID string `json:"tabId"`
			Final bool   `json:"final"`
		}
		_ = json.Unmarshal(env.Params, &p)
		r.recordingMgr.OnRecordingMetadata(p.TabID, p.Final)

	default:
		r.fanOutDebuggerEvent(env)
	}
}

func (r *Router) fanOutDebuggerEvent(env *Envelope) {
	tabID := string(env.SessionID)
	t, ok := r.tm.LookupByTab(tabID)
	if !ok {
		return
	}

	r.mu.Lock()
	var sessions []*Session
	for _, s := range r.sessions {
		if s.Target.ID == t.ID {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	for _, s := range sessions {
		out := &Envelope{Method: env.Method, Params: env.Params, SessionID: target.SessionID(s.ID)}
		s.Client.deliver(out)
	}
}

func (r *Router) handleExtensionDisconnect() {
	r.tm.ExtensionDisconnected()
	r.recordingMgr.OnExtensionDisconnected()
	r.errs.RecordError("extension_disconnected", "")
	r.sink.Publish("extension_disconnected", nil)
}

func (r *Router) handleExtensionReconnect() {
	r.metrics.IncExtensionReconnect()
	r.sink.Publish("extension_connected", nil)
}

// BroadcastShutdown tells every client that its targets are gone, then
// closes their sockets (spec.md §5 graceful shutdown).
func (r *Router) BroadcastShutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	targets := r.tm.Snapshot()
	r.mu.Unlock()

	for _, s := range sessions {
		s.Client.deliver(&Envelope{Method: "Target.detachedFromTarget", Params: mustJSON(struct {
			SessionID string `json:"sessionId"`
		}{s.ID})})
	}
	for _, t := range targets {
		r.broadcastToObservers(&Envelope{Method: "Target.targetDestroyed", Params: mustJSON(struct {
			TargetID string `json:"targetId"`
		}{string(t.ID)})})
	}
	for _, c := range clients {
		c.fail(websocket.CloseNormalClosure, "relay shutting down")
	}
}

func (r *Router) CloseExtension() {
	r.ext.Shutdown()
}

func (r *Router) ErrorSnapshot() map[string]ErrorPattern {
	return r.errs.Snapshot()
}
