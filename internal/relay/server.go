package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay wires the HTTP/WS server around a Router (spec.md §6), following
// the teacher's CDPProxy Start/Stop lifecycle (internal/cdpproxy/proxy.go).
type Relay struct {
	cfg    *Config
	router *Router
	auth   *Authenticator
	server *http.Server
	log    *log.Logger
}

func New(cfg *Config) *Relay {
	metrics := NewMetrics()
	var sink EventSink = noopEventSink{}
	if cfg.RedisAddr != "" {
		sink = NewRedisEventSink(cfg.RedisAddr, cfg.RedisPassword, "cdp-relay:events")
	}

	rl := &Relay{
		cfg:    cfg,
		router: NewRouter(cfg, metrics, sink),
		auth:   NewAuthenticator(cfg),
		log:    log.New(log.Writer(), "cdp-relay: ", log.LstdFlags),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/version", rl.handleVersion)
	mux.HandleFunc("/", rl.handleRoot)
	mux.HandleFunc("/cdp/", rl.handleCDP)
	mux.HandleFunc("/extension", rl.handleExtension)
	mux.HandleFunc("/metrics", rl.handleMetrics)
	mux.HandleFunc("/recording/start", rl.handleRecordingStart)
	mux.HandleFunc("/recording/stop", rl.handleRecordingStop)
	mux.HandleFunc("/recording/cancel", rl.handleRecordingCancel)
	mux.HandleFunc("/recording/status", rl.handleRecordingStatus)

	rl.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: rl.loggingMiddleware(mux),
	}
	return rl
}

// Handler exposes the composed HTTP handler for tests to drive via
// httptest.Server without binding a real port.
func (rl *Relay) Handler() http.Handler { return rl.server.Handler }

func (rl *Relay) Start() error {
	ln, err := net.Listen("tcp", rl.server.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", rl.server.Addr, err)
	}
	rl.log.Printf("listening on %s", ln.Addr())
	go func() {
		if err := rl.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			rl.log.Printf("server error: %v", err)
		}
	}()
	return nil
}

// Stop performs the graceful shutdown sequence from spec.md §5: tell
// every client its targets are gone, stop accepting new HTTP work, then
// close the extension link last.
func (rl *Relay) Stop(ctx context.Context) error {
	rl.router.BroadcastShutdown()
	if err := rl.server.Shutdown(ctx); err != nil {
		return err
	}
	rl.router.CloseExtension()
	return nil
}

func (rl *Relay) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		rl.log.Printf("%s %s from %s in %v", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rl *Relay) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": rl.cfg.Version})
}

// handleRoot answers plain reachability probes (spec.md §4.F: the
// extension polls this while reconnecting).
func (rl *Relay) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodHead && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rl *Relay) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := rl.router.metrics.Snapshot()
	snapshot["error_patterns"] = rl.router.ErrorSnapshot()
	writeJSON(w, http.StatusOK, snapshot)
}

// handleCDP upgrades a Playwright-style client connection (spec.md §6
// "GET /cdp/<id>").
func (rl *Relay) handleCDP(w http.ResponseWriter, r *http.Request) {
	token := ExtractToken(r)
	if _, err := rl.auth.Validate(token); err != nil {
		rl.router.metrics.IncAuthFailures()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if rl.cfg.ExtensionID != "" {
		if pinned := r.URL.Query().Get("extensionId"); pinned != "" && pinned != rl.cfg.ExtensionID {
			http.Error(w, "unauthorized: extension mismatch", http.StatusUnauthorized)
			return
		}
	}

	clientID := strings.TrimPrefix(r.URL.Path, "/cdp/")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	if !rl.router.ExtensionConnected() && rl.cfg.WaitPolicy == WaitPolicyReject {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "extension not connected"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Printf("cdp upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(rl.cfg.MaxFrameSize)

	connKey := uuid.New().String()
	c := NewClient(connKey, clientID, conn, rl.cfg.WriteBufferHighWater)
	rl.router.RegisterClient(c)
	go c.writeLoop()

	rl.readClientLoop(c)

	rl.router.UnregisterClient(c)
	c.Close()
}

func (rl *Relay) readClientLoop(c *Client) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue // clients never originate binary frames in this protocol
		}
		rl.router.HandleClientMessage(c, data)
	}
}

// handleExtension upgrades the single privileged extension connection
// (spec.md §6 "GET /extension").
func (rl *Relay) handleExtension(w http.ResponseWriter, r *http.Request) {
	token := ExtractToken(r)
	if _, err := rl.auth.Validate(token); err != nil {
		rl.router.metrics.IncAuthFailures()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Printf("extension upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(rl.cfg.MaxFrameSize)

	rl.router.ext.Bind(conn)
	rl.router.ext.ReadLoop(conn)
	rl.router.ext.Unbind(conn)
}

func (rl *Relay) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req StartRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	resp, err := rl.router.recordingMgr.Start(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rl *Relay) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req StopRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	resp, err := rl.router.recordingMgr.Stop(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rl *Relay) handleRecordingCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req StopRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := rl.router.recordingMgr.Cancel(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (rl *Relay) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rl.router.recordingMgr.Status())
}
