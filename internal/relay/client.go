package relay

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// outboundFrame pairs an encoded frame with its WebSocket frame type, so
// CDP text envelopes and opaque binary recording chunks can share one
// outbox (spec.md §4.A / §4.G).
type outboundFrame struct {
	frameType int
	data      []byte
}

// Client represents one open /cdp/<id> socket (spec.md §3 "Client").
// connKey is the registry key (unique per TCP connection, even if the
// URL path id repeats across concurrent clients); ID is the path id used
// only for logging.
type Client struct {
	connKey string
	ID      string
	conn    *websocket.Conn

	mu             sync.Mutex
	nextOutboundID int64
	sessions       map[string]*Session
	autoAttach     bool

	bufferedBytes int64
	highWater     int64

	outbox chan outboundFrame
	done   chan struct{}
	once   sync.Once

	log *log.Logger
}

func NewClient(connKey, id string, conn *websocket.Conn, highWater int64) *Client {
	return &Client{
		connKey:   connKey,
		ID:        id,
		conn:      conn,
		sessions:  make(map[string]*Session),
		highWater: highWater,
		outbox:    make(chan outboundFrame, 256),
		done:      make(chan struct{}),
		log:       log.New(log.Writer(), "cdp-relay[client "+id+"]: ", log.LstdFlags),
	}
}

// allocOutboundID mints a fresh client-visible request id for a
// relay-originated message (currently unused by forwarding, which always
// preserves the client's own id, but kept for synthesized requests such as
// future health probes).
func (c *Client) allocOutboundID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextOutboundID++
	return c.nextOutboundID
}

func (c *Client) addSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.ID] = s
}

func (c *Client) removeSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

func (c *Client) sessionsSnapshot() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// hasSession reports whether this client already holds a session on
// targetID, so repeated Target.setAutoAttach/attachToTarget calls don't
// mint duplicate sessions (spec.md §4.E).
func (c *Client) hasSession(targetID target.ID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.Target.ID == targetID {
			return s, true
		}
	}
	return nil, false
}

func (c *Client) setAutoAttach(v bool) {
	c.mu.Lock()
	c.autoAttach = v
	c.mu.Unlock()
}

// deliver enqueues a CDP envelope for this client's socket in FIFO order
// (spec.md §5: "within one client socket, outbound frames are delivered in
// the order the router enqueued them").
func (c *Client) deliver(env *Envelope) {
	data, err := env.Encode()
	if err != nil {
		c.log.Printf("encode outbound envelope: %v", err)
		return
	}
	c.enqueue(websocket.TextMessage, data)
}

func (c *Client) deliverBinary(data []byte) {
	c.enqueue(websocket.BinaryMessage, data)
}

// enqueue applies the write-buffer high-water mark (spec.md §5
// backpressure): a client whose outbox can't keep up is dropped with a
// policy-violation close rather than allowed to back up the router.
func (c *Client) enqueue(frameType int, data []byte) {
	if atomic.LoadInt64(&c.bufferedBytes) > c.highWater {
		c.log.Printf("write buffer exceeded high-water mark, dropping client")
		c.fail(websocket.ClosePolicyViolation, "write buffer exceeded")
		return
	}
	select {
	case c.outbox <- outboundFrame{frameType: frameType, data: data}:
		atomic.AddInt64(&c.bufferedBytes, int64(len(data)))
	case <-c.done:
	default:
		c.log.Printf("outbox full, dropping client")
		c.fail(websocket.ClosePolicyViolation, "write buffer exceeded")
	}
}

// writeLoop drains the outbox to the socket. One loop per client keeps
// writes single-threaded, satisfying gorilla/websocket's concurrency
// contract (no concurrent writers on one *websocket.Conn).
func (c *Client) writeLoop() {
	for {
		select {
		case msg := <-c.outbox:
			atomic.AddInt64(&c.bufferedBytes, -int64(len(msg.data)))
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msg.frameType, msg.data); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// fail closes the socket with a CDP-relevant close code and reason
// (spec.md §4.B).
func (c *Client) fail(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.Close()
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
