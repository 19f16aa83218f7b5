package relay

import (
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/target"
)

// Envelope is the generic CDP wire message exchanged over every WebSocket
// text frame this relay touches: client -> extension, extension -> client,
// and the relay's own synthesized target-lifecycle notifications all share
// this shape (spec.md §4.A). At most one of ID (request/response) or
// Method (notification) is meaningfully set; SessionID is optional on
// either.
//
// Method names are carried as plain strings rather than typed constants:
// the extension side of this protocol (internal/extsim) answers canned
// CDP methods it never validates structurally, and the wider CDP Go
// ecosystem itself passes method names as string literals rather than
// exported constants (see chromedp's generated command files).
type Envelope struct {
	ID        int64            `json:"id,omitempty"`
	Method    string           `json:"method,omitempty"`
	Params    json.RawMessage  `json:"params,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *CDPError        `json:"error,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

// DecodeEnvelope parses a single WebSocket text frame and enforces the
// wire codec's one validation rule (spec.md §4.A): an envelope may not
// carry both an id and a method unless params disambiguates which role it
// plays. Frame-size enforcement (spec.md §4.A "oversized frames... are
// rejected") happens a layer below this, via conn.SetReadLimit(cfg.MaxFrameSize)
// on both the /cdp and /extension sockets (see server.go) — gorilla/websocket
// closes the connection with CloseMessageTooBig before a frame that large
// ever reaches DecodeEnvelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.ID != 0 && env.Method != "" && len(env.Params) == 0 {
		return nil, fmt.Errorf("%w: envelope mixes id and method with no params", ErrProtocol)
	}
	return &env, nil
}

// Encode serializes an envelope back to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// BrowserVersionResult answers the intercepted Browser.getVersion method.
type BrowserVersionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

func browserVersion(relayVersion string) BrowserVersionResult {
	return BrowserVersionResult{
		ProtocolVersion: "1.3",
		Product:         "cdp-relay/" + relayVersion,
		Revision:        "0",
		UserAgent:       "cdp-relay/" + relayVersion,
		JSVersion:       "0",
	}
}
