package relay

import "errors"

// Error taxonomy (spec.md §7). Each member is a sentinel so callers can
// match with errors.Is; translateExtensionError (below) maps these
// onto wire-level CDP error codes.
var (
	ErrProtocol             = errors.New("protocol error")
	ErrExtensionUnavailable = errors.New("extension not connected")
	ErrExtensionReplaced    = errors.New("extension replaced by new connection")
	ErrTimeout              = errors.New("extension request timed out")
	ErrTargetGone           = errors.New("no session with given id")
	ErrAuthFailed           = errors.New("authentication failed")
	ErrInternal             = errors.New("internal error")
)

// CDPError is the `error` member of a CDP envelope.
type CDPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CDPError) Error() string {
	return e.Message
}

func cdpError(code int, msg string) *CDPError {
	return &CDPError{Code: code, Message: msg}
}

// CDP error code used across the taxonomy's synchronous failures (spec.md
// §7): the extension-unavailable/timeout/replaced/no-session conditions
// all surface to a client as a generic server-error envelope distinguished
// only by its message, matching spec.md §7's propagation policy.
const genericCDPErrorCode = -32000

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExtensionReplaced):
		return "extension_replaced"
	case errors.Is(err, ErrExtensionUnavailable):
		return "extension_unavailable"
	default:
		return "internal"
	}
}

func translateExtensionError(err error) *CDPError {
	switch {
	case errors.Is(err, ErrTimeout):
		return cdpError(genericCDPErrorCode, "Timeout waiting for extension response")
	case errors.Is(err, ErrExtensionReplaced):
		return cdpError(genericCDPErrorCode, "Extension replaced by new connection")
	default:
		return cdpError(genericCDPErrorCode, "Extension disconnected")
	}
}
