package relay

import "sync"

// Metrics tracks relay usage for GET /metrics, generalized from the
// teacher's single-Chrome-connection ProxyMetrics (internal/cdpproxy/utils.go)
// to N clients multiplexed over one extension link.
type Metrics struct {
	mu sync.RWMutex

	totalClientConnections  int64
	activeClientConnections int64
	totalRequests           int64
	authFailures            int64
	bytesTransferred        int64
	extensionReconnects     int64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncClientConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalClientConnections++
	m.activeClientConnections++
}

func (m *Metrics) DecClientConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeClientConnections--
}

func (m *Metrics) IncRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
}

func (m *Metrics) IncAuthFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authFailures++
}

func (m *Metrics) AddBytes(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesTransferred += n
}

func (m *Metrics) IncExtensionReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensionReconnects++
}

// Snapshot renders the current counters for a JSON response, mirroring the
// teacher's handleMetrics (internal/cdpproxy/handlers.go).
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"total_client_connections":  m.totalClientConnections,
		"active_client_connections": m.activeClientConnections,
		"total_requests":            m.totalRequests,
		"auth_failures":             m.authFailures,
		"bytes_transferred":         m.bytesTransferred,
		"extension_reconnects":      m.extensionReconnects,
	}
}
