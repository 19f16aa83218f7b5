package extsim

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Record drives the recordingData metadata + binary-chunk interleaving
// protocol (spec.md §4.G): each chunk is preceded by a routing-label
// envelope naming tabID, followed by the opaque binary frame itself, and
// the sequence ends with a final metadata frame carrying final:true.
func (s *Simulator) Record(tabID string, chunks [][]byte, pace time.Duration) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for _, chunk := range chunks {
		meta, _ := json.Marshal(map[string]interface{}{"tabId": tabID, "final": false})
		s.send(conn, &Envelope{Method: "recordingData", Params: meta})
		s.sendBinary(conn, chunk)
		if pace > 0 {
			time.Sleep(pace)
		}
	}

	final, _ := json.Marshal(map[string]interface{}{"tabId": tabID, "final": true})
	s.send(conn, &Envelope{Method: "recordingData", Params: final})
}

func (s *Simulator) sendBinary(conn *websocket.Conn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.log.Printf("write binary: %v", err)
	}
}
