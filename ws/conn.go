package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/conductor/protocol"
)

// wsSender adapts a single *websocket.Conn to registry.Sender, giving
// each connection one logical writer (§5: "all sends to a given
// connection are serialized through its own outbound path").
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (s *wsSender) Send(e protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(e)
}

// SendBatch writes a coalesced batch envelope; used by the batcher's
// Flusher instead of Send when more than one message is pending.
func (s *wsSender) SendBatch(b protocol.BatchEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(b)
}

func (s *wsSender) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(translateCloseCode(code), reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	return s.conn.Close()
}

// translateCloseCode maps the protocol's application close codes onto
// valid RFC 6455 codes where gorilla/websocket requires one; the
// token-expired/superseded codes are already in the private-use range
// the spec names (4001/4002) and pass through unchanged.
func translateCloseCode(code int) int {
	switch code {
	case protocol.CloseNormal, protocol.CloseGoingAway, protocol.ClosePolicyViolation,
		protocol.CloseServerError, protocol.CloseTokenExpired, protocol.CloseSupersededByNewer:
		return code
	default:
		return websocket.CloseInternalServerErr
	}
}

func decodeEnvelope(raw []byte) (protocol.Envelope, error) {
	var e protocol.Envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}
