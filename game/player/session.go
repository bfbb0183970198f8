package player

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadlineS = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PlayerSession represents a connected player's WebSocket session.
type PlayerSession struct {
	AccountID int64
	CharID    int64
	CharName  string

	Conn     *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}
	TraceID  string
	LastSeq  uint64

	once   sync.Once
	logger *zap.Logger
}

// NewPlayerSession creates a new PlayerSession. With a non-nil conn the
// write goroutine is started; a nil conn leaves packets in SendChan.
func NewPlayerSession(accountID, charID int64, name string, conn *websocket.Conn, logger *zap.Logger) *PlayerSession {
	s := &PlayerSession{
		AccountID: accountID,
		CharID:    charID,
		CharName:  name,
		Conn:      conn,
		SendChan:  make(chan []byte, sendChanBuf),
		Done:      make(chan struct{}),
		logger:    logger,
	}
	if conn != nil {
		go s.writePump()
	}
	return s
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *PlayerSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data := <-s.SendChan:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error",
					zap.Int64("char_id", s.CharID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and sends it non-blocking. Drops if channel full or closed.
func (s *PlayerSession) Send(pkt *Packet) bool {
	if s.IsClosed() {
		return false
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return false
	}
	select {
	case s.SendChan <- data:
		return true
	case <-s.Done:
		return false
	default:
		s.logger.Warn("send channel full, dropping packet",
			zap.Int64("char_id", s.CharID),
			zap.String("type", pkt.Type))
		return false
	}
}

// SendEvent wraps payload in a Packet of the given type and sends it.
func (s *PlayerSession) SendEvent(typ string, payload any) bool {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		raw = b
	}
	return s.Send(&Packet{Type: typ, Payload: raw})
}

// Close signals the writePump to shut down.
func (s *PlayerSession) Close() {
	s.once.Do(func() { close(s.Done) })
}

// IsClosed returns true if the session has been closed.
func (s *PlayerSession) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// SendHeartbeatPong sends a pong packet in response to a client ping.
func (s *PlayerSession) SendHeartbeatPong(clientTS int64) {
	s.SendEvent("pong", struct {
		ClientTS int64 `json:"client_ts"`
		ServerTS int64 `json:"server_ts"`
	}{clientTS, time.Now().UnixMilli()})
}

// SetReadDeadline resets the WebSocket read deadline to 60 s from now.
func (s *PlayerSession) SetReadDeadline() {
	if s.Conn != nil {
		_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadlineS))
	}
}
