package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	outboundBuffer = 64
	// sendTimeout bounds how long a non-snapshot send may block on a full
	// buffer before the session is closed with a protocol error.
	sendTimeout  = time.Second
	writeTimeout = 10 * time.Second
)

// session owns one WebSocket connection. Outbound frames flow through a
// bounded channel drained by a single writer goroutine; snapshot frames use
// a coalesce-latest slot instead, so a slow client sees the newest screen
// rather than a growing backlog.
type session struct {
	conn *websocket.Conn
	log  *zap.Logger

	out chan outMessage

	// failure carries the one final error frame emitted before the writer
	// closes the session. Only the writer goroutine touches the conn.
	failure chan outMessage

	snapMu   sync.Mutex
	snapshot *outMessage
	snapPing chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	// at most one command in flight per session
	commandMu sync.Mutex

	subMu       sync.Mutex
	unsubscribe func()
	campaignID  string
}

func newSession(conn *websocket.Conn, log *zap.Logger) *session {
	return &session{
		conn:     conn,
		log:      log,
		out:      make(chan outMessage, outboundBuffer),
		failure:  make(chan outMessage, 1),
		snapPing: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// writeLoop serializes all writes to the connection. Regular frames keep
// FIFO order; the snapshot slot is drained opportunistically.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.failure:
			s.write(msg)
			s.close()
			return
		case msg := <-s.out:
			if !s.write(msg) {
				return
			}
		case <-s.snapPing:
			s.snapMu.Lock()
			msg := s.snapshot
			s.snapshot = nil
			s.snapMu.Unlock()
			if msg == nil {
				continue
			}
			if !s.write(*msg) {
				return
			}
		}
	}
}

func (s *session) write(msg outMessage) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Debug("session write failed", zap.Error(err))
		s.close()
		return false
	}
	return true
}

// send queues a non-snapshot frame. On a persistently full buffer the
// session is failed: a client that cannot keep up with status events has
// lost the stream's ordering guarantees anyway.
func (s *session) send(msg outMessage) {
	select {
	case <-s.closed:
	case s.out <- msg:
	default:
		select {
		case <-s.closed:
		case s.out <- msg:
		case <-time.After(sendTimeout):
			s.log.Warn("session outbound buffer stuck, failing session")
			s.fail(errorFrame("outbound buffer overflow"))
		}
	}
}

// fail hands the terminal error frame to the writer goroutine, which emits
// it and closes the session. The first failure wins; later ones are dropped.
// Writes never happen on the caller's goroutine.
func (s *session) fail(msg outMessage) {
	select {
	case s.failure <- msg:
	default:
	}
}

// sendSnapshot overwrites the coalesce slot; only the newest snapshot is
// ever delivered.
func (s *session) sendSnapshot(msg outMessage) {
	s.snapMu.Lock()
	s.snapshot = &msg
	s.snapMu.Unlock()
	select {
	case s.snapPing <- struct{}{}:
	default:
	}
}

// bind records the campaign subscription so close can release it.
func (s *session) bind(campaignID string, unsubscribe func()) {
	s.subMu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.campaignID = campaignID
	s.unsubscribe = unsubscribe
	s.subMu.Unlock()
}

// boundCampaign returns the campaign this session subscribed to, if any.
func (s *session) boundCampaign() string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.campaignID
}

// close tears the session down. Disconnect releases the event subscription
// only; the extraction itself keeps running.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.subMu.Lock()
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		s.subMu.Unlock()
		_ = s.conn.Close()
	})
}
