package gpcm

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/gpcm/internal/network"
	"github.com/energizer-project/gpcm/internal/protocol"
)

// State is the lifecycle state of a presence session.
type State int32

const (
	StateAwaitingAuth State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SendStatus is the result of queueing a message for a session.
type SendStatus int

const (
	// SendOK indicates the message was queued.
	SendOK SendStatus = iota
	// SendClosed indicates the session is already closed.
	SendClosed
	// SendQueueFull indicates the outbox overflowed. The session is closed.
	SendQueueFull
)

// Presence is the status triple last reported with \status\.
type Presence struct {
	Status     string `json:"status"`
	StatString string `json:"statstring"`
	LocString  string `json:"locstring"`
}

// SessionInfo is a read-only view of a session for operators.
type SessionInfo struct {
	ConnID      string    `json:"conn_id"`
	ProfileID   int       `json:"profileid"`
	UserID      string    `json:"userid"`
	UniqueNick  string    `json:"uniquenick"`
	GameID      string    `json:"gameid"`
	RemoteAddr  string    `json:"remote_addr"`
	State       string    `json:"state"`
	Presence    Presence  `json:"presence"`
	ConnectedAt time.Time `json:"connected_at"`
	LoggedInAt  time.Time `json:"logged_in_at"`
}

// Session is one presence connection. Replies and cross-session deliveries
// share a buffered outbox drained by a single writer goroutine.
type Session struct {
	conn      *network.Connection
	challenge string
	ip        uint32

	outbox     chan []byte
	stopCh     chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu          sync.RWMutex
	logger      zerolog.Logger
	state       State
	closeReason string
	flush       bool
	profileID   int
	userID      string
	uniqueNick  string
	gameID      string
	sessionKey  string
	presence    Presence
	loggedInAt  time.Time
}

func newSession(conn *network.Connection, challenge string, outboxSize int) *Session {
	if outboxSize < 1 {
		outboxSize = 1
	}
	return &Session{
		conn:       conn,
		challenge:  challenge,
		ip:         protocol.PackIPv4(conn.RemoteIP()),
		outbox:     make(chan []byte, outboxSize),
		stopCh:     make(chan struct{}),
		writerDone: make(chan struct{}),
		logger:     conn.Logger().With().Str("component", "gpcm").Logger(),
		state:      StateAwaitingAuth,
	}
}

// writeLoop drains the outbox until the session closes. After a graceful
// close it flushes what is still queued before closing the connection.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	defer s.conn.Close()
	for {
		select {
		case data := <-s.outbox:
			if err := s.conn.Write(data); err != nil {
				s.Close("write failed")
				return
			}
		case <-s.stopCh:
			s.mu.RLock()
			flush := s.flush
			s.mu.RUnlock()
			if flush {
				s.drain()
			}
			return
		}
	}
}

// drain writes whatever is left in the outbox. Each write is bounded by the
// connection's write timeout.
func (s *Session) drain() {
	for {
		select {
		case data := <-s.outbox:
			if err := s.conn.Write(data); err != nil {
				s.Logger().Debug().Err(err).Int("dropped", len(s.outbox)+1).Msg("flush on close failed")
				return
			}
		default:
			return
		}
	}
}

// Deliver queues msg without blocking. A session whose outbox is full is
// closed.
func (s *Session) Deliver(msg *protocol.Message) SendStatus {
	select {
	case <-s.stopCh:
		return SendClosed
	default:
	}

	data := msg.Bytes()
	select {
	case s.outbox <- data:
		s.Logger().Debug().Str("msg", string(data)).Msg("queued")
		return SendOK
	case <-s.stopCh:
		return SendClosed
	default:
		s.Logger().Warn().Int("outbox", cap(s.outbox)).Msg("outbox full, closing slow session")
		s.Close("outbox full")
		return SendQueueFull
	}
}

// Close ends the session and its connection at once, dropping queued
// messages. Only the first reason is kept.
func (s *Session) Close(reason string) {
	s.close(reason, false)
}

// CloseGracefully ends the session but lets the writer flush the outbox
// before the connection is closed.
func (s *Session) CloseGracefully(reason string) {
	s.close(reason, true)
}

func (s *Session) close(reason string, flush bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		s.flush = flush
		s.mu.Unlock()

		close(s.stopCh)
		if !flush {
			s.conn.Close()
		}
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.stopCh
}

// CloseReason returns why the session was closed, if it was.
func (s *Session) CloseReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeReason
}

// Challenge is the server challenge issued at connect.
func (s *Session) Challenge() string {
	return s.challenge
}

// IP is the client's IPv4 address as a big-endian integer, 0 if unknown.
func (s *Session) IP() uint32 {
	return s.ip
}

// ConnID is the connection's unique id.
func (s *Session) ConnID() string {
	return s.conn.ID()
}

func (s *Session) Logger() *zerolog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.logger
	return &l
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) ProfileID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profileID
}

func (s *Session) GameID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gameID
}

func (s *Session) SessionKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionKey
}

func (s *Session) Presence() Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ConnID:      s.conn.ID(),
		ProfileID:   s.profileID,
		UserID:      s.userID,
		UniqueNick:  s.uniqueNick,
		GameID:      s.gameID,
		RemoteAddr:  s.conn.RemoteAddr().String(),
		State:       s.state.String(),
		Presence:    s.presence,
		ConnectedAt: s.conn.ConnectedAt(),
		LoggedInAt:  s.loggedInAt,
	}
}

// authenticate moves the session to StateAuthenticated. It fails if the
// session was closed or already authenticated meanwhile.
func (s *Session) authenticate(profileID int, userID, uniqueNick, gameID, sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingAuth {
		return false
	}
	s.state = StateAuthenticated
	s.profileID = profileID
	s.userID = userID
	s.uniqueNick = uniqueNick
	s.gameID = gameID
	s.sessionKey = sessionKey
	s.loggedInAt = time.Now()
	s.logger = s.logger.With().Int("profileid", profileID).Logger()
	return true
}

func (s *Session) setPresence(p Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = p
}

func (s *Session) clearSessionKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKey = ""
}
