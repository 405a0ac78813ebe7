// Package signaling is the Session & Signaling Service: it terminates the
// control-plane websocket connection, drives each connection through its
// authentication state machine, and serializes channel-tree mutations and
// join/leave semantics against the Repository. Grounded on the teacher's
// internal/ws.Handler (Echo-registered upgrade, one goroutine per
// connection) and internal/core.ChannelState (per-session send channel,
// presence snapshot), generalized from a flat room roster into the
// channel-tree/permission/chat system the expanded spec requires.
package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"speakeasy/internal/protocol"
)

// State is a session's position in the authentication state machine.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StatePasswordChangeRequired
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StatePasswordChangeRequired:
		return "password_change_required"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendTimeout bounds how long a write to one session's outbound queue may
// block before the message is dropped, matching the teacher's
// core.SendTimeout.
const SendTimeout = 50 * time.Millisecond

// Session is one connected control-plane client.
type Session struct {
	ID    string
	Send  chan protocol.Message
	mu    sync.RWMutex
	state State

	UserID    uuid.UUID
	Username  string
	ChannelID uuid.UUID // zero until joined
	Muted     bool
	Deafened  bool
	RemoteIP  string

	connectedAt time.Time
	closeFn     func()
}

// SetCloseFunc registers the transport-level hook that forcibly tears
// down the underlying connection; Commander's kick/ban operations call
// this through ForceClose rather than merely closing Send, since
// closing Send alone only stops outbound delivery — the read loop
// still blocks on the socket until the peer itself disconnects.
func (s *Session) SetCloseFunc(fn func()) {
	s.mu.Lock()
	s.closeFn = fn
	s.mu.Unlock()
}

// ForceClose invokes the registered close hook, if any.
func (s *Session) ForceClose() {
	s.mu.RLock()
	fn := s.closeFn
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// NewSession allocates a session with a bounded outbound queue.
func NewSession(sendBuf int) *Session {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	return &Session{
		ID:          uuid.NewString(),
		Send:        make(chan protocol.Message, sendBuf),
		state:       StateConnecting,
		connectedAt: time.Now().UTC(),
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// trySend enqueues msg, dropping it (not blocking the caller indefinitely)
// if the session's outbound queue is full for longer than SendTimeout.
func (s *Session) trySend(msg protocol.Message) bool {
	select {
	case s.Send <- msg:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}

func (s *Session) toProtocolUser() protocol.User {
	var channelID string
	if s.ChannelID != uuid.Nil {
		channelID = s.ChannelID.String()
	}
	return protocol.User{
		ID:        s.UserID.String(),
		Username:  s.Username,
		ChannelID: channelID,
		Muted:     s.Muted,
		Deafened:  s.Deafened,
	}
}
