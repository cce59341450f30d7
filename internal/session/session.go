// Package session tracks WebRTC signaling sessions between a user and a
// device. The relay never inspects SDP or candidates; it only tracks each
// session's lifecycle so misdirected or late signaling frames can be
// rejected instead of silently forwarded.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	// StateRequested: the user asked for a session and credentials were
	// issued; no SDP has flowed yet.
	StateRequested State = "requested"
	// StateOffered: the offer has been forwarded to the device.
	StateOffered State = "offered"
	// StateAnswered: the answer has been forwarded back to the user.
	StateAnswered State = "answered"
	// StateActive: candidates have flowed after the answer; the peers are
	// connecting or connected directly.
	StateActive State = "active"
	// StateClosing: one side signaled teardown.
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateRequested: {StateOffered: {}, StateClosing: {}},
	StateOffered:   {StateAnswered: {}, StateClosing: {}},
	StateAnswered:  {StateActive: {}, StateClosing: {}},
	StateActive:    {StateClosing: {}},
	StateClosing:   {StateClosed: {}},
	StateClosed:    {},
}

var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionLimit      = errors.New("session limit reached for device")
)

// Session is one signaling exchange. State changes go through the
// Coordinator so the transition table is enforced in one place.
type Session struct {
	ID        string
	DeviceID  string
	UserID    string
	CreatedAt time.Time

	mu    sync.Mutex
	state State
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Routable reports whether signaling frames may still be forwarded on this
// session. Candidates arrive in any order relative to SDP, so any non-closed
// session routes.
func (s *Session) Routable() bool {
	return s.State() != StateClosed
}

func (s *Session) advance(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := allowedTransitions[s.state][to]; !ok {
		return ErrInvalidTransition
	}
	s.state = to
	return nil
}

// close force-walks the session to closed regardless of current state and
// reports whether this call performed the close. Closing is idempotent:
// racing closes (grace expiry vs. explicit webrtc_close vs. device
// replacement) must each be able to call it blindly.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

// Coordinator owns all live sessions and the per-device cap.
type Coordinator struct {
	maxPerDevice int

	mu       sync.Mutex
	sessions map[string]*Session
	byDevice map[string]map[string]*Session
	byUser   map[string]map[string]*Session

	newID func() string
	now   func() time.Time
}

func NewCoordinator(maxPerDevice int) *Coordinator {
	return &Coordinator{
		maxPerDevice: maxPerDevice,
		sessions:     make(map[string]*Session),
		byDevice:     make(map[string]map[string]*Session),
		byUser:       make(map[string]map[string]*Session),
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

// Create opens a new session in StateRequested. It fails with
// ErrSessionLimit when the device already has the maximum number of
// non-closed sessions.
func (c *Coordinator) Create(deviceID, userID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxPerDevice > 0 && len(c.byDevice[deviceID]) >= c.maxPerDevice {
		return nil, ErrSessionLimit
	}

	s := &Session{
		ID:        c.newID(),
		DeviceID:  deviceID,
		UserID:    userID,
		CreatedAt: c.now(),
		state:     StateRequested,
	}
	c.sessions[s.ID] = s
	if c.byDevice[deviceID] == nil {
		c.byDevice[deviceID] = make(map[string]*Session)
	}
	c.byDevice[deviceID][s.ID] = s
	if c.byUser[userID] == nil {
		c.byUser[userID] = make(map[string]*Session)
	}
	c.byUser[userID][s.ID] = s
	return s, nil
}

func (c *Coordinator) Get(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Advance moves a session along the lifecycle table.
func (c *Coordinator) Advance(id string, to State) error {
	s, ok := c.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.advance(to)
}

// Close tears down one session. Unknown ids and repeated closes both report
// false without error.
func (c *Coordinator) Close(id string) bool {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		c.removeLocked(s)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	return s.close()
}

// CloseForDevice tears down every session on the device (used when its
// connection drops or is replaced) and returns the sessions that this call
// closed so the gateway can notify the user side.
func (c *Coordinator) CloseForDevice(deviceID string) []*Session {
	return c.closeAll(func() []*Session {
		return collect(c.byDevice[deviceID])
	})
}

// ForUser returns the user's live sessions, sorted by creation time. The
// gateway uses this after a grace-window reconnect to tell the user which
// sessions survived.
func (c *Coordinator) ForUser(userID string) []*Session {
	c.mu.Lock()
	sessions := collect(c.byUser[userID])
	c.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// CloseForUser tears down every session the user participates in (grace
// window expiry).
func (c *Coordinator) CloseForUser(userID string) []*Session {
	return c.closeAll(func() []*Session {
		return collect(c.byUser[userID])
	})
}

func (c *Coordinator) closeAll(pick func() []*Session) []*Session {
	c.mu.Lock()
	sessions := pick()
	for _, s := range sessions {
		c.removeLocked(s)
	}
	c.mu.Unlock()

	closed := sessions[:0]
	for _, s := range sessions {
		if s.close() {
			closed = append(closed, s)
		}
	}
	return closed
}

func (c *Coordinator) removeLocked(s *Session) {
	delete(c.sessions, s.ID)
	if m := c.byDevice[s.DeviceID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(c.byDevice, s.DeviceID)
		}
	}
	if m := c.byUser[s.UserID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(c.byUser, s.UserID)
		}
	}
}

func collect(m map[string]*Session) []*Session {
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live (non-closed) sessions.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
