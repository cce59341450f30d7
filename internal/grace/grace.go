// Package grace implements the reconnection grace window: when a user's last
// connection drops, their devices keep acting as if the user were reachable
// until either the user returns or the window expires.
package grace

import (
	"sync"
	"time"
)

// Controller arms one timer per user. Expiry and cancellation race when the
// user reconnects at the deadline; whichever takes the lock first wins, and
// the loser becomes a no-op, so the expiry callback fires at most once per
// armed window.
type Controller struct {
	window   time.Duration
	onExpire func(userID string)

	mu      sync.Mutex
	pending map[string]*cycle
	stopped bool
}

// cycle carries the timer of one arm/cancel cycle. The expiry callback
// identifies its own cycle by pointer, not by map-key presence, so a callback
// that lost a cancel race can never consume a newer arm for the same user.
type cycle struct {
	timer *time.Timer
}

func NewController(window time.Duration, onExpire func(userID string)) *Controller {
	return &Controller{
		window:   window,
		onExpire: onExpire,
		pending:  make(map[string]*cycle),
	}
}

// Arm starts (or restarts) the user's grace window. With a zero window the
// expiry callback runs synchronously: the caller has already determined the
// user is gone and there is nothing to wait for.
func (c *Controller) Arm(userID string) {
	if c.window <= 0 {
		c.onExpire(userID)
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if prev, ok := c.pending[userID]; ok {
		prev.timer.Stop()
	}
	cy := &cycle{}
	cy.timer = time.AfterFunc(c.window, func() {
		c.expire(userID, cy)
	})
	c.pending[userID] = cy
	c.mu.Unlock()
}

// Cancel stops the user's pending window and reports whether one was armed.
// The gateway uses the return value to decide whether a reconnect is a
// restoration (devices learn nothing) or a fresh arrival.
func (c *Controller) Cancel(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cy, ok := c.pending[userID]
	if !ok {
		return false
	}
	delete(c.pending, userID)
	cy.timer.Stop()
	return true
}

func (c *Controller) expire(userID string, cy *cycle) {
	c.mu.Lock()
	current, ok := c.pending[userID]
	if ok && current == cy {
		delete(c.pending, userID)
	}
	c.mu.Unlock()

	// A cancel that won the race already removed the entry, and a re-arm
	// after that installed a different cycle; either way this callback's
	// window no longer exists and the user must not be reported gone.
	if !ok || current != cy {
		return
	}
	c.onExpire(userID)
}

// Count returns the number of armed windows (exposed via /statsz).
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels all pending windows without firing them. Used at shutdown;
// devices are about to lose their connections anyway.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for userID, cy := range c.pending {
		cy.timer.Stop()
		delete(c.pending, userID)
	}
}
