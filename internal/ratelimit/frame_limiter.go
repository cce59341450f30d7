// Package ratelimit bounds the inbound frame rate of a relay connection.
package ratelimit

import (
	"sync"
	"time"
)

// FrameLimiter meters whole frames against a frames-per-second budget with a
// one-second burst allowance, so a client may flush a backlog after a brief
// stall without tripping the limit.
//
// It is a GCRA ("leaky bucket as a meter"): each accepted frame pushes a
// theoretical arrival time forward by the per-frame interval, and a frame is
// rejected once that time has drifted a full burst ahead of the clock. No
// token state to refill; two time values carry the whole limiter.
type FrameLimiter struct {
	clock Clock

	mu        sync.Mutex
	interval  time.Duration // budget consumed per accepted frame
	tolerance time.Duration // how far tat may run ahead of the clock
	tat       time.Time     // theoretical arrival time of the next frame
}

// NewFrameLimiter builds a limiter admitting perSecond frames per second
// sustained, with bursts of up to perSecond frames. perSecond is clamped to
// at least 1.
func NewFrameLimiter(clock Clock, perSecond int) *FrameLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if perSecond < 1 {
		perSecond = 1
	}
	interval := time.Second / time.Duration(perSecond)
	return &FrameLimiter{
		clock:     clock,
		interval:  interval,
		tolerance: time.Second - interval,
		tat:       clock.Now(),
	}
}

// Allow reports whether one more frame fits in the budget and charges for it
// when it does.
func (l *FrameLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.tat.Before(now) {
		// Idle time is not banked beyond the burst allowance.
		l.tat = now
	}
	if l.tat.Sub(now) > l.tolerance {
		return false
	}
	l.tat = l.tat.Add(l.interval)
	return true
}
