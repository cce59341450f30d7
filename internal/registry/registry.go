// Package registry tracks live relay connections: at most one per device,
// any number per user. It owns no I/O; the gateway hands it connections and
// asks it who is reachable.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/lolygagv2/dogbot-relay/internal/protocol"
)

const shardCount = 32

// Conn is the registry's view of a live WebSocket connection. Send must be
// safe for concurrent use and must fail fast (never buffer for an absent or
// stalled peer beyond the transport's write deadline).
type Conn interface {
	ID() string
	Send(f *protocol.Frame) error
	Close() error
}

// OwnerResolver maps a device to the user allowed to reach it, and back. A
// device with no owner is unpaired.
type OwnerResolver interface {
	Owner(deviceID string) (string, bool)
	Devices(userID string) []string
}

// StaticOwners resolves ownership from a fixed map (the DEVICE_OWNERS
// configuration).
type StaticOwners map[string]string

func (o StaticOwners) Owner(deviceID string) (string, bool) {
	userID, ok := o[deviceID]
	return userID, ok
}

func (o StaticOwners) Devices(userID string) []string {
	var devices []string
	for deviceID, owner := range o {
		if owner == userID {
			devices = append(devices, deviceID)
		}
	}
	sort.Strings(devices)
	return devices
}

// Counts is a point-in-time population snapshot for /statsz.
type Counts struct {
	Devices         int `json:"devices"`
	Users           int `json:"users"`
	UserConnections int `json:"user_connections"`
}

type deviceShard struct {
	mu    sync.Mutex
	conns map[string]Conn
}

type userShard struct {
	mu    sync.Mutex
	conns map[string]map[string]Conn // userID -> connID -> conn
}

// Registry is sharded by id hash so a reconnect storm on one device never
// serializes admission of unrelated devices.
type Registry struct {
	devices [shardCount]deviceShard
	users   [shardCount]userShard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.devices {
		r.devices[i].conns = make(map[string]Conn)
	}
	for i := range r.users {
		r.users[i].conns = make(map[string]map[string]Conn)
	}
	return r
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// AdmitDevice registers c as the device's sole connection. If another
// connection is already registered, it is replaced in the same critical
// section and returned so the caller can close it; the device never
// observably has zero connections during the swap.
func (r *Registry) AdmitDevice(deviceID string, c Conn) (replaced Conn) {
	s := &r.devices[shardIndex(deviceID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced = s.conns[deviceID]
	s.conns[deviceID] = c
	if replaced != nil && replaced.ID() == c.ID() {
		replaced = nil
	}
	return replaced
}

// RemoveDevice unregisters the device only if c is still its current
// connection. A removal racing a replacement is a no-op: the newer connection
// stays registered. Repeated removals are harmless.
func (r *Registry) RemoveDevice(deviceID string, c Conn) bool {
	s := &r.devices[shardIndex(deviceID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.conns[deviceID]
	if !ok || current.ID() != c.ID() {
		return false
	}
	delete(s.conns, deviceID)
	return true
}

// DeviceConn returns the device's current connection, if any.
func (r *Registry) DeviceConn(deviceID string) (Conn, bool) {
	s := &r.devices[shardIndex(deviceID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conns[deviceID]
	return c, ok
}

// AddUserConn registers an additional connection for the user and reports
// whether it is the user's first (used to cancel a pending grace window).
func (r *Registry) AddUserConn(userID string, c Conn) (first bool) {
	s := &r.users[shardIndex(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.conns[userID]
	if conns == nil {
		conns = make(map[string]Conn)
		s.conns[userID] = conns
	}
	first = len(conns) == 0
	conns[c.ID()] = c
	return first
}

// RemoveUserConn unregisters one of the user's connections and reports
// whether it was the last (which starts the grace window). Removing an
// unknown connection is a no-op.
func (r *Registry) RemoveUserConn(userID string, c Conn) (removed, last bool) {
	s := &r.users[shardIndex(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.conns[userID]
	if !ok {
		return false, false
	}
	if _, ok := conns[c.ID()]; !ok {
		return false, false
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(s.conns, userID)
		return true, true
	}
	return true, false
}

// UserConns snapshots the user's live connections for fan-out. The returned
// slice is safe to iterate without holding any registry lock.
func (r *Registry) UserConns(userID string) []Conn {
	s := &r.users[shardIndex(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.conns[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// UserOnline reports whether the user has at least one live connection.
func (r *Registry) UserOnline(userID string) bool {
	s := &r.users[shardIndex(userID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID]) > 0
}

func (r *Registry) Counts() Counts {
	var c Counts
	for i := range r.devices {
		s := &r.devices[i]
		s.mu.Lock()
		c.Devices += len(s.conns)
		s.mu.Unlock()
	}
	for i := range r.users {
		s := &r.users[i]
		s.mu.Lock()
		c.Users += len(s.conns)
		for _, conns := range s.conns {
			c.UserConnections += len(conns)
		}
		s.mu.Unlock()
	}
	return c
}
