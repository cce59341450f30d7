// Package router dispatches parsed frames between device and user
// connections. It never buffers: a frame either reaches a live peer
// connection or is rejected back to the sender synchronously.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lolygagv2/dogbot-relay/internal/metrics"
	"github.com/lolygagv2/dogbot-relay/internal/protocol"
	"github.com/lolygagv2/dogbot-relay/internal/registry"
	"github.com/lolygagv2/dogbot-relay/internal/session"
	"github.com/lolygagv2/dogbot-relay/internal/turnrest"
)

type Role string

const (
	RoleDevice Role = "device"
	RoleUser   Role = "user"
)

// Sender identifies the connection a frame arrived on.
type Sender struct {
	Role Role
	ID   string // device id or user id
	Conn registry.Conn
}

type Router struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	owners   registry.OwnerResolver
	sessions *session.Coordinator
	turn     turnrest.Issuer

	turnTimeout time.Duration
	now         func() time.Time
}

func New(
	log *slog.Logger,
	m *metrics.Metrics,
	reg *registry.Registry,
	owners registry.OwnerResolver,
	sessions *session.Coordinator,
	turn turnrest.Issuer,
	turnTimeout time.Duration,
) *Router {
	return &Router{
		log:         log,
		metrics:     m,
		registry:    reg,
		owners:      owners,
		sessions:    sessions,
		turn:        turn,
		turnTimeout: turnTimeout,
		now:         time.Now,
	}
}

// Dispatch routes one inbound frame. It is called synchronously from each
// connection's read loop, which preserves per-connection ordering end to end
// (the receiving side serializes writes per connection).
func (r *Router) Dispatch(ctx context.Context, from Sender, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypePing:
		r.sendTo(from.Conn, &protocol.Frame{
			Kind:    protocol.KindEvent,
			Type:    protocol.TypePong,
			RelayTS: protocol.Timestamp(r.now()),
		})
		return
	case protocol.TypeGetStatus:
		r.handleGetStatus(from, f)
		return
	case protocol.TypeDebugLog:
		// Server-side only; never forwarded.
		r.log.Info("debug_log", "sender", from.ID, "role", from.Role, "payload", string(f.Payload))
		return
	}

	switch f.Kind {
	case protocol.KindCommand:
		r.handleCommand(from, f)
	case protocol.KindEvent:
		r.handleEvent(from, f)
	case protocol.KindSignaling:
		r.handleSignaling(ctx, from, f)
	default:
		r.reject(from, protocol.CodeBadMessage, fmt.Sprintf("unknown kind %q", f.Kind))
	}
}

// handleCommand forwards a user command to the addressed device.
func (r *Router) handleCommand(from Sender, f *protocol.Frame) {
	if from.Role != RoleUser {
		r.reject(from, protocol.CodeBadMessage, "devices do not send commands")
		return
	}
	if f.DeviceID == "" {
		r.reject(from, protocol.CodeBadMessage, "command requires device_id")
		return
	}
	if !r.authorized(from.ID, f.DeviceID) {
		r.reject(from, protocol.CodeNotAuthorized, "not authorized for device "+f.DeviceID)
		return
	}

	conn, ok := r.registry.DeviceConn(f.DeviceID)
	if !ok {
		r.reject(from, protocol.CodeDeviceOffline, "device "+f.DeviceID+" is offline")
		return
	}
	r.forward(from, conn, f)
}

// handleEvent fans a device event out to every connection of the owning
// user. Events from unpaired devices have no audience and are dropped.
func (r *Router) handleEvent(from Sender, f *protocol.Frame) {
	if from.Role != RoleDevice {
		r.reject(from, protocol.CodeBadMessage, "users do not send events")
		return
	}

	owner, ok := r.owners.Owner(from.ID)
	if !ok {
		r.log.Warn("event_from_unpaired_device", "device_id", from.ID, "type", f.Type)
		r.metrics.Inc(metrics.EventFrameDropped)
		return
	}
	r.fanOut(from, owner, f)
}

func (r *Router) handleSignaling(ctx context.Context, from Sender, f *protocol.Frame) {
	if f.Type == protocol.TypeWebRTCRequest {
		r.handleSessionRequest(ctx, from, f)
		return
	}

	if f.SessionID == "" {
		r.reject(from, protocol.CodeBadMessage, "signaling requires session_id")
		return
	}
	s, ok := r.sessions.Get(f.SessionID)
	if !ok {
		r.reject(from, protocol.CodeSessionUnknown, "unknown session "+f.SessionID)
		return
	}
	if !r.participant(from, s) {
		r.reject(from, protocol.CodeNotAuthorized, "not a participant in session "+f.SessionID)
		return
	}
	if !s.Routable() {
		r.reject(from, protocol.CodeSessionUnknown, "session "+f.SessionID+" is closed")
		return
	}

	switch f.Type {
	case protocol.TypeWebRTCOffer:
		if err := r.sessions.Advance(s.ID, session.StateOffered); err != nil {
			r.reject(from, protocol.CodeBadMessage, "offer not valid in state "+string(s.State()))
			return
		}
	case protocol.TypeWebRTCAnswer:
		if err := r.sessions.Advance(s.ID, session.StateAnswered); err != nil {
			r.reject(from, protocol.CodeBadMessage, "answer not valid in state "+string(s.State()))
			return
		}
	case protocol.TypeWebRTCICE:
		// Candidates flow in any non-closed state. The first candidate after
		// the answer marks the session active; earlier ones change nothing.
		_ = r.sessions.Advance(s.ID, session.StateActive)
	case protocol.TypeWebRTCClose:
		defer func() {
			if r.sessions.Close(s.ID) {
				r.metrics.Inc(metrics.EventSessionClosed)
				r.log.Info("session_closed", "session_id", s.ID, "device_id", s.DeviceID, "user_id", s.UserID, "reason", "peer_close")
			}
		}()
	default:
		r.reject(from, protocol.CodeBadMessage, fmt.Sprintf("unknown signaling type %q", f.Type))
		return
	}

	// Deliver to the session's other party.
	if from.Role == RoleUser {
		conn, ok := r.registry.DeviceConn(s.DeviceID)
		if !ok {
			r.reject(from, protocol.CodeDeviceOffline, "device "+s.DeviceID+" is offline")
			return
		}
		r.forward(from, conn, f)
		return
	}
	r.fanOut(from, s.UserID, f)
}

// sessionGrant is the payload of the webrtc_credentials reply and of the
// webrtc_request forwarded to the device.
type sessionGrant struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  string             `json:"expires_at,omitempty"`
}

// handleSessionRequest opens a signaling session: issue TURN credentials,
// register the session, answer the user, and wake the device.
func (r *Router) handleSessionRequest(ctx context.Context, from Sender, f *protocol.Frame) {
	if from.Role != RoleUser {
		r.reject(from, protocol.CodeBadMessage, "devices do not request sessions")
		return
	}
	if f.DeviceID == "" {
		r.reject(from, protocol.CodeBadMessage, "webrtc_request requires device_id")
		return
	}
	if !r.authorized(from.ID, f.DeviceID) {
		r.reject(from, protocol.CodeNotAuthorized, "not authorized for device "+f.DeviceID)
		return
	}
	deviceConn, ok := r.registry.DeviceConn(f.DeviceID)
	if !ok {
		r.reject(from, protocol.CodeDeviceOffline, "device "+f.DeviceID+" is offline")
		return
	}

	s, err := r.sessions.Create(f.DeviceID, from.ID)
	if err != nil {
		if errors.Is(err, session.ErrSessionLimit) {
			r.reject(from, protocol.CodeSessionLimit, "too many sessions for device "+f.DeviceID)
			return
		}
		r.reject(from, protocol.CodeBadMessage, err.Error())
		return
	}

	issueCtx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()
	creds, err := r.turn.Issue(issueCtx, s.ID)
	if err != nil {
		r.sessions.Close(s.ID)
		switch {
		case errors.Is(err, turnrest.ErrNotConfigured):
			r.reject(from, protocol.CodeNotConfigured, "turn credentials not configured")
		default:
			r.metrics.Inc(metrics.EventTURNUpstreamError)
			r.log.Error("turn_issue_failed", "session_id", s.ID, "err", err)
			r.reject(from, protocol.CodeUpstreamError, "turn credential issuance failed")
		}
		return
	}
	r.metrics.Inc(metrics.EventTURNIssued)

	grant := sessionGrant{ICEServers: creds.ICEServers}
	if !creds.ExpiresAt.IsZero() {
		grant.ExpiresAt = protocol.Timestamp(creds.ExpiresAt)
	}
	payload, err := json.Marshal(grant)
	if err != nil {
		r.sessions.Close(s.ID)
		r.reject(from, protocol.CodeUpstreamError, "turn credential encoding failed")
		return
	}

	r.metrics.Inc(metrics.EventSessionCreated)
	r.log.Info("session_created", "session_id", s.ID, "device_id", s.DeviceID, "user_id", s.UserID)

	now := protocol.Timestamp(r.now())
	r.sendTo(from.Conn, &protocol.Frame{
		Kind:      protocol.KindSignaling,
		Type:      protocol.TypeWebRTCCredentials,
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		Payload:   payload,
		RelayTS:   now,
	})

	// The device gets the same grant so both peers gather against the same
	// TURN allocation.
	if err := deviceConn.Send(&protocol.Frame{
		Kind:      protocol.KindSignaling,
		Type:      protocol.TypeWebRTCRequest,
		SessionID: s.ID,
		Sender:    from.ID,
		Payload:   payload,
		SenderTS:  f.SenderTS,
		RelayTS:   now,
	}); err != nil {
		r.sessions.Close(s.ID)
		r.metrics.Inc(metrics.EventSessionClosed)
		r.reject(from, protocol.CodeDeviceOffline, "device "+s.DeviceID+" is offline")
		return
	}
	r.metrics.Inc(metrics.EventFrameForwarded)
}

func (r *Router) handleGetStatus(from Sender, f *protocol.Frame) {
	if from.Role != RoleUser {
		r.reject(from, protocol.CodeBadMessage, "devices do not query status")
		return
	}
	if f.DeviceID == "" {
		r.reject(from, protocol.CodeBadMessage, "get_status requires device_id")
		return
	}

	paired := r.authorized(from.ID, f.DeviceID)
	online := false
	if paired {
		_, online = r.registry.DeviceConn(f.DeviceID)
	}
	r.sendTo(from.Conn, protocol.StatusResponse(f.DeviceID, paired, online, r.now()))
}

func (r *Router) authorized(userID, deviceID string) bool {
	owner, ok := r.owners.Owner(deviceID)
	return ok && owner == userID
}

func (r *Router) participant(from Sender, s *session.Session) bool {
	switch from.Role {
	case RoleDevice:
		return from.ID == s.DeviceID
	case RoleUser:
		return from.ID == s.UserID
	default:
		return false
	}
}

// forward stamps and delivers a frame to a single connection, rejecting back
// to the sender when the peer vanished mid-flight. A failed handle is closed;
// its read loop handles deregistration.
func (r *Router) forward(from Sender, to registry.Conn, f *protocol.Frame) {
	out := *f
	out.Sender = from.ID
	out.RelayTS = protocol.Timestamp(r.now())
	if err := to.Send(&out); err != nil {
		_ = to.Close()
		r.metrics.Inc(metrics.EventFrameDropped)
		r.reject(from, protocol.CodeDeviceOffline, "peer connection lost")
		return
	}
	r.metrics.Inc(metrics.EventFrameForwarded)
	r.log.Debug("frame_forwarded",
		"sender", from.ID, "role", from.Role, "target", to.ID(),
		"kind", out.Kind, "type", out.Type, "sender_ts", out.SenderTS, "relay_ts", out.RelayTS)
}

// fanOut delivers a frame to every live connection of a user. Individual
// send failures are per-connection problems, not the sender's; they are
// counted and skipped.
func (r *Router) fanOut(from Sender, userID string, f *protocol.Frame) {
	conns := r.registry.UserConns(userID)
	if len(conns) == 0 {
		// No buffering: with the owner absent (grace window or not), the
		// frame is dropped.
		r.metrics.Inc(metrics.EventFrameDropped)
		return
	}

	out := *f
	out.Sender = from.ID
	out.RelayTS = protocol.Timestamp(r.now())
	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(&out); err != nil {
			_ = conn.Close()
			r.metrics.Inc(metrics.EventFrameDropped)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.metrics.Inc(metrics.EventFrameForwarded)
	}
	r.log.Debug("frame_fanned_out",
		"sender", from.ID, "role", from.Role, "user_id", userID, "delivered", delivered,
		"kind", out.Kind, "type", out.Type, "sender_ts", out.SenderTS, "relay_ts", out.RelayTS)
}

func (r *Router) reject(from Sender, code, message string) {
	r.metrics.Inc(metrics.EventFrameRejected)
	r.log.Debug("frame_rejected", "sender", from.ID, "role", from.Role, "code", code, "reason", message)
	r.sendTo(from.Conn, protocol.Reject(code, message, r.now()))
}

func (r *Router) sendTo(conn registry.Conn, f *protocol.Frame) {
	if err := conn.Send(f); err != nil {
		r.metrics.Inc(metrics.EventFrameDropped)
	}
}
