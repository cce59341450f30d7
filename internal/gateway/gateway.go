// Package gateway owns the two WebSocket endpoints: GET /ws/device for
// robots and GET /ws/app for user clients. It authenticates connections,
// registers them, runs the per-connection read loop and liveness monitor,
// and hands every parsed frame to the router.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lolygagv2/dogbot-relay/internal/auth"
	"github.com/lolygagv2/dogbot-relay/internal/config"
	"github.com/lolygagv2/dogbot-relay/internal/grace"
	"github.com/lolygagv2/dogbot-relay/internal/metrics"
	"github.com/lolygagv2/dogbot-relay/internal/origin"
	"github.com/lolygagv2/dogbot-relay/internal/protocol"
	"github.com/lolygagv2/dogbot-relay/internal/ratelimit"
	"github.com/lolygagv2/dogbot-relay/internal/registry"
	"github.com/lolygagv2/dogbot-relay/internal/router"
	"github.com/lolygagv2/dogbot-relay/internal/session"
)

// Close codes sent to devices that fail the connection handshake. User
// clients get standard policy-violation codes; devices get these so firmware
// can tell "fix your request" from "fix your clock or secret".
const (
	closeCodeMissingCredentials = 4000
	closeCodeBadCredentials     = 4001
)

type Gateway struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	owners   registry.OwnerResolver
	sessions *session.Coordinator
	router   *router.Router
	grace    *grace.Controller

	devices *auth.DeviceVerifier
	users   *auth.UserVerifier

	authTimeout   time.Duration
	pingInterval  time.Duration
	pongTimeout   time.Duration
	maxFrameBytes int64
	frameRate     int
	clock         ratelimit.Clock

	deviceUpgrader websocket.Upgrader
	appUpgrader    websocket.Upgrader
}

func New(
	cfg config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
	reg *registry.Registry,
	owners registry.OwnerResolver,
	sessions *session.Coordinator,
	rt *router.Router,
) *Gateway {
	g := &Gateway{
		log:           logger,
		metrics:       m,
		registry:      reg,
		owners:        owners,
		sessions:      sessions,
		router:        rt,
		devices:       auth.NewDeviceVerifier(cfg.DeviceSharedSecret, cfg.DeviceAuthMaxSkew),
		users:         auth.NewUserVerifier(cfg.JWTSecret),
		authTimeout:   cfg.AuthTimeout,
		pingInterval:  cfg.PingInterval,
		pongTimeout:   cfg.PongTimeout,
		maxFrameBytes: cfg.MaxFrameBytes,
		frameRate:     cfg.MaxFramesPerSecond,
		clock:         ratelimit.RealClock{},
	}
	g.grace = grace.NewController(cfg.GraceWindow, g.graceExpired)

	// Devices are firmware, not browsers; they send no Origin header worth
	// policing. User clients are browsers, so the allowlist applies.
	originPolicy := origin.NewPolicy(cfg.AllowedOrigins)
	g.deviceUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	g.appUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originPolicy.Permit(strings.TrimSpace(r.Header.Get("Origin")), r.Host)
		},
	}
	return g
}

// Grace exposes the reconnection controller for diagnostics.
func (g *Gateway) Grace() *grace.Controller { return g.grace }

// Stop halts the grace controller. Armed windows neither fire nor restore
// after Stop; the process is going away.
func (g *Gateway) Stop() { g.grace.Stop() }

// HandleDevice serves GET /ws/device. Credentials ride the query string
// (device_id, ts, sig) so the handshake costs one round trip; failures close
// the socket with a device-readable code instead of an HTTP status because
// most WebSocket client libraries surface close codes but eat handshake
// bodies.
func (g *Gateway) HandleDevice(w http.ResponseWriter, r *http.Request) {
	ws, err := g.deviceUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wc := newWSConn(ws)

	cred, err := auth.DeviceCredentialFromQuery(r.URL.Query())
	if err != nil {
		g.metrics.Inc(metrics.EventAuthFailed)
		_ = wc.closeWith(closeCodeMissingCredentials, "missing credentials")
		return
	}
	if err := g.devices.Verify(cred); err != nil {
		g.metrics.Inc(metrics.EventAuthFailed)
		g.log.Warn("device_auth_failed", "device_id", cred.DeviceID, "remote_addr", r.RemoteAddr, "err", err)
		_ = wc.closeWith(closeCodeBadCredentials, "invalid credentials")
		return
	}
	deviceID := cred.DeviceID

	if replaced := g.registry.AdmitDevice(deviceID, wc); replaced != nil {
		g.metrics.Inc(metrics.EventDeviceReplaced)
		g.log.Info("device_replaced", "device_id", deviceID, "old_conn", replaced.ID(), "new_conn", wc.ID())
		_ = replaced.Close()
		g.closeDeviceSessions(deviceID, "device connection replaced")
	}

	g.metrics.Inc(metrics.EventDeviceConnected)
	g.log.Info("device_connected", "device_id", deviceID, "conn", wc.ID(), "remote_addr", r.RemoteAddr)

	_ = wc.Send(&protocol.Frame{
		Kind:     protocol.KindEvent,
		Type:     protocol.TypeAuthResult,
		DeviceID: deviceID,
		RelayTS:  protocol.Timestamp(time.Now()),
	})
	g.notifyOwner(deviceID, true)

	g.readLoop(r.Context(), router.Sender{Role: router.RoleDevice, ID: deviceID, Conn: wc}, ws, wc)

	// RemoveDevice reports false when a newer connection already replaced
	// this one; the replacement owns the cleanup then.
	if g.registry.RemoveDevice(deviceID, wc) {
		g.metrics.Inc(metrics.EventDeviceDisconnected)
		g.log.Info("device_disconnected", "device_id", deviceID, "conn", wc.ID())
		g.closeDeviceSessions(deviceID, "device connection lost")
		g.notifyOwner(deviceID, false)
	}
	_ = wc.Close()
}

// HandleApp serves GET /ws/app. The token arrives in the query string or an
// Authorization header; clients that can set neither (browser WebSocket API)
// may instead send {"type":"auth","token":...} as their first frame within
// the auth timeout.
func (g *Gateway) HandleApp(w http.ResponseWriter, r *http.Request) {
	ws, err := g.appUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wc := newWSConn(ws)

	userID, ok := g.authenticateUser(r, ws, wc)
	if !ok {
		return
	}

	first := g.registry.AddUserConn(userID, wc)
	restored := g.grace.Cancel(userID)

	g.metrics.Inc(metrics.EventUserConnected)
	g.log.Info("user_connected", "user_id", userID, "conn", wc.ID(), "first", first, "restored", restored, "remote_addr", r.RemoteAddr)

	now := time.Now()
	_ = wc.Send(&protocol.Frame{
		Kind:    protocol.KindEvent,
		Type:    protocol.TypeAuthResult,
		Sender:  userID,
		RelayTS: protocol.Timestamp(now),
	})

	if restored {
		g.metrics.Inc(metrics.EventGraceCancelled)
		for _, s := range g.sessions.ForUser(userID) {
			_ = wc.Send(&protocol.Frame{
				Kind:      protocol.KindEvent,
				Type:      protocol.TypeSessionRestored,
				SessionID: s.ID,
				DeviceID:  s.DeviceID,
				RelayTS:   protocol.Timestamp(now),
			})
		}
	}

	// Presence snapshot so the client need not poll get_status on connect.
	for _, deviceID := range g.owners.Devices(userID) {
		_, online := g.registry.DeviceConn(deviceID)
		_ = wc.Send(protocol.DeviceStatus(deviceID, online, now))
	}

	g.readLoop(r.Context(), router.Sender{Role: router.RoleUser, ID: userID, Conn: wc}, ws, wc)

	if removed, last := g.registry.RemoveUserConn(userID, wc); removed {
		g.metrics.Inc(metrics.EventUserDisconnected)
		g.log.Info("user_disconnected", "user_id", userID, "conn", wc.ID(), "last", last)
		if last {
			g.metrics.Inc(metrics.EventGraceArmed)
			g.log.Info("grace_armed", "user_id", userID)
			g.grace.Arm(userID)
		}
	}
	_ = wc.Close()
}

func (g *Gateway) authenticateUser(r *http.Request, ws *websocket.Conn, wc *wsConn) (string, bool) {
	token, err := auth.UserTokenFromRequest(r)
	switch {
	case err == nil:
		// Credentials on the request itself.
	case errors.Is(err, auth.ErrMissingCredentials):
		token, err = g.readAuthFrame(ws)
		if err != nil {
			g.metrics.Inc(metrics.EventAuthFailed)
			_ = wc.closeWith(websocket.ClosePolicyViolation, err.Error())
			return "", false
		}
	default:
		g.metrics.Inc(metrics.EventAuthFailed)
		_ = wc.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return "", false
	}

	userID, err := g.users.Verify(token)
	if err != nil {
		g.metrics.Inc(metrics.EventAuthFailed)
		g.log.Warn("user_auth_failed", "remote_addr", r.RemoteAddr, "err", err)
		_ = wc.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return "", false
	}
	return userID, true
}

// readAuthFrame waits for a first-frame credential from clients that cannot
// set headers or query parameters.
func (g *Gateway) readAuthFrame(ws *websocket.Conn) (string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(g.authTimeout))
	defer ws.SetReadDeadline(time.Time{})
	ws.SetReadLimit(g.maxFrameBytes)

	msgType, data, err := ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return "", errors.New("authentication timeout")
		}
		return "", errors.New("authentication required")
	}
	if msgType != websocket.TextMessage {
		return "", errors.New("authentication required")
	}

	var msg struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" || msg.Token == "" {
		return "", errors.New("authentication required")
	}
	return msg.Token, nil
}

// readLoop pumps frames from one connection into the router until the
// transport drops, the liveness deadline lapses, or the peer misbehaves.
// Dispatch runs inline so a connection's frames are forwarded in receipt
// order.
func (g *Gateway) readLoop(ctx context.Context, from router.Sender, ws *websocket.Conn, wc *wsConn) {
	ws.SetReadLimit(g.maxFrameBytes)
	limiter := ratelimit.NewFrameLimiter(g.clock, g.frameRate)

	extend := func() {
		_ = ws.SetReadDeadline(time.Now().Add(g.pingInterval + g.pongTimeout))
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(g.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if wc.ping() != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				g.metrics.Inc(metrics.EventFrameRejected)
				_ = wc.Send(protocol.Reject(protocol.CodeBadMessage, "frame too large", time.Now()))
				_ = wc.closeWith(websocket.CloseMessageTooBig, "frame too large")
			case isTimeout(err):
				g.metrics.Inc(metrics.EventLivenessTimeout)
				g.log.Info("liveness_timeout", "role", from.Role, "id", from.ID, "conn", wc.ID())
				_ = wc.closeWith(websocket.ClosePolicyViolation, "liveness timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			_ = wc.closeWith(websocket.CloseUnsupportedData, "expected text frame")
			return
		}
		if !limiter.Allow() {
			g.metrics.Inc(metrics.EventRateLimited)
			g.log.Warn("rate_limited", "role", from.Role, "id", from.ID, "conn", wc.ID())
			_ = wc.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		f, err := protocol.Parse(data)
		if err != nil {
			g.metrics.Inc(metrics.EventFrameRejected)
			_ = wc.Send(protocol.Reject(protocol.CodeBadMessage, "malformed frame", time.Now()))
			_ = wc.closeWith(websocket.CloseUnsupportedData, "malformed frame")
			return
		}

		// JSON pings count as liveness alongside transport pongs; some
		// clients can't send WebSocket control frames.
		if f.Type == protocol.TypePing {
			extend()
		}

		g.router.Dispatch(ctx, from, f)
	}
}

// closeDeviceSessions force-closes every signaling session bound to the
// device and tells each user side exactly once.
func (g *Gateway) closeDeviceSessions(deviceID, reason string) {
	now := time.Now()
	for _, s := range g.sessions.CloseForDevice(deviceID) {
		g.metrics.Inc(metrics.EventSessionClosed)
		g.log.Info("session_closed", "session_id", s.ID, "device_id", s.DeviceID, "user_id", s.UserID, "reason", reason)
		frame := &protocol.Frame{
			Kind:      protocol.KindSignaling,
			Type:      protocol.TypeWebRTCClose,
			SessionID: s.ID,
			DeviceID:  s.DeviceID,
			Sender:    deviceID,
			Message:   reason,
			RelayTS:   protocol.Timestamp(now),
		}
		for _, conn := range g.registry.UserConns(s.UserID) {
			_ = conn.Send(frame)
		}
	}
}

// notifyOwner broadcasts the device's presence flip to every handle of its
// owner. Unpaired devices have no audience.
func (g *Gateway) notifyOwner(deviceID string, online bool) {
	owner, ok := g.owners.Owner(deviceID)
	if !ok {
		return
	}
	f := protocol.DeviceStatus(deviceID, online, time.Now())
	for _, conn := range g.registry.UserConns(owner) {
		_ = conn.Send(f)
	}
}

// graceExpired runs on the grace controller's timer: every session the user
// held is force-closed, and each device bound to one of those sessions hears
// user_disconnected exactly once. Owned devices with no pending session are
// not told anything; the user was never mid-exchange with them.
func (g *Gateway) graceExpired(userID string) {
	closed := g.sessions.CloseForUser(userID)
	for range closed {
		g.metrics.Inc(metrics.EventSessionClosed)
	}
	g.metrics.Inc(metrics.EventGraceExpired)
	g.log.Info("grace_expired", "user_id", userID, "sessions_closed", len(closed))

	now := time.Now()
	notified := make(map[string]struct{}, len(closed))
	for _, s := range closed {
		if _, done := notified[s.DeviceID]; done {
			continue
		}
		notified[s.DeviceID] = struct{}{}
		conn, ok := g.registry.DeviceConn(s.DeviceID)
		if !ok {
			continue
		}
		_ = conn.Send(&protocol.Frame{
			Kind:     protocol.KindEvent,
			Type:     protocol.TypeUserDisconnected,
			DeviceID: s.DeviceID,
			Sender:   userID,
			RelayTS:  protocol.Timestamp(now),
		})
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
