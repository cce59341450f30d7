// Package protocol defines the JSON frame envelope exchanged over device and
// user WebSocket connections, plus the typed rejection codes the relay emits.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a frame for routing. The payload stays opaque to the relay.
type Kind string

const (
	KindCommand   Kind = "command"
	KindEvent     Kind = "event"
	KindSignaling Kind = "signaling"
	KindError     Kind = "error"
)

// Signaling frame types. Candidates (webrtc_ice) may arrive in any order
// relative to the SDP exchange and are routed in any non-closed state.
const (
	TypeWebRTCRequest = "webrtc_request"
	TypeWebRTCOffer   = "webrtc_offer"
	TypeWebRTCAnswer  = "webrtc_answer"
	TypeWebRTCICE     = "webrtc_ice"
	TypeWebRTCClose   = "webrtc_close"

	// TypeWebRTCCredentials is sent by the relay to the requesting user with
	// the freshly issued TURN credential set and the new session identifier.
	TypeWebRTCCredentials = "webrtc_credentials"
)

// Relay-originated notification types.
const (
	TypeAuthResult       = "auth_result"
	TypeDeviceStatus     = "device_status"
	TypeSessionRestored  = "session_restored"
	TypeUserDisconnected = "user_disconnected"
	TypeStatusResponse   = "status_response"
	TypePong             = "pong"
)

// Client-originated types the router handles locally instead of forwarding.
const (
	TypePing      = "ping"
	TypeGetStatus = "get_status"
	TypeDebugLog  = "debug_log"
)

// Rejection codes. All are reported synchronously to the originating
// connection; none are retried by the relay.
const (
	CodeDeviceOffline  = "DEVICE_OFFLINE"
	CodeNotAuthorized  = "NOT_AUTHORIZED"
	CodeUpstreamError  = "UPSTREAM_ERROR"
	CodeNotConfigured  = "NOT_CONFIGURED"
	CodeSessionUnknown = "SESSION_UNKNOWN"
	CodeSessionLimit   = "SESSION_LIMIT"
	CodeBadMessage     = "BAD_MESSAGE"
)

// Frame is the envelope carried on every WebSocket message in both directions.
//
// SenderTS is supplied by the sender and passed through untouched; RelayTS is
// stamped by the relay on every forwarded frame, rejection, and notification
// so receipt order can be reconstructed after the fact.
type Frame struct {
	Kind      Kind            `json:"kind"`
	Type      string          `json:"type,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderTS  string          `json:"sender_ts,omitempty"`
	RelayTS   string          `json:"relay_ts,omitempty"`

	// Code and Message are set on kind=error frames only.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Online is set on device_status and status_response frames.
	Online *bool `json:"online,omitempty"`
	Paired *bool `json:"paired,omitempty"`
}

var ErrMalformedFrame = errors.New("malformed frame")

// Parse decodes a single inbound frame. A frame must be one JSON object with
// a recognized kind; anything else is a malformed frame and the offending
// connection is closed by the caller.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Kind {
	case KindCommand, KindEvent, KindSignaling:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, f.Kind)
	}
	return &f, nil
}

// Encode marshals a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Timestamp formats t the way every relay-stamped field and log line expects.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Reject builds a typed rejection frame for the originating connection.
func Reject(code, message string, now time.Time) *Frame {
	return &Frame{
		Kind:    KindError,
		Code:    code,
		Message: message,
		RelayTS: Timestamp(now),
	}
}

func boolPtr(v bool) *bool { return &v }

// DeviceStatus builds the online/offline notification broadcast to the
// owning user's handles. Reconnecting clients receive only this boolean,
// never a replayed last-known status.
func DeviceStatus(deviceID string, online bool, now time.Time) *Frame {
	return &Frame{
		Kind:     KindEvent,
		Type:     TypeDeviceStatus,
		DeviceID: deviceID,
		Online:   boolPtr(online),
		RelayTS:  Timestamp(now),
	}
}

// StatusResponse answers a get_status request.
func StatusResponse(deviceID string, paired, online bool, now time.Time) *Frame {
	return &Frame{
		Kind:     KindEvent,
		Type:     TypeStatusResponse,
		DeviceID: deviceID,
		Paired:   boolPtr(paired),
		Online:   boolPtr(online),
		RelayTS:  Timestamp(now),
	}
}
