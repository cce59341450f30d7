// Package auth verifies the two relay identities: devices prove possession of
// the shared secret with an HMAC over their id and a timestamp, users present
// HS256 bearer tokens.
package auth

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrStaleTimestamp     = errors.New("timestamp outside accepted window")
)

// DeviceCredential carries the query parameters of a device upgrade request.
type DeviceCredential struct {
	DeviceID  string
	Timestamp string
	Signature string
}

// DeviceCredentialFromQuery extracts the device auth parameters from the
// upgrade request query string.
func DeviceCredentialFromQuery(q url.Values) (DeviceCredential, error) {
	cred := DeviceCredential{
		DeviceID:  q.Get("device_id"),
		Timestamp: q.Get("ts"),
		Signature: q.Get("sig"),
	}
	if cred.DeviceID == "" || cred.Timestamp == "" || cred.Signature == "" {
		return DeviceCredential{}, ErrMissingCredentials
	}
	return cred, nil
}

// UserTokenFromRequest extracts the user bearer token from either the query
// string (browser WebSocket clients cannot set headers) or the Authorization
// header.
func UserTokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok && token != "" {
			return token, nil
		}
		return "", ErrInvalidCredentials
	}
	return "", ErrMissingCredentials
}
