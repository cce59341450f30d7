// Package turnrest issues short-lived TURN credentials for signaling
// sessions. The relay never terminates TURN traffic; it only brokers
// credentials from an upstream credential API (or serves a static ICE
// fallback when no upstream is configured).
package turnrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrNotConfigured is returned when neither an upstream nor static ICE
	// servers are configured. Callers surface this to the requesting user and
	// must not create a session.
	ErrNotConfigured = errors.New("turn credentials not configured")

	// ErrUpstream is returned for any upstream failure (network error,
	// non-2xx, undecodable body). Callers must not retry on the client's
	// behalf; the user decides whether to re-request.
	ErrUpstream = errors.New("turn credential upstream failed")
)

// CredentialSet is one issued batch of ICE servers. Credentials are scoped to
// a single signaling session and expire upstream after the configured TTL;
// the relay keeps no copy beyond the response.
type CredentialSet struct {
	ICEServers []webrtc.ICEServer
	ExpiresAt  time.Time
}

// Issuer issues credentials for a new signaling session.
type Issuer interface {
	Issue(ctx context.Context, sessionID string) (CredentialSet, error)
}

// Client calls a Cloudflare-style TURN credential API:
//
//	POST {base}/{keyID}/credentials/generate-ice-servers
//	Authorization: Bearer {token}
//	{"ttl": <seconds>}
//
// and relays the returned iceServers list untouched.
type Client struct {
	baseURL string
	keyID   string
	token   string
	ttl     time.Duration

	httpClient *http.Client
	now        func() time.Time
}

type ClientConfig struct {
	APIBaseURL     string
	KeyID          string
	APIToken       string
	CredentialTTL  time.Duration
	RequestTimeout time.Duration

	// HTTPClient overrides the default client in tests.
	HTTPClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, errors.New("APIBaseURL is required")
	}
	if strings.TrimSpace(cfg.KeyID) == "" {
		return nil, errors.New("KeyID is required")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("APIToken is required")
	}
	if cfg.CredentialTTL <= 0 {
		return nil, errors.New("CredentialTTL must be > 0")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		keyID:      cfg.KeyID,
		token:      cfg.APIToken,
		ttl:        cfg.CredentialTTL,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

type generateRequest struct {
	TTL int64 `json:"ttl"`
}

type iceServerPayload struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts both a bare string and an array of strings, matching what
// different upstream API versions return.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*u = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

type generateResponse struct {
	ICEServers []iceServerPayload `json:"iceServers"`
}

const maxUpstreamResponseBytes = 64 * 1024

func (c *Client) Issue(ctx context.Context, sessionID string) (CredentialSet, error) {
	body, err := json.Marshal(generateRequest{TTL: int64(c.ttl.Seconds())})
	if err != nil {
		return CredentialSet{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	url := c.baseURL + "/" + c.keyID + "/credentials/generate-ice-servers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return CredentialSet{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CredentialSet{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, maxUpstreamResponseBytes)
		return CredentialSet{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var decoded generateResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxUpstreamResponseBytes))
	if err := dec.Decode(&decoded); err != nil {
		return CredentialSet{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if len(decoded.ICEServers) == 0 {
		return CredentialSet{}, fmt.Errorf("%w: empty iceServers", ErrUpstream)
	}

	servers := make([]webrtc.ICEServer, 0, len(decoded.ICEServers))
	for _, s := range decoded.ICEServers {
		server := webrtc.ICEServer{
			URLs:     s.URLs,
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}

	return CredentialSet{
		ICEServers: servers,
		ExpiresAt:  c.now().Add(c.ttl),
	}, nil
}

// StaticIssuer serves a fixed ICE server list (STUN_URLS/TURN_URLS or
// ICE_SERVERS_JSON) when no credential upstream is configured. The list has
// no expiry.
type StaticIssuer struct {
	Servers []webrtc.ICEServer
}

func (s StaticIssuer) Issue(_ context.Context, _ string) (CredentialSet, error) {
	if len(s.Servers) == 0 {
		return CredentialSet{}, ErrNotConfigured
	}
	return CredentialSet{ICEServers: s.Servers}, nil
}
