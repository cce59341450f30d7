package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestParseValidKinds(t *testing.T) {
	for _, kind := range []string{"command", "event", "signaling"} {
		t.Run(kind, func(t *testing.T) {
			f, err := Parse([]byte(`{"kind":"` + kind + `","type":"x","payload":{"a":1}}`))
			if err != nil {
				t.Fatalf("Parse error: %v", err)
			}
			if string(f.Kind) != kind {
				t.Fatalf("kind=%q, want %q", f.Kind, kind)
			}
			if f.Type != "x" {
				t.Fatalf("type=%q, want %q", f.Type, "x")
			}
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "not json"},
		{"missing kind", `{"type":"ping"}`},
		{"unknown kind", `{"kind":"gossip"}`},
		{"error kind inbound", `{"kind":"error","code":"X"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("err=%v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestParsePreservesOpaquePayload(t *testing.T) {
	f, err := Parse([]byte(`{"kind":"command","type":"move","payload":{"dir":"fwd","speed":3}}`))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if got := string(f.Payload); got != `{"dir":"fwd","speed":3}` {
		t.Fatalf("payload=%s, want original bytes", got)
	}
}

func TestRejectStampsRelayTS(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := Reject(CodeDeviceOffline, "device d1 is offline", now)
	if f.Kind != KindError {
		t.Fatalf("kind=%q, want error", f.Kind)
	}
	if f.Code != CodeDeviceOffline {
		t.Fatalf("code=%q, want %q", f.Code, CodeDeviceOffline)
	}
	if f.RelayTS != "2025-03-01T12:00:00Z" {
		t.Fatalf("relay_ts=%q", f.RelayTS)
	}
}

func TestDeviceStatus(t *testing.T) {
	f := DeviceStatus("d1", true, time.Now())
	if f.Type != TypeDeviceStatus || f.Online == nil || !*f.Online {
		t.Fatalf("unexpected frame %+v", f)
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty encoding")
	}
}
