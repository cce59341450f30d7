package auth

import (
	"errors"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func TestDeviceVerifier_AcceptsValidProof(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	v := NewDeviceVerifier("secret", 5*time.Minute)
	v.now = func() time.Time { return now }

	ts, sig := Sign("secret", "dog-1", now)
	err := v.Verify(DeviceCredential{DeviceID: "dog-1", Timestamp: ts, Signature: sig})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestDeviceVerifier_RejectsWrongSecret(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	v := NewDeviceVerifier("secret", 5*time.Minute)
	v.now = func() time.Time { return now }

	ts, sig := Sign("other-secret", "dog-1", now)
	err := v.Verify(DeviceCredential{DeviceID: "dog-1", Timestamp: ts, Signature: sig})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
}

func TestDeviceVerifier_RejectsForgedDeviceID(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	v := NewDeviceVerifier("secret", 5*time.Minute)
	v.now = func() time.Time { return now }

	// Proof signed for dog-1 must not authenticate dog-2.
	ts, sig := Sign("secret", "dog-1", now)
	err := v.Verify(DeviceCredential{DeviceID: "dog-2", Timestamp: ts, Signature: sig})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
}

func TestDeviceVerifier_RejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	v := NewDeviceVerifier("secret", 5*time.Minute)
	v.now = func() time.Time { return now }

	for _, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		ts, sig := Sign("secret", "dog-1", now.Add(offset))
		err := v.Verify(DeviceCredential{DeviceID: "dog-1", Timestamp: ts, Signature: sig})
		if !errors.Is(err, ErrStaleTimestamp) {
			t.Fatalf("offset %v: err=%v, want ErrStaleTimestamp", offset, err)
		}
	}

	// Skew exactly at the bound is accepted.
	ts, sig := Sign("secret", "dog-1", now.Add(-5*time.Minute))
	if err := v.Verify(DeviceCredential{DeviceID: "dog-1", Timestamp: ts, Signature: sig}); err != nil {
		t.Fatalf("Verify at skew bound: %v", err)
	}
}

func TestDeviceVerifier_RejectsMalformedSignature(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	v := NewDeviceVerifier("secret", 5*time.Minute)
	v.now = func() time.Time { return now }

	ts := strconv.FormatInt(now.Unix(), 10)
	for _, sig := range []string{"nothex", "abcd", ""} {
		err := v.Verify(DeviceCredential{DeviceID: "dog-1", Timestamp: ts, Signature: sig})
		if err == nil {
			t.Fatalf("signature %q: expected error", sig)
		}
	}
}

func TestDeviceCredentialFromQuery(t *testing.T) {
	q := url.Values{}
	q.Set("device_id", "dog-1")
	q.Set("ts", "1700000000")
	q.Set("sig", "aa")
	cred, err := DeviceCredentialFromQuery(q)
	if err != nil {
		t.Fatalf("DeviceCredentialFromQuery: %v", err)
	}
	if cred.DeviceID != "dog-1" {
		t.Fatalf("deviceID=%q, want dog-1", cred.DeviceID)
	}

	q.Del("sig")
	if _, err := DeviceCredentialFromQuery(q); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err=%v, want ErrMissingCredentials", err)
	}
}
