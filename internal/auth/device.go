package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DeviceVerifier checks device connection proofs.
//
// A proof is hex(HMAC-SHA256(device_id + timestamp, secret)) where timestamp
// is the device's unix-seconds clock at connect time. The timestamp bounds
// replay: proofs older (or newer) than MaxSkew are rejected.
type DeviceVerifier struct {
	Secret  []byte
	MaxSkew time.Duration

	now func() time.Time
}

func NewDeviceVerifier(secret string, maxSkew time.Duration) *DeviceVerifier {
	return &DeviceVerifier{
		Secret:  []byte(secret),
		MaxSkew: maxSkew,
		now:     time.Now,
	}
}

func (v *DeviceVerifier) Verify(cred DeviceCredential) error {
	if len(v.Secret) == 0 {
		return ErrInvalidCredentials
	}
	if cred.DeviceID == "" || cred.Timestamp == "" || cred.Signature == "" {
		return ErrMissingCredentials
	}

	ts, err := strconv.ParseInt(cred.Timestamp, 10, 64)
	if err != nil {
		return ErrInvalidCredentials
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(cred.Signature)
	if err != nil || len(got) != sha256.Size {
		return ErrInvalidCredentials
	}

	mac := hmac.New(sha256.New, v.Secret)
	_, _ = mac.Write([]byte(cred.DeviceID))
	_, _ = mac.Write([]byte(cred.Timestamp))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidCredentials
	}
	return nil
}

// Sign produces a valid proof for the given device id and timestamp. Exported
// for device firmware tooling and tests.
func Sign(secret, deviceID string, ts time.Time) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(deviceID))
	_, _ = mac.Write([]byte(timestamp))
	return timestamp, hex.EncodeToString(mac.Sum(nil))
}
