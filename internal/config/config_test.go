package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		envVarDeviceSharedSecret: "device-secret",
		envVarJWTSecret:          "jwt-secret",
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(lookupMap(baseEnv()), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.PingInterval != DefaultPingInterval {
		t.Fatalf("pingInterval=%v, want %v", cfg.PingInterval, DefaultPingInterval)
	}
	if cfg.PongTimeout != DefaultPongTimeout {
		t.Fatalf("pongTimeout=%v, want %v", cfg.PongTimeout, DefaultPongTimeout)
	}
	if cfg.GraceWindow != DefaultGraceWindow {
		t.Fatalf("graceWindow=%v, want %v", cfg.GraceWindow, DefaultGraceWindow)
	}
	if cfg.MaxFrameBytes != DefaultMaxFrameBytes {
		t.Fatalf("maxFrameBytes=%d, want %d", cfg.MaxFrameBytes, DefaultMaxFrameBytes)
	}
	if cfg.MaxFramesPerSecond != DefaultMaxFramesPerSecond {
		t.Fatalf("maxFramesPerSecond=%d, want %d", cfg.MaxFramesPerSecond, DefaultMaxFramesPerSecond)
	}
	if cfg.MaxSessionsPerDevice != DefaultMaxSessionsPerDevice {
		t.Fatalf("maxSessionsPerDevice=%d, want %d", cfg.MaxSessionsPerDevice, DefaultMaxSessionsPerDevice)
	}
	if cfg.DeviceAuthMaxSkew != DefaultDeviceAuthMaxSkew {
		t.Fatalf("deviceAuthMaxSkew=%v, want %v", cfg.DeviceAuthMaxSkew, DefaultDeviceAuthMaxSkew)
	}
	if cfg.TURN.Enabled() {
		t.Fatal("TURN upstream should be disabled by default")
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("unexpected ICE config error: %v", err)
	}
}

func TestProdModeDefaultsJSONLogs(t *testing.T) {
	env := baseEnv()
	env[envVarMode] = "prod"
	cfg, err := load(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestMissingSecretsRejected(t *testing.T) {
	t.Run("device secret", func(t *testing.T) {
		env := baseEnv()
		delete(env, envVarDeviceSharedSecret)
		if _, err := load(lookupMap(env), nil); err == nil || !strings.Contains(err.Error(), envVarDeviceSharedSecret) {
			t.Fatalf("err=%v, want %s error", err, envVarDeviceSharedSecret)
		}
	})
	t.Run("jwt secret", func(t *testing.T) {
		env := baseEnv()
		delete(env, envVarJWTSecret)
		if _, err := load(lookupMap(env), nil); err == nil || !strings.Contains(err.Error(), envVarJWTSecret) {
			t.Fatalf("err=%v, want %s error", err, envVarJWTSecret)
		}
	})
}

func TestFlagsOverrideEnv(t *testing.T) {
	env := baseEnv()
	env[envVarListenAddr] = "127.0.0.1:9999"
	env[envVarGraceWindow] = "5m"

	cfg, err := load(lookupMap(env), []string{
		"--listen-addr", "0.0.0.0:8080",
		"--grace-window", "30s",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Fatalf("listenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.GraceWindow != 30*time.Second {
		t.Fatalf("graceWindow=%v, want 30s", cfg.GraceWindow)
	}
}

func TestDeviceOwnersParsing(t *testing.T) {
	env := baseEnv()
	env[envVarDeviceOwners] = "dog-1:alice, dog-2:bob"
	cfg, err := load(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.DeviceOwners["dog-1"]; got != "alice" {
		t.Fatalf("owner(dog-1)=%q, want alice", got)
	}
	if got := cfg.DeviceOwners["dog-2"]; got != "bob" {
		t.Fatalf("owner(dog-2)=%q, want bob", got)
	}

	env[envVarDeviceOwners] = "dog-1:alice,dog-1:bob"
	if _, err := load(lookupMap(env), nil); err == nil {
		t.Fatal("expected error for conflicting ownership")
	}

	env[envVarDeviceOwners] = "dog-1"
	if _, err := load(lookupMap(env), nil); err == nil {
		t.Fatal("expected error for malformed pair")
	}
}

func TestTURNUpstreamValidation(t *testing.T) {
	env := baseEnv()
	env[envVarTURNAPIBaseURL] = "https://rtc.example.com/v1/turn/"

	if _, err := load(lookupMap(env), nil); err == nil || !strings.Contains(err.Error(), envVarTURNKeyID) {
		t.Fatalf("err=%v, want missing key id error", err)
	}

	env[envVarTURNKeyID] = "key-1"
	if _, err := load(lookupMap(env), nil); err == nil || !strings.Contains(err.Error(), envVarTURNAPIToken) {
		t.Fatalf("err=%v, want missing api token error", err)
	}

	env[envVarTURNAPIToken] = "tok"
	cfg, err := load(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TURN.Enabled() {
		t.Fatal("TURN upstream should be enabled")
	}
	if cfg.TURN.APIBaseURL != "https://rtc.example.com/v1/turn" {
		t.Fatalf("APIBaseURL=%q, want trailing slash trimmed", cfg.TURN.APIBaseURL)
	}
	if cfg.TURN.CredentialTTL != DefaultTURNCredentialTTL {
		t.Fatalf("CredentialTTL=%v, want %v", cfg.TURN.CredentialTTL, DefaultTURNCredentialTTL)
	}

	env[envVarTURNAPIBaseURL] = "ftp://rtc.example.com"
	if _, err := load(lookupMap(env), nil); err == nil {
		t.Fatal("expected error for non-http scheme")
	}
}

func TestInvalidDurationsRejected(t *testing.T) {
	for _, key := range []string{envVarPingInterval, envVarPongTimeout, envVarGraceWindow, envVarAuthTimeout} {
		t.Run(key, func(t *testing.T) {
			env := baseEnv()
			env[key] = "not-a-duration"
			if _, err := load(lookupMap(env), nil); err == nil {
				t.Fatalf("expected error for invalid %s", key)
			}
		})
	}
}

func TestAllowedOriginsNormalized(t *testing.T) {
	env := baseEnv()
	env[envVarAllowedOrigins] = "https://APP.Example.com:443, *"
	cfg, err := load(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("allowedOrigins=%v, want 2 entries", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("origin=%q, want normalized", cfg.AllowedOrigins[0])
	}

	env[envVarAllowedOrigins] = "not a url"
	if _, err := load(lookupMap(env), nil); err == nil {
		t.Fatal("expected error for invalid origin")
	}
}
