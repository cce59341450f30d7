package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lolygagv2/dogbot-relay/internal/origin"
)

const (
	envVarListenAddr      = "DOGBOT_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "DOGBOT_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "DOGBOT_RELAY_LOG_FORMAT"
	envVarLogLevel        = "DOGBOT_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "DOGBOT_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "DOGBOT_RELAY_MODE"

	// Device and user authentication.
	envVarDeviceSharedSecret = "DEVICE_SHARED_SECRET"
	envVarDeviceAuthMaxSkew  = "DEVICE_AUTH_MAX_SKEW"
	envVarJWTSecret          = "JWT_SECRET"
	envVarDeviceOwners       = "DEVICE_OWNERS"

	// WebSocket liveness + hardening.
	envVarAuthTimeout        = "AUTH_TIMEOUT"
	envVarPingInterval       = "PING_INTERVAL"
	envVarPongTimeout        = "PONG_TIMEOUT"
	envVarMaxFrameBytes      = "MAX_FRAME_BYTES"
	envVarMaxFramesPerSecond = "MAX_FRAMES_PER_SECOND"

	// Session and reconnection lifecycle.
	envVarGraceWindow          = "GRACE_WINDOW"
	envVarMaxSessionsPerDevice = "MAX_SESSIONS_PER_DEVICE"

	// TURN credential issuance upstream.
	envVarTURNAPIBaseURL     = "TURN_API_BASE_URL"
	envVarTURNKeyID          = "TURN_KEY_ID"
	envVarTURNAPIToken       = "TURN_API_TOKEN"
	envVarTURNCredentialTTL  = "TURN_CREDENTIAL_TTL"
	envVarTURNRequestTimeout = "TURN_REQUEST_TIMEOUT"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultDeviceAuthMaxSkew = 5 * time.Minute

	DefaultAuthTimeout        = 2 * time.Second
	DefaultPingInterval       = 20 * time.Second
	DefaultPongTimeout        = 10 * time.Second
	DefaultMaxFrameBytes      = int64(64 * 1024)
	DefaultMaxFramesPerSecond = 50

	DefaultGraceWindow          = 10 * time.Minute
	DefaultMaxSessionsPerDevice = 4

	DefaultTURNCredentialTTL  = 24 * time.Hour
	DefaultTURNRequestTimeout = 10 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TURNConfig configures the upstream TURN credential API. The relay only
// brokers credentials; it never terminates TURN traffic itself.
type TURNConfig struct {
	APIBaseURL     string
	KeyID          string
	APIToken       string
	CredentialTTL  time.Duration
	RequestTimeout time.Duration
}

func (c TURNConfig) Enabled() bool {
	return strings.TrimSpace(c.APIBaseURL) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// DeviceSharedSecret signs device connection proofs
	// (HMAC-SHA256 over device_id+timestamp).
	DeviceSharedSecret string
	DeviceAuthMaxSkew  time.Duration

	// JWTSecret verifies user bearer tokens (HS256, user id in `sub`).
	JWTSecret string

	// DeviceOwners maps device id -> owning user id. A device absent from the
	// map is unpaired: it may connect, but no user is authorized to reach it.
	DeviceOwners map[string]string

	AuthTimeout        time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	MaxFrameBytes      int64
	MaxFramesPerSecond int

	// GraceWindow is how long a device stays marked reachable after its owner
	// loses the last connection, before the device is told the user is gone.
	GraceWindow time.Duration

	MaxSessionsPerDevice int

	TURN TURNConfig

	// ICEServers is the static fallback advertised to clients when the TURN
	// credential upstream is not configured.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	deviceSharedSecret := envOrDefault(lookup, envVarDeviceSharedSecret, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	deviceOwnersStr := envOrDefault(lookup, envVarDeviceOwners, "")

	deviceAuthMaxSkew, err := envDurationOrDefault(lookup, envVarDeviceAuthMaxSkew, DefaultDeviceAuthMaxSkew)
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	pongTimeout, err := envDurationOrDefault(lookup, envVarPongTimeout, DefaultPongTimeout)
	if err != nil {
		return Config{}, err
	}
	graceWindow, err := envDurationOrDefault(lookup, envVarGraceWindow, DefaultGraceWindow)
	if err != nil {
		return Config{}, err
	}

	maxFrameBytes := DefaultMaxFrameBytes
	if raw, ok := lookup(envVarMaxFrameBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxFrameBytes, raw, err)
		}
		maxFrameBytes = n
	}
	maxFramesPerSecond, err := envIntOrDefault(lookup, envVarMaxFramesPerSecond, DefaultMaxFramesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxSessionsPerDevice, err := envIntOrDefault(lookup, envVarMaxSessionsPerDevice, DefaultMaxSessionsPerDevice)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	turnAPIBaseURL := envOrDefault(lookup, envVarTURNAPIBaseURL, "")
	turnKeyID := envOrDefault(lookup, envVarTURNKeyID, "")
	turnAPIToken := envOrDefault(lookup, envVarTURNAPIToken, "")
	turnCredentialTTL, err := envDurationOrDefault(lookup, envVarTURNCredentialTTL, DefaultTURNCredentialTTL)
	if err != nil {
		return Config{}, err
	}
	turnRequestTimeout, err := envDurationOrDefault(lookup, envVarTURNRequestTimeout, DefaultTURNRequestTimeout)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	fs := flag.NewFlagSet("dogbot-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&deviceSharedSecret, "device-shared-secret", deviceSharedSecret, "Shared secret for device HMAC auth (env "+envVarDeviceSharedSecret+")")
	fs.DurationVar(&deviceAuthMaxSkew, "device-auth-max-skew", deviceAuthMaxSkew, "Max clock skew accepted on device auth timestamps (env "+envVarDeviceAuthMaxSkew+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for user bearer tokens (env "+envVarJWTSecret+")")
	fs.StringVar(&deviceOwnersStr, "device-owners", deviceOwnersStr, "Comma-separated device:user ownership pairs (env "+envVarDeviceOwners+")")

	fs.DurationVar(&authTimeout, "auth-timeout", authTimeout, "Time allowed to complete WebSocket auth (env "+envVarAuthTimeout+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Keepalive ping interval on relay connections (env "+envVarPingInterval+")")
	fs.DurationVar(&pongTimeout, "pong-timeout", pongTimeout, "Time allowed for a pong before a connection is considered dead (env "+envVarPongTimeout+")")
	fs.Int64Var(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "Max inbound WebSocket frame size in bytes (env "+envVarMaxFrameBytes+")")
	fs.IntVar(&maxFramesPerSecond, "max-frames-per-second", maxFramesPerSecond, "Max inbound frames per second per connection (env "+envVarMaxFramesPerSecond+")")

	fs.DurationVar(&graceWindow, "grace-window", graceWindow, "Reconnection grace window after a user's last connection drops (env "+envVarGraceWindow+")")
	fs.IntVar(&maxSessionsPerDevice, "max-sessions-per-device", maxSessionsPerDevice, "Max concurrent signaling sessions per device, 0 for unlimited (env "+envVarMaxSessionsPerDevice+")")

	fs.StringVar(&turnAPIBaseURL, "turn-api-base-url", turnAPIBaseURL, "TURN credential API base URL (env "+envVarTURNAPIBaseURL+")")
	fs.StringVar(&turnKeyID, "turn-key-id", turnKeyID, "TURN credential API key id (env "+envVarTURNKeyID+")")
	fs.StringVar(&turnAPIToken, "turn-api-token", turnAPIToken, "TURN credential API bearer token (env "+envVarTURNAPIToken+")")
	fs.DurationVar(&turnCredentialTTL, "turn-credential-ttl", turnCredentialTTL, "Lifetime of issued TURN credentials (env "+envVarTURNCredentialTTL+")")
	fs.DurationVar(&turnRequestTimeout, "turn-request-timeout", turnRequestTimeout, "Timeout for TURN credential API requests (env "+envVarTURNRequestTimeout+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "Static ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "Static TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "Static TURN credential (env "+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if strings.TrimSpace(deviceSharedSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set", envVarDeviceSharedSecret)
	}
	if strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set", envVarJWTSecret)
	}
	if deviceAuthMaxSkew <= 0 {
		return Config{}, fmt.Errorf("%s/--device-auth-max-skew must be > 0", envVarDeviceAuthMaxSkew)
	}
	if authTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--auth-timeout must be > 0", envVarAuthTimeout)
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ping-interval must be > 0", envVarPingInterval)
	}
	if pongTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--pong-timeout must be > 0", envVarPongTimeout)
	}
	if graceWindow < 0 {
		return Config{}, fmt.Errorf("%s/--grace-window must be >= 0 (0 = no grace window)", envVarGraceWindow)
	}
	if maxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-frame-bytes must be > 0", envVarMaxFrameBytes)
	}
	if maxFramesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-frames-per-second must be > 0", envVarMaxFramesPerSecond)
	}
	if maxSessionsPerDevice < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions-per-device must be >= 0 (0 = unlimited)", envVarMaxSessionsPerDevice)
	}

	deviceOwners, err := parseDeviceOwners(deviceOwnersStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--device-owners: %w", envVarDeviceOwners, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if strings.TrimSpace(turnAPIBaseURL) != "" {
		u, err := url.Parse(strings.TrimSpace(turnAPIBaseURL))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNAPIBaseURL, turnAPIBaseURL, err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return Config{}, fmt.Errorf("invalid %s %q (expected http:// or https://)", envVarTURNAPIBaseURL, turnAPIBaseURL)
		}
		if u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s %q (missing host)", envVarTURNAPIBaseURL, turnAPIBaseURL)
		}
		turnAPIBaseURL = strings.TrimRight(strings.TrimSpace(turnAPIBaseURL), "/")

		if strings.TrimSpace(turnKeyID) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s is set", envVarTURNKeyID, envVarTURNAPIBaseURL)
		}
		if strings.TrimSpace(turnAPIToken) == "" {
			return Config{}, fmt.Errorf("%s must be set when %s is set", envVarTURNAPIToken, envVarTURNAPIBaseURL)
		}
		if turnCredentialTTL <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-credential-ttl must be > 0", envVarTURNCredentialTTL)
		}
		if turnRequestTimeout <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-request-timeout must be > 0", envVarTURNRequestTimeout)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		DeviceSharedSecret: deviceSharedSecret,
		DeviceAuthMaxSkew:  deviceAuthMaxSkew,
		JWTSecret:          jwtSecret,
		DeviceOwners:       deviceOwners,

		AuthTimeout:        authTimeout,
		PingInterval:       pingInterval,
		PongTimeout:        pongTimeout,
		MaxFrameBytes:      maxFrameBytes,
		MaxFramesPerSecond: maxFramesPerSecond,

		GraceWindow:          graceWindow,
		MaxSessionsPerDevice: maxSessionsPerDevice,

		TURN: TURNConfig{
			APIBaseURL:     turnAPIBaseURL,
			KeyID:          turnKeyID,
			APIToken:       turnAPIToken,
			CredentialTTL:  turnCredentialTTL,
			RequestTimeout: turnRequestTimeout,
		},
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseDeviceOwners parses "device1:user1,device2:user2" pairs.
func parseDeviceOwners(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		device, user, ok := strings.Cut(entry, ":")
		device = strings.TrimSpace(device)
		user = strings.TrimSpace(user)
		if !ok || device == "" || user == "" {
			return nil, fmt.Errorf("invalid ownership pair %q (expected device:user)", entry)
		}
		if existing, dup := out[device]; dup && existing != user {
			return nil, fmt.Errorf("device %q mapped to multiple users (%q and %q)", device, existing, user)
		}
		out[device] = user
	}
	return out, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalized, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}

	return out, nil
}
