package main

import (
	"log/slog"
	"time"

	"github.com/lolygagv2/dogbot-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.DeviceOwners) == 0 {
		logger.Warn("startup security warning: DEVICE_OWNERS is empty (every device is unpaired; all commands will be rejected NOT_AUTHORIZED)",
			"warning_code", "device_owners_empty",
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURN.Enabled() && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no TURN upstream and no static ICE servers (webrtc_request will fail NOT_CONFIGURED)",
			"warning_code", "turn_not_configured",
			"mode", cfg.Mode,
		)
	}

	if cfg.DeviceAuthMaxSkew > time.Hour {
		logger.Warn("startup security warning: DEVICE_AUTH_MAX_SKEW is very large (widens the replay window for captured device signatures)",
			"warning_code", "device_auth_max_skew_large",
			"device_auth_max_skew", cfg.DeviceAuthMaxSkew,
			"mode", cfg.Mode,
		)
	}

	if cfg.GraceWindow > 24*time.Hour {
		logger.Warn("startup warning: GRACE_WINDOW is very large (signaling sessions stay pinned long after the user is gone)",
			"warning_code", "grace_window_large",
			"grace_window", cfg.GraceWindow,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessionsPerDevice <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS_PER_DEVICE is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions_per_device", cfg.MaxSessionsPerDevice,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
