package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/lolygagv2/dogbot-relay/internal/config"
	"github.com/lolygagv2/dogbot-relay/internal/gateway"
	"github.com/lolygagv2/dogbot-relay/internal/httpserver"
	"github.com/lolygagv2/dogbot-relay/internal/metrics"
	"github.com/lolygagv2/dogbot-relay/internal/registry"
	"github.com/lolygagv2/dogbot-relay/internal/router"
	"github.com/lolygagv2/dogbot-relay/internal/session"
	"github.com/lolygagv2/dogbot-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting dogbot-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"paired_devices", len(cfg.DeviceOwners),
		"grace_window", cfg.GraceWindow,
		"max_sessions_per_device", cfg.MaxSessionsPerDevice,
		"turn_upstream_configured", cfg.TURN.Enabled(),
		"static_ice_servers", len(cfg.ICEServers),
	)

	logStartupSecurityWarnings(logger, cfg)

	issuer, err := buildIssuer(cfg)
	if err != nil {
		logger.Error("failed to configure turn credential issuer", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	reg := registry.New()
	owners := registry.StaticOwners(cfg.DeviceOwners)
	sessions := session.NewCoordinator(cfg.MaxSessionsPerDevice)

	rt := router.New(logger, m, reg, owners, sessions, issuer, cfg.TURN.RequestTimeout)
	gw := gateway.New(cfg, logger, m, reg, owners, sessions, rt)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		Registry: reg,
		Sessions: sessions,
		Metrics:  m,
		Gateway:  gw,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		gw.Stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	gw.Stop()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// buildIssuer picks the Cloudflare-style upstream when configured, falling
// back to the static ICE list (dev deployments run without an upstream).
func buildIssuer(cfg config.Config) (turnrest.Issuer, error) {
	if cfg.TURN.Enabled() {
		return turnrest.NewClient(turnrest.ClientConfig{
			APIBaseURL:     cfg.TURN.APIBaseURL,
			KeyID:          cfg.TURN.KeyID,
			APIToken:       cfg.TURN.APIToken,
			CredentialTTL:  cfg.TURN.CredentialTTL,
			RequestTimeout: cfg.TURN.RequestTimeout,
		})
	}
	return turnrest.StaticIssuer{Servers: cfg.ICEServers}, nil
}

func resolveBuildInfo(commit, builtAt string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if builtAt == "" {
					builtAt = s.Value
				}
			}
		}
	}

	return commit, builtAt
}
