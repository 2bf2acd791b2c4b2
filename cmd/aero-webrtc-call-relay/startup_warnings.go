package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets anyone reach the relay and register any identity",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is 0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_unlimited_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Session descriptions are a few KiB; anything far larger is abuse.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_size_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz and the ICE endpoints will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
		return
	}

	var turn, staticTURN bool
	for _, server := range cfg.ICEServers {
		if !config.IsTURNServer(server) {
			continue
		}
		turn = true
		if server.Username != "" {
			staticTURN = true
		}
	}
	if cfg.Mode == config.ModeProd && !turn {
		logger.Warn("startup warning: no TURN server configured; calls between peers behind symmetric NATs will fail",
			"warning_code", "ice_no_turn",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}
	if staticTURN && !cfg.TURNREST.Enabled() {
		logger.Warn("startup security warning: static TURN credentials are handed to every client; prefer TURN_REST_SHARED_SECRET",
			"warning_code", "turn_static_credentials",
			"mode", cfg.Mode,
		)
	}
}
