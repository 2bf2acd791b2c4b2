// Package peerconfig loads the call peer's settings from flags, AERO_CALL_PEER_*
// environment variables and an optional config file, in that order of
// precedence.
package peerconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/negotiation"
)

const EnvPrefix = "AERO_CALL_PEER"

const (
	keyConfig               = "config"
	keyRelayURL             = "relayurl"
	keyIdentity             = "identity"
	keyTarget               = "target"
	keyAPIKey               = "apikey"
	keyLogLevel             = "loglevel"
	keyTimeout              = "timeout"
	keyUDPPortMin           = "udpportmin"
	keyUDPPortMax           = "udpportmax"
	keyMaxPendingCandidates = "maxpendingcandidates"
)

const (
	DefaultRelayURL = "http://127.0.0.1:8080"
	DefaultTimeout  = 30 * time.Second
)

type Config struct {
	// RelayURL is the relay's HTTP base URL; the signaling and ICE endpoints
	// are derived from it.
	RelayURL string
	// Identity is prompted for when empty.
	Identity string
	// Target, when set, is called as soon as the peer is registered.
	Target string
	APIKey string

	LogLevel slog.Level
	// Timeout bounds startup: fetching ICE servers, dialing and registering.
	Timeout time.Duration

	UDPPortMin uint16
	UDPPortMax uint16

	MaxPendingCandidates int
}

func Load(args []string) (Config, error) {
	return load(viper.New(), args)
}

func load(v *viper.Viper, args []string) (Config, error) {
	fs := pflag.NewFlagSet("aero-call-peer", pflag.ContinueOnError)
	fs.String(keyConfig, "", "Path to a config file (yaml, json or toml)")
	fs.String(keyRelayURL, DefaultRelayURL, "Relay base URL")
	fs.String(keyIdentity, "", "Identity to register (prompted for when empty)")
	fs.String(keyTarget, "", "Identity to call once registered")
	fs.String(keyAPIKey, "", "Relay API key, when the relay requires one")
	fs.String(keyLogLevel, "info", "Log level: debug, info, warn, error")
	fs.Duration(keyTimeout, DefaultTimeout, "Startup timeout")
	fs.Uint16(keyUDPPortMin, 0, "Lowest local UDP port for ICE (0 = any)")
	fs.Uint16(keyUDPPortMax, 0, "Highest local UDP port for ICE (0 = any)")
	fs.Int(keyMaxPendingCandidates, negotiation.DefaultMaxPendingCandidates, "Remote candidates held before the remote description arrives")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString(keyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			slog.Info("no config file found", "path", path)
		}
	}

	level, err := parseLogLevel(v.GetString(keyLogLevel))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RelayURL:             strings.TrimSpace(v.GetString(keyRelayURL)),
		Identity:             v.GetString(keyIdentity),
		Target:               v.GetString(keyTarget),
		APIKey:               v.GetString(keyAPIKey),
		LogLevel:             level,
		Timeout:              v.GetDuration(keyTimeout),
		UDPPortMin:           v.GetUint16(keyUDPPortMin),
		UDPPortMax:           v.GetUint16(keyUDPPortMax),
		MaxPendingCandidates: v.GetInt(keyMaxPendingCandidates),
	}

	var errs []error
	if cfg.RelayURL == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", keyRelayURL))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be > 0", keyTimeout))
	}
	if (cfg.UDPPortMin == 0) != (cfg.UDPPortMax == 0) || cfg.UDPPortMax < cfg.UDPPortMin {
		errs = append(errs, fmt.Errorf("%s/%s must both be set with min <= max", keyUDPPortMin, keyUDPPortMax))
	}
	if cfg.MaxPendingCandidates <= 0 {
		errs = append(errs, fmt.Errorf("%s must be > 0", keyMaxPendingCandidates))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyRelayURL, DefaultRelayURL)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyTimeout, DefaultTimeout)
	v.SetDefault(keyMaxPendingCandidates, negotiation.DefaultMaxPendingCandidates)
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid %s %q (expected debug, info, warn, error)", keyLogLevel, raw)
	}
}
