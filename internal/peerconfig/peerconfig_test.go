package peerconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RelayURL != DefaultRelayURL {
		t.Fatalf("RelayURL=%q, want %q", cfg.RelayURL, DefaultRelayURL)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Fatalf("Timeout=%v, want %v", cfg.Timeout, DefaultTimeout)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel=%v, want info", cfg.LogLevel)
	}
	if cfg.Identity != "" || cfg.Target != "" {
		t.Fatalf("identity=%q target=%q, want empty", cfg.Identity, cfg.Target)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.yaml")
	file := strings.Join([]string{
		"relayurl: https://relay.example.com",
		"identity: alice",
		"target: carol",
		"loglevel: warn",
		"timeout: 5s",
		"udpportmin: 50000",
		"udpportmax: 50100",
	}, "\n")
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// env beats the file, flags beat env.
	t.Setenv("AERO_CALL_PEER_TARGET", "bob")
	t.Setenv("AERO_CALL_PEER_LOGLEVEL", "error")

	cfg, err := load(viper.New(), []string{"--config", path, "--loglevel", "debug"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RelayURL != "https://relay.example.com" || cfg.Identity != "alice" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Target != "bob" {
		t.Fatalf("Target=%q, want env value bob", cfg.Target)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel=%v, want flag value debug", cfg.LogLevel)
	}
	if cfg.Timeout != 5*time.Second {
		t.Fatalf("Timeout=%v, want 5s", cfg.Timeout)
	}
	if cfg.UDPPortMin != 50000 || cfg.UDPPortMax != 50100 {
		t.Fatalf("ports=%d-%d, want 50000-50100", cfg.UDPPortMin, cfg.UDPPortMax)
	}
}

func TestLoad_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"log level", []string{"--loglevel", "loud"}},
		{"timeout", []string{"--timeout", "0s"}},
		{"half port range", []string{"--udpportmin", "50000"}},
		{"inverted port range", []string{"--udpportmin", "50100", "--udpportmax", "50000"}},
		{"pending candidates", []string{"--maxpendingcandidates", "0"}},
		{"unknown flag", []string{"--nope"}},
		{"positional", []string{"extra"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(viper.New(), tc.args); err == nil {
				t.Fatalf("load(%v) succeeded, want error", tc.args)
			}
		})
	}
}
