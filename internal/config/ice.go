package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"

	// Names used by earlier deployments of the call server.
	envLegacyTurnURL      = "TURN_URL"
	envLegacyTurnUsername = "TURN_USERNAME"
	envLegacyTurnPassword = "TURN_PASSWORD"
)

// DefaultSTUNURL is served unless STUN or AERO_TURN_URLS servers are
// configured explicitly.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

type iceValues struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string

	legacyTurnURL      string
	legacyTurnUsername string
	legacyTurnPassword string
}

func iceValuesFromEnv(lookup func(string) (string, bool)) iceValues {
	return iceValues{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),

		legacyTurnURL:      envOrDefault(lookup, envLegacyTurnURL, ""),
		legacyTurnUsername: envOrDefault(lookup, envLegacyTurnUsername, ""),
		legacyTurnPassword: envOrDefault(lookup, envLegacyTurnPassword, ""),
	}
}

func parseICEServers(v iceValues, turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(v.serversJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return parseICEServersFromConvenience(v, turnREST)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both forms of RTCIceServer.urls.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer array. Unless
// turnREST is set, every TURN server must carry static credentials.
func ParseICEServersJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, s := range servers {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(s.URLs, ",")),
			Username: strings.TrimSpace(s.Username),
		}
		if strings.TrimSpace(s.Credential) != "" {
			server.Credential = s.Credential
		}
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func parseICEServersFromConvenience(v iceValues, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(v.stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	} else if strings.TrimSpace(v.turnURLs) == "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{DefaultSTUNURL}})
	}

	if strings.TrimSpace(v.turnURLs) == "" {
		legacy, ok, err := legacyTURNServer(v, turnREST)
		if err != nil {
			return nil, err
		}
		if ok {
			servers = append(servers, legacy)
		}
		return servers, nil
	}

	if urls := splitCommaSeparated(v.turnURLs); len(urls) > 0 {
		username := strings.TrimSpace(v.turnUsername)
		credential := strings.TrimSpace(v.turnCredential)
		if !turnREST && (username == "" || credential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: username}
		if credential != "" {
			server.Credential = credential
		}
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// legacyTURNServer reads TURN_URL/TURN_USERNAME/TURN_PASSWORD. Like the
// earlier call server, an incomplete triple adds no TURN server at all.
func legacyTURNServer(v iceValues, turnREST bool) (webrtc.ICEServer, bool, error) {
	urls := splitCommaSeparated(v.legacyTurnURL)
	username := strings.TrimSpace(v.legacyTurnUsername)
	password := strings.TrimSpace(v.legacyTurnPassword)
	if len(urls) == 0 || (!turnREST && (username == "" || password == "")) {
		return webrtc.ICEServer{}, false, nil
	}

	server := webrtc.ICEServer{URLs: urls, Username: username}
	if password != "" {
		server.Credential = password
	}
	if err := validateICEServer(server, turnREST); err != nil {
		return webrtc.ICEServer{}, false, fmt.Errorf("%s: %w", envLegacyTurnURL, err)
	}
	return server, true, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, turnREST bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, url := range server.URLs {
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	if !IsTURNServer(server) || turnREST {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

// IsTURNServer reports whether any of the server's URLs is turn: or turns:.
func IsTURNServer(server webrtc.ICEServer) bool {
	for _, url := range server.URLs {
		url = strings.ToLower(strings.TrimSpace(url))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func isAllowedICEScheme(url string) bool {
	url = strings.ToLower(url)
	for _, scheme := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return false
}
