package peerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEServersPath is where the relay publishes its ICE server list.
const ICEServersPath = "/getIceServers"

const maxICEResponseBytes = 1 << 20

// FetchICEServers loads the relay's ICE server list. baseURL is the relay's
// HTTP origin, e.g. http://127.0.0.1:8080.
func FetchICEServers(ctx context.Context, client *http.Client, baseURL string) ([]webrtc.ICEServer, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+ICEServersPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build ice servers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice servers: unexpected status %s", resp.Status)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxICEResponseBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
