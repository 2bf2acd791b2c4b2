// Package vnettest builds pion APIs wired to an in-process virtual network,
// so tests can connect real PeerConnections without touching the host.
package vnettest

import (
	"testing"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/webrtcpeer"
)

const cidr = "10.0.0.0/24"

// NewAPIs returns one API per address on a shared virtual LAN. The router
// is stopped when the test ends.
func NewAPIs(t testing.TB, ips ...string) []*webrtc.API {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	apis := make([]*webrtc.API, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := webrtcpeer.NewAPI(webrtcpeer.Settings{Net: n})
		if err != nil {
			t.Fatalf("new api %s: %v", ip, err)
		}
		apis = append(apis, api)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis
}
