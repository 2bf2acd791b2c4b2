// Package webrtcpeer builds the pion WebRTC API used by call endpoints.
package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// Settings are the network knobs an endpoint exposes. The zero value gathers
// on every interface with an OS-chosen port.
type Settings struct {
	UDPPortMin uint16
	UDPPortMax uint16

	// NAT1To1IPs advertises these addresses as host candidates, for endpoints
	// behind a static 1:1 NAT.
	NAT1To1IPs []string

	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net

	// Logger receives pion's internal logs. Nil discards them below warn.
	Logger *slog.Logger
}

func NewAPI(s Settings) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, s); err != nil {
		return nil, err
	}
	if s.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(s.Logger)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, s Settings) error {
	if s.UDPPortMin != 0 || s.UDPPortMax != 0 {
		if s.UDPPortMin == 0 || s.UDPPortMax < s.UDPPortMin {
			return fmt.Errorf("invalid udp port range %d-%d", s.UDPPortMin, s.UDPPortMax)
		}
		if err := se.SetEphemeralUDPPortRange(s.UDPPortMin, s.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(s.NAT1To1IPs) > 0 {
		var errs []error
		for _, raw := range s.NAT1To1IPs {
			if net.ParseIP(raw) == nil {
				errs = append(errs, fmt.Errorf("invalid NAT 1:1 IP %q", raw))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		se.SetNAT1To1IPs(s.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	if s.Net != nil {
		se.SetNet(s.Net)
	}
	return nil
}
