package negotiation

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

// session is one call attempt. Local candidates gathered before our
// description has been sent are held so the peer never sees a candidate
// ahead of the offer or answer it belongs to.
type session struct {
	pc     PeerConnection
	target string
	send   func(protocol.Message) error
	log    *slog.Logger

	// Guarded by the Negotiator's mutex.
	remoteSet bool

	mu       sync.Mutex
	descSent bool
	stopped  bool
	local    []webrtc.ICECandidateInit
}

func (s *session) sendLocalCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if !s.descSent {
		s.local = append(s.local, c)
		return
	}
	s.sendCandidateLocked(c)
}

func (s *session) descriptionSent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.descSent = true
	local := s.local
	s.local = nil
	for _, c := range local {
		s.sendCandidateLocked(c)
	}
}

func (s *session) sendCandidateLocked(c webrtc.ICECandidateInit) {
	payload, err := json.Marshal(c)
	if err != nil {
		s.log.Warn("encode local candidate", "err", err)
		return
	}
	if err := s.send(protocol.ToPeer(protocol.TypeCandidate, s.target, payload)); err != nil {
		s.log.Warn("send local candidate", "err", err)
	}
}

func (s *session) stop() {
	s.mu.Lock()
	s.stopped = true
	s.local = nil
	s.mu.Unlock()
}
