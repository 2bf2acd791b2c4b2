package negotiation

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

var errInjected = errors.New("injected failure")

type fakePeer struct {
	role   Role
	remote string

	// gatherOnSetLocal fires a local candidate from inside
	// SetLocalDescription, the way pion starts gathering.
	gatherOnSetLocal bool
	failStep         string

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) fail(step string) error {
	if p.failStep == step {
		return errInjected
	}
	return nil
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer-to-" + p.remote}, p.fail("CreateOffer")
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer-to-" + p.remote}, p.fail("CreateAnswer")
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	if err := p.fail("SetLocalDescription"); err != nil {
		return err
	}
	p.mu.Lock()
	p.local = &d
	onCandidate := p.onCandidate
	p.mu.Unlock()
	if p.gatherOnSetLocal && onCandidate != nil {
		onCandidate(hostCandidate(5000))
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	if err := p.fail("SetRemoteDescription"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (p *fakePeer) emitCandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(c)
}

func (p *fakePeer) emitState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func hostCandidate(port uint16) *webrtc.ICECandidate {
	return &webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

func remoteCand(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

type recordingSignaler struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (s *recordingSignaler) Send(m protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *recordingSignaler) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.sent...)
}

type harness struct {
	n   *Negotiator
	sig *recordingSignaler

	mu     sync.Mutex
	peers  []*fakePeer
	states []State
	setup  func(*fakePeer)
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{sig: &recordingSignaler{}}
	cfg := Config{
		Signaler: h.sig,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewPeer: func(role Role, remote string) (PeerConnection, error) {
			p := &fakePeer{role: role, remote: remote}
			h.mu.Lock()
			if h.setup != nil {
				h.setup(p)
			}
			h.peers = append(h.peers, p)
			h.mu.Unlock()
			return p, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.n = New(cfg)
	h.n.OnStateChange(func(s State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	})
	t.Cleanup(func() { _ = h.n.Close() })
	return h
}

func (h *harness) peer(t *testing.T, i int) *fakePeer {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.peers) {
		t.Fatalf("peer %d not created (have %d)", i, len(h.peers))
	}
	return h.peers[i]
}

func (h *harness) peerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *harness) transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func offerDesc() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote-offer"}
}

func answerDesc() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote-answer"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
