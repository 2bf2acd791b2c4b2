// Package negotiation is the per-endpoint call state machine. It turns
// local intents (call, hang up) and relayed messages (offer, answer,
// candidate) into PeerConnection operations and outbound signaling.
//
//	Idle --StartCall--> Calling --answer--> Connected
//	Idle --offer------> Ringing --answer sent--> Connected
//
// Hangup and peer failure return to Idle; Close is terminal.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

type State int

const (
	Idle State = iota
	Calling
	Ringing
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrBusy             = errors.New("negotiation: a call is already in progress")
	ErrInvalidTarget    = errors.New("negotiation: target identity is required")
	ErrUnexpectedAnswer = errors.New("negotiation: unexpected answer")
	ErrClosed           = errors.New("negotiation: closed")
)

const DefaultMaxPendingCandidates = 64

// Role tells a PeerFactory which side of the call it is building for.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

// PeerConnection is the subset of *webrtc.PeerConnection the state machine
// drives.
type PeerConnection interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates the PeerConnection for one call with remote. Callers
// typically add their data channels or tracks here, before the offer.
type PeerFactory func(role Role, remote string) (PeerConnection, error)

// Signaler delivers a message to the relay.
type Signaler interface {
	Send(protocol.Message) error
}

type Config struct {
	NewPeer  PeerFactory
	Signaler Signaler
	Logger   *slog.Logger

	// MaxPendingCandidates bounds candidates held while no remote description
	// is set. The oldest is dropped past the bound.
	MaxPendingCandidates int
}

type remoteCandidate struct {
	sender    string
	candidate webrtc.ICECandidateInit
}

// Negotiator runs one endpoint's calls. All methods are safe for concurrent
// use and are applied one at a time.
type Negotiator struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	state   State
	sess    *session
	pending []remoteCandidate
	// ended is the partner of the last call torn down. Its candidates still
	// in flight are dropped until the next call begins.
	ended   string
	changes []State
	onState func(State)
}

func New(cfg Config) *Negotiator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	return &Negotiator{cfg: cfg, log: cfg.Logger}
}

// OnStateChange registers fn to be called after every transition. fn runs
// outside the Negotiator's lock and may call back into it.
func (n *Negotiator) OnStateChange(fn func(State)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Remote returns the identity of the current call partner, if any.
func (n *Negotiator) Remote() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sess == nil {
		return "", false
	}
	return n.sess.target, true
}

// StartCall offers a call to target.
func (n *Negotiator) StartCall(ctx context.Context, target string) error {
	n.mu.Lock()
	defer n.unlock()

	if n.state == Closed {
		return ErrClosed
	}
	if strings.TrimSpace(target) == "" {
		return ErrInvalidTarget
	}
	if n.state != Idle {
		return ErrBusy
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := n.newSession(RoleCaller, target)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	// Our offer has not been sent, so nothing held can belong to this call.
	n.pending = nil
	n.ended = ""
	n.setState(Calling)

	offer, err := sess.pc.CreateOffer(nil)
	if err != nil {
		return n.abandon("create offer", err)
	}
	if err := sess.pc.SetLocalDescription(offer); err != nil {
		return n.abandon("set local offer", err)
	}
	if err := ctx.Err(); err != nil {
		return n.abandon("send offer", err)
	}
	if err := n.sendDescription(sess, protocol.TypeOffer, offer); err != nil {
		return n.abandon("send offer", err)
	}
	n.log.Info("offer sent", "target", target)
	return nil
}

// HandleOffer answers an incoming call from sender. Offers that arrive
// while a call is in progress, including a simultaneous offer to the peer
// being called, are refused with ErrBusy.
func (n *Negotiator) HandleOffer(ctx context.Context, sender string, offer webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.unlock()

	if n.state == Closed {
		return ErrClosed
	}
	if sender == "" {
		return ErrInvalidTarget
	}
	if n.state != Idle {
		return ErrBusy
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := n.newSession(RoleCallee, sender)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	n.keepPendingFrom(sender)
	n.ended = ""
	n.setState(Ringing)

	if err := sess.pc.SetRemoteDescription(offer); err != nil {
		return n.abandon("set remote offer", err)
	}
	sess.remoteSet = true
	n.flushPending()

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		return n.abandon("create answer", err)
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		return n.abandon("set local answer", err)
	}
	if err := n.sendDescription(sess, protocol.TypeAnswer, answer); err != nil {
		return n.abandon("send answer", err)
	}
	n.setState(Connected)
	n.log.Info("answer sent", "target", sender)
	return nil
}

// HandleAnswer completes a call this endpoint started.
func (n *Negotiator) HandleAnswer(ctx context.Context, sender string, answer webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.unlock()

	if n.state == Closed {
		return ErrClosed
	}
	if n.state != Calling || n.sess == nil || n.sess.target != sender {
		return ErrUnexpectedAnswer
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.sess.pc.SetRemoteDescription(answer); err != nil {
		return n.abandon("set remote answer", err)
	}
	n.sess.remoteSet = true
	n.flushPending()
	n.setState(Connected)
	n.log.Info("answer applied", "target", sender)
	return nil
}

// HandleCandidate applies a remote candidate, or holds it until the remote
// description from its sender is set. Candidates from anyone other than the
// current call partner are ignored.
func (n *Negotiator) HandleCandidate(ctx context.Context, sender string, candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.unlock()

	if n.state == Closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if n.sess != nil && n.sess.target != sender {
		n.log.Debug("ignoring candidate from non-partner", "sender", sender, "target", n.sess.target)
		return nil
	}
	if n.sess == nil && sender == n.ended {
		n.log.Debug("ignoring candidate from ended call", "sender", sender)
		return nil
	}
	if n.sess != nil && n.sess.remoteSet {
		if err := n.sess.pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	}

	n.pending = append(n.pending, remoteCandidate{sender: sender, candidate: candidate})
	if over := len(n.pending) - n.cfg.MaxPendingCandidates; over > 0 {
		n.log.Debug("dropping oldest pending candidates", "dropped", over)
		n.pending = append(n.pending[:0], n.pending[over:]...)
	}
	return nil
}

// Dispatch decodes a message received from the relay and applies it.
func (n *Negotiator) Dispatch(ctx context.Context, m protocol.Message) error {
	switch m.Type {
	case protocol.TypeOffer:
		desc, err := decodeDescription(m.Offer, webrtc.SDPTypeOffer)
		if err != nil {
			return err
		}
		return n.HandleOffer(ctx, m.SenderID, desc)
	case protocol.TypeAnswer:
		desc, err := decodeDescription(m.Answer, webrtc.SDPTypeAnswer)
		if err != nil {
			return err
		}
		return n.HandleAnswer(ctx, m.SenderID, desc)
	case protocol.TypeCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(m.Candidate, &cand); err != nil {
			return fmt.Errorf("%w: candidate: %v", protocol.ErrMalformed, err)
		}
		return n.HandleCandidate(ctx, m.SenderID, cand)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownType, m.Type)
	}
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("%w: %s: %v", protocol.ErrMalformed, want, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("%w: expected %s description, got type %q", protocol.ErrMalformed, want, desc.Type)
	}
	return desc, nil
}

// Hangup ends the current call, if any, and returns to Idle.
func (n *Negotiator) Hangup() error {
	n.mu.Lock()
	defer n.unlock()

	if n.state == Closed {
		return ErrClosed
	}
	n.reset()
	return nil
}

// Close ends the current call and rejects every later operation.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	defer n.unlock()

	if n.state == Closed {
		return nil
	}
	n.dropSession()
	n.pending = nil
	n.setState(Closed)
	return nil
}

func (n *Negotiator) newSession(role Role, target string) (*session, error) {
	pc, err := n.cfg.NewPeer(role, target)
	if err != nil {
		return nil, err
	}
	sess := &session{
		pc:     pc,
		target: target,
		send:   n.cfg.Signaler.Send,
		log:    n.log.With("target", target),
	}
	// Neither callback may take n.mu: pion can invoke them from inside
	// calls made while it is held.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		sess.sendLocalCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed {
			go n.peerEnded(sess, st)
		}
	})
	n.sess = sess
	return sess, nil
}

func (n *Negotiator) peerEnded(sess *session, st webrtc.PeerConnectionState) {
	n.mu.Lock()
	defer n.unlock()

	if n.sess != sess || n.state == Closed {
		return
	}
	n.log.Warn("peer connection ended", "target", sess.target, "peer_state", st.String())
	n.reset()
}

func (n *Negotiator) sendDescription(sess *session, t protocol.Type, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	if err := sess.send(protocol.ToPeer(t, sess.target, payload)); err != nil {
		return err
	}
	sess.descriptionSent()
	return nil
}

// abandon tears down the call after a failed step and returns to Idle.
func (n *Negotiator) abandon(step string, err error) error {
	n.log.Warn("call abandoned", "step", step, "err", err)
	n.reset()
	return fmt.Errorf("%s: %w", step, err)
}

func (n *Negotiator) reset() {
	if n.sess != nil {
		n.ended = n.sess.target
	}
	n.dropSession()
	n.pending = nil
	n.setState(Idle)
}

func (n *Negotiator) dropSession() {
	if n.sess == nil {
		return
	}
	sess := n.sess
	n.sess = nil
	sess.stop()
	if err := sess.pc.Close(); err != nil {
		n.log.Debug("close peer connection", "target", sess.target, "err", err)
	}
}

// keepPendingFrom discards held candidates that did not come from sender.
func (n *Negotiator) keepPendingFrom(sender string) {
	kept := n.pending[:0]
	for _, c := range n.pending {
		if c.sender == sender {
			kept = append(kept, c)
		}
	}
	n.pending = kept
}

func (n *Negotiator) flushPending() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.sess.pc.AddICECandidate(c.candidate); err != nil {
			n.log.Warn("add queued ice candidate", "target", n.sess.target, "err", err)
		}
	}
}

func (n *Negotiator) setState(s State) {
	if n.state == s {
		return
	}
	n.state = s
	n.changes = append(n.changes, s)
}

// unlock releases n.mu and then reports the transitions made while it was
// held.
func (n *Negotiator) unlock() {
	changes := n.changes
	n.changes = nil
	fn := n.onState
	n.mu.Unlock()

	if fn == nil {
		return
	}
	for _, s := range changes {
		fn(s)
	}
}
