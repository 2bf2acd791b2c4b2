package signaling

import (
	"errors"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/protocol"
)

func (s *Server) handleMessage(c *conn, data []byte) {
	msg, err := protocol.Parse(data)
	if err == nil {
		err = msg.ValidateFromClient()
	}
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			s.metrics.Inc(metrics.DropUnknownType)
			c.log.Warn("dropping signaling message with unknown type", "type", msg.Type)
			return
		}
		s.metrics.Inc(metrics.DropMalformed)
		c.log.Warn("dropping malformed signaling message", "err", err)
		return
	}

	if msg.Type == protocol.TypeRegister {
		s.register(c, msg.UserID)
		return
	}
	s.route(c, msg)
}

// register binds identity to c and confirms it. Blank identities are
// ignored without a reply.
func (s *Server) register(c *conn, identity string) {
	if strings.TrimSpace(identity) == "" {
		c.log.Debug("ignoring registration with blank identity")
		return
	}

	previous, replaced := s.registry.Bind(identity, c)
	if replaced {
		s.metrics.Inc(metrics.IdentityEvicted)
		c.log.Info("identity taken over by newer connection", "identity", identity, "previous_conn_id", previous.ID())
	}
	s.metrics.Inc(metrics.IdentityRegistered)
	c.log.Info("identity registered", "identity", identity)

	c.enqueue(protocol.Registered(identity))
}

// route forwards an offer, answer or candidate to the connection bound to
// its target. Absent targets are not reported to the sender.
func (s *Server) route(c *conn, msg protocol.Message) {
	sender, _ := s.registry.IdentityOf(c)

	target, ok := s.registry.Lookup(msg.TargetID)
	if !ok {
		s.metrics.Inc(metrics.DropTargetNotFound)
		c.log.Debug("dropping signaling message for absent target", "type", msg.Type, "target", msg.TargetID, "identity", sender)
		return
	}
	dst, ok := target.(*conn)
	if !ok {
		return
	}

	if dst.enqueue(protocol.Forward(msg, sender)) {
		s.metrics.Inc(metrics.MessageForwarded)
		c.log.Debug("forwarded signaling message", "type", msg.Type, "target", msg.TargetID, "identity", sender)
	}
}

// release runs once when c terminates.
func (s *Server) release(c *conn) {
	identity, released := s.registry.Release(c)
	if !released {
		return
	}
	s.metrics.Inc(metrics.IdentityReleased)
	c.log.Info("identity released", "identity", identity)
}
