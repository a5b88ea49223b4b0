package router

import (
	"encoding/json"
	"log/slog"

	"github.com/phonectl/relay/internal/protocol"
	"github.com/phonectl/relay/internal/registry"
)

// Session is the per-connection router state. The transport layer
// calls HandleMessage for every inbound frame and HandleDisconnect
// exactly once when the connection ends; both run on the connection's
// own reader goroutine, so Session needs no locking of its own.
type Session struct {
	reg    registry.Registry
	conn   registry.Conn
	logger *slog.Logger

	// Binding record. Set once, on successful registration.
	bound  bool
	pairID string
	role   protocol.Role
}

// NewSession creates the router session for one connection.
func NewSession(reg registry.Registry, conn registry.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		reg:    reg,
		conn:   conn,
		logger: logger.With("conn_id", conn.ID()),
	}
}

// HandleMessage classifies and processes one inbound frame.
func (s *Session) HandleMessage(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Recoverable: reply and keep the connection open.
		s.logger.Debug("undecodable message", "error", err)
		s.reply(protocol.MarshalError(protocol.ErrTextInvalidJSON))
		return
	}

	switch env.Type {
	case protocol.TypeRegister:
		s.handleRegister(env)
	case protocol.TypeRelay:
		s.handleRelay(env)
	default:
		// Only register is meaningful before binding; after it, an
		// unrecognized type is a client bug worth a warning.
		if s.bound {
			s.logger.Warn("ignoring unknown message type", "type", env.Type)
		}
	}
}

// HandleDisconnect releases the registry slot and notifies the partner.
// Called by the transport on close or error.
func (s *Session) HandleDisconnect() {
	if !s.bound {
		return
	}

	partner, removed := s.reg.Deregister(s.pairID, s.role, s.conn)
	if !removed {
		return
	}

	if partner != nil && partner.Ready() {
		if err := partner.Send(protocol.MarshalPartnerEvent(protocol.TypePartnerDisconnected, s.role)); err != nil {
			s.logger.Debug("partner notification failed", "error", err)
		}
	}

	s.logger.Info("connection left pair",
		"pair_id", s.pairID,
		"role", s.role,
	)
}

// Bound reports whether the session has registered.
func (s *Session) Bound() bool { return s.bound }

func (s *Session) handleRegister(env protocol.Envelope) {
	role, ok := protocol.ParseRole(env.Role)
	if env.PairID == "" || !ok {
		s.reply(protocol.MarshalError(protocol.ErrTextMissingFields))
		return
	}

	// Each physical connection registers once. Retrying the same
	// binding is harmless; switching bindings is not supported.
	if s.bound && (s.pairID != env.PairID || s.role != role) {
		s.reply(protocol.MarshalError(protocol.ErrTextAlreadyRegistered))
		return
	}

	result, err := s.reg.Register(env.PairID, role, s.conn)
	if err != nil {
		s.reply(protocol.MarshalError(protocol.ErrTextMissingFields))
		return
	}

	s.bound = true
	s.pairID = env.PairID
	s.role = role

	s.reply(protocol.MarshalRegisterAck(result.Paired))

	// The partner cannot learn of a (re)connection any other way
	// without polling, so push a notification.
	if result.PartnerPresent {
		if partner, ok := s.reg.LookupPartner(s.pairID, s.role); ok && partner.Ready() {
			if err := partner.Send(protocol.MarshalPartnerEvent(protocol.TypePartnerConnected, s.role)); err != nil {
				s.logger.Debug("partner notification failed", "error", err)
			}
		}
	}

	s.logger.Info("connection joined pair",
		"pair_id", s.pairID,
		"role", s.role,
		"paired", result.Paired,
	)
}

func (s *Session) handleRelay(env protocol.Envelope) {
	if !s.bound {
		// The sender's own registration already failed; nothing
		// actionable to reply with.
		s.logger.Debug("dropping relay from unbound connection")
		return
	}
	if env.PairID == "" {
		s.logger.Debug("dropping relay without pairId", "pair_id", s.pairID)
		return
	}
	if len(env.Payload) == 0 {
		s.reply(protocol.MarshalError(protocol.ErrTextMissingPayload))
		return
	}

	// Always route through the bound pair, never the message's own
	// claim, so a payload can never cross into another pair.
	partner, ok := s.reg.LookupPartner(s.pairID, s.role)
	if !ok || !partner.Ready() {
		s.reply(protocol.MarshalError(protocol.TargetUnavailable(s.role.Opposite())))
		return
	}

	// Forward the payload untouched; contents are opaque here.
	if err := partner.Send(env.Payload); err != nil {
		s.logger.Debug("relay send failed", "pair_id", s.pairID, "error", err)
		s.reply(protocol.MarshalError(protocol.TargetUnavailable(s.role.Opposite())))
	}
}

// reply sends to this session's own connection, best effort.
func (s *Session) reply(data []byte) {
	if err := s.conn.Send(data); err != nil {
		s.logger.Debug("reply failed", "error", err)
	}
}
