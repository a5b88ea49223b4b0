package protocol

import "encoding/json"

// Role identifies which side of a pair a connection speaks for.
type Role string

const (
	RolePC    Role = "pc"
	RolePhone Role = "phone"
)

// ParseRole validates a client-supplied role string.
// Anything other than the two known roles is rejected.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RolePC:
		return RolePC, true
	case RolePhone:
		return RolePhone, true
	}
	return "", false
}

// Opposite returns the partner role.
func (r Role) Opposite() Role {
	if r == RolePC {
		return RolePhone
	}
	return RolePC
}

// Message types recognized by the router.
const (
	TypeRegister = "register"
	TypeRelay    = "relay"

	// Server-pushed notification types.
	TypePartnerConnected    = "partner_connected"
	TypePartnerDisconnected = "partner_disconnected"
)

// Envelope is the inbound client message shape.
// Token is accepted for compatibility with older clients and ignored.
type Envelope struct {
	Type    string          `json:"type"`
	PairID  string          `json:"pairId"`
	Role    string          `json:"role"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterAck is the success reply to a register message.
type RegisterAck struct {
	OK         bool `json:"ok"`
	Registered bool `json:"registered"`
	Paired     bool `json:"paired"`
}

// ErrorReply is the failure reply for register and relay attempts.
type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// PartnerEvent notifies one side of a pair that the other side joined
// or left. Role is the role of the peer the event is about.
type PartnerEvent struct {
	Type string `json:"type"`
	Role Role   `json:"role"`
}

// Error reply texts. These are part of the wire contract; clients match
// on them.
const (
	ErrTextInvalidJSON       = "Invalid JSON"
	ErrTextMissingFields     = "Missing pairId or role"
	ErrTextMissingPayload    = "Missing payload"
	ErrTextAlreadyRegistered = "Already registered"
)

// TargetUnavailable builds the reply text for a relay whose target role
// has no ready connection.
func TargetUnavailable(target Role) string {
	return "Target " + string(target) + " not connected"
}

// MarshalRegisterAck encodes a register acknowledgement.
func MarshalRegisterAck(paired bool) []byte {
	data, _ := json.Marshal(RegisterAck{OK: true, Registered: true, Paired: paired})
	return data
}

// MarshalError encodes an error reply.
func MarshalError(text string) []byte {
	data, _ := json.Marshal(ErrorReply{OK: false, Error: text})
	return data
}

// MarshalPartnerEvent encodes a partner presence notification.
func MarshalPartnerEvent(eventType string, peer Role) []byte {
	data, _ := json.Marshal(PartnerEvent{Type: eventType, Role: peer})
	return data
}
