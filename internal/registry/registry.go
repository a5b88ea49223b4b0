package registry

import (
	"context"
	"errors"
	"time"

	"github.com/phonectl/relay/internal/protocol"
)

// Errors
var (
	ErrMissingPairID = errors.New("pairId is required")
	ErrInvalidRole   = errors.New("role must be pc or phone")
)

// Conn is the handle the registry keeps for one live transport
// connection. The websocket server's connection wrapper implements it;
// tests use in-memory fakes.
type Conn interface {
	// ID uniquely identifies this connection for the identity check on
	// deregistration.
	ID() string

	// Ready reports whether a message can be sent right now.
	Ready() bool

	// Send writes one message. Fails (without blocking) if the
	// connection is not ready.
	Send(data []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// RegistrationResult reports the pair state after a registration.
type RegistrationResult struct {
	// Paired is true when both slots are now occupied.
	Paired bool

	// PartnerPresent is true when the opposite slot already held a
	// connection at registration time.
	PartnerPresent bool

	// Evicted is true when a prior occupant of the slot was closed to
	// make room for this registration.
	Evicted bool
}

// Registry is the process-wide pairing table.
type Registry interface {
	// Start launches the background sweep loop.
	Start(ctx context.Context) error

	// Stop shuts the sweep loop down.
	Stop(ctx context.Context) error

	// Register binds conn into the (pairID, role) slot, creating the
	// pair entry if needed and evicting a prior occupant.
	Register(pairID string, role protocol.Role, conn Conn) (RegistrationResult, error)

	// LookupPartner returns the connection holding the opposite role's
	// slot, or false if the pair or the slot does not exist.
	LookupPartner(pairID string, role protocol.Role) (Conn, bool)

	// Deregister clears the (pairID, role) slot if conn is still its
	// occupant. Returns the partner connection (nil if the opposite
	// slot is empty) and whether anything was removed. A connection
	// evicted by a later registration must never clear the new
	// occupant, hence the identity check.
	Deregister(pairID string, role protocol.Role, conn Conn) (partner Conn, removed bool)

	// Sweep removes every pair entry with no ready occupant and
	// returns the number of entries removed.
	Sweep() int

	// Stats returns current table statistics.
	Stats() Stats
}

// Stats provides registry statistics for the health endpoint.
type Stats struct {
	Pairs       int // pair entries in the table
	Connections int // occupied slots across all entries
	FullPairs   int // entries with both slots occupied
	Swept       int64
	Evictions   int64
}

// EventKind classifies a pairing lifecycle event.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventEvicted      EventKind = "evicted"
	EventDeregistered EventKind = "deregistered"
	EventSwept        EventKind = "swept"
)

// PairEvent is one pairing lifecycle event, emitted for the optional
// history writer.
type PairEvent struct {
	PairID string
	Role   protocol.Role
	ConnID string
	Kind   EventKind
	At     time.Time
}

// EventSink receives pair events. Send must not block; the registry
// calls it with its lock held.
type EventSink interface {
	Send(ev PairEvent) bool
}

// Config holds Connection Registry configuration.
type Config struct {
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 60 * time.Second,
	}
}
