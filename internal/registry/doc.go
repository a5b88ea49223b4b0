// Package registry implements the Connection Registry component.
//
// The registry is the single piece of cross-connection shared state:
// a process-wide table mapping a pairId to its pair entry, with at most
// one live connection per role slot. It owns all pairing lifecycle
// logic:
//   - Register binds a connection into its (pairId, role) slot,
//     evicting a prior occupant (newest registration wins)
//   - LookupPartner resolves the opposite role's connection
//   - Deregister clears a slot with an identity check and drops the
//     entry once both slots are empty
//   - a periodic sweep removes entries with no ready occupant, as a
//     backstop for connections that vanished without a close
//
// Every operation takes the same lock, so registration, lookup,
// deregistration and sweep never interleave on a pair.
package registry
