// Package router implements the Message Router component.
//
// Each live connection owns one Session. The transport layer feeds it
// inbound frames in arrival order plus a single disconnect event; the
// session classifies each frame, applies registration or relay
// semantics against the Connection Registry, and sends zero or more
// replies (to the sender, the partner, or both).
//
// A session moves through two states: unbound until a successful
// register, then bound to one (pairId, role) for the rest of its life.
// There is no way back to unbound.
package router
