// Package protocol defines the wire messages exchanged between clients
// and the relay server.
//
// Every transport frame carries one JSON object. Clients send an
// Envelope ("register" or "relay"); the server replies with a
// RegisterAck or ErrorReply and pushes PartnerEvent notifications when
// the opposite side of a pair joins or leaves.
package protocol
