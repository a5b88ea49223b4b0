// Package server owns the websocket listener and per-connection pumps.
//
// Each accepted connection gets a Conn wrapper with a buffered outbound
// queue, a read pump that feeds frames to a router Session, and a write
// pump that serializes writes and keep-alive pings. The Conn implements
// registry.Conn, so the registry and router never see websocket types.
package server
