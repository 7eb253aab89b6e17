// Package server implements the WebSocket streaming endpoint and the HTTP
// API. The WebSocket side upgrades client connections, dispatches their
// control messages to sessions, and serializes outbound traffic per
// connection; the HTTP side provides monitoring and model management
// endpoints.
package server
