// Package protocol defines the JSON control messages exchanged over the
// persistent WebSocket connection and the error taxonomy used across the
// service. It handles inbound message parsing and validation, base64 audio
// payload decoding, and the stable machine-readable status/error codes
// emitted to clients.
package protocol
