// Package session provides the session registry and per-session recording
// state machine. Each session owns its sample buffer and engine cache
// exclusively, submits windows to the shared inference pool with at most one
// call in flight, and emits results to its connection through a message
// channel. The registry enforces message-order rules, isolates failures
// between sessions, and auto-closes sessions that go idle.
package session
