// Package engine defines the streaming recognition engine contract and the
// bounded worker pool that executes inference off the connection dispatch
// path. Each decode call threads an opaque per-session cache; calls for one
// session must be issued strictly sequentially, while different sessions may
// run concurrently up to the pool's worker count.
package engine
