// Package metrics defines the Prometheus instrumentation for the gateway:
// connection and session lifecycle, audio decode and windowing, inference
// latency and backpressure, model lifecycle operations, and the HTTP control
// API request vectors.
package metrics
