// Package model provides lifecycle management for the heavy recognition
// engine instances: idempotent loading off the connection dispatch path,
// reference-counted unloading, and non-blocking status queries. The registry
// is explicit process-wide state passed by handle, never an ambient global.
package model
