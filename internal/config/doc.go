// Package config provides configuration loading and validation for the
// streaming transcription gateway. It handles YAML-based configuration with
// per-section struct validation and derives runtime parameters such as the
// fixed recognition window size in samples.
package config
