// Package audio handles audio payload decoding, normalization, and windowing.
// It converts raw tagged byte payloads into float32 PCM at the target sample
// rate using an ordered list of decode strategies, resamples via linear
// interpolation when needed, and slices per-session sample buffers into
// fixed-size non-overlapping windows for incremental recognition.
package audio
