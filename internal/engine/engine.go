package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Result is one incremental recognition output. Emitted, never stored.
type Result struct {
	Text       string
	Confidence float64
}

// Cache is the opaque per-session continuation state threaded through
// successive decode calls. It is owned exclusively by one session and must
// never be shared or accessed concurrently; reordering or concurrent use
// corrupts decoding state.
type Cache struct {
	frames     uint64
	energyAcc  float64
	carryText  string
	lastWindow time.Time
}

// NewCache returns a fresh continuation state for a new recording.
func NewCache() *Cache {
	return &Cache{}
}

// Recognizer is the streaming recognition engine contract. The loaded engine
// instance is read-shared across sessions; the only per-call mutable state is
// the caller-owned cache.
type Recognizer interface {
	// Decode runs one incremental recognition step over a fixed-size window,
	// advancing the cache. Partial text may be empty when the engine has
	// nothing stable to emit yet.
	Decode(ctx context.Context, window []float32, cache *Cache, isFinal bool) (Result, error)

	// Flush drains any trailing engine-internal state held in the cache into
	// a closing transcript fragment. Used when recording stops with no
	// leftover samples to decode.
	Flush(ctx context.Context, cache *Cache) (Result, error)

	// WindowSize returns the fixed per-call window length in samples.
	WindowSize() int
}

// StreamingRecognizer is a deterministic frame-energy recognizer standing in
// for the external acoustic model runtime.
// TODO: replace the token synthesis with the paraformer ONNX runtime binding
// once its Go wrapper is available; the cache layout and call contract stay.
type StreamingRecognizer struct {
	windowSize int
	sampleRate int

	// Statistics
	decodeCalls uint64
	flushCalls  uint64
	lastDecode  time.Time

	mu sync.RWMutex
}

// RecognizerStats is a snapshot of recognizer counters.
type RecognizerStats struct {
	WindowSize  int       `json:"window_size"`
	SampleRate  int       `json:"sample_rate"`
	DecodeCalls uint64    `json:"decode_calls"`
	FlushCalls  uint64    `json:"flush_calls"`
	LastDecode  time.Time `json:"last_decode"`
}

// NewStreamingRecognizer creates a recognizer for fixed windows of windowSize
// samples at the given rate.
func NewStreamingRecognizer(windowSize, sampleRate int) (*StreamingRecognizer, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &StreamingRecognizer{
		windowSize: windowSize,
		sampleRate: sampleRate,
	}, nil
}

// WindowSize returns the fixed per-call window length in samples.
func (r *StreamingRecognizer) WindowSize() int {
	return r.windowSize
}

// Decode runs one incremental recognition step. The cache accumulates frame
// count and energy so successive calls over the same session produce a
// continuous, reproducible token stream.
func (r *StreamingRecognizer) Decode(ctx context.Context, window []float32, cache *Cache, isFinal bool) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if cache == nil {
		return Result{}, fmt.Errorf("nil cache")
	}
	if len(window) != r.windowSize {
		return Result{}, fmt.Errorf("expected %d samples per window, got %d", r.windowSize, len(window))
	}

	energy := rmsEnergy(window)

	cache.frames++
	cache.energyAcc += energy
	cache.lastWindow = time.Now()

	r.mu.Lock()
	r.decodeCalls++
	r.lastDecode = time.Now()
	r.mu.Unlock()

	text := synthesizeToken(cache.frames, energy)
	confidence := confidenceFor(energy)

	if isFinal {
		trailing := cache.carryText
		cache.carryText = ""
		if trailing != "" {
			text = trailing + " " + text
		}
	} else {
		// Hold back a fragment the way a streaming decoder defers unstable
		// tail tokens; it is released on the final call or flush.
		cache.carryText = synthesizeToken(cache.frames+1, cache.energyAcc/float64(cache.frames))
	}

	return Result{Text: text, Confidence: confidence}, nil
}

// Flush drains the deferred tail fragment without consuming new audio.
func (r *StreamingRecognizer) Flush(ctx context.Context, cache *Cache) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if cache == nil {
		return Result{}, fmt.Errorf("nil cache")
	}

	r.mu.Lock()
	r.flushCalls++
	r.mu.Unlock()

	text := cache.carryText
	cache.carryText = ""

	var confidence float64
	if cache.frames > 0 {
		confidence = confidenceFor(cache.energyAcc / float64(cache.frames))
	}
	return Result{Text: text, Confidence: confidence}, nil
}

// Stats returns a snapshot of recognizer counters.
func (r *StreamingRecognizer) Stats() RecognizerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RecognizerStats{
		WindowSize:  r.windowSize,
		SampleRate:  r.sampleRate,
		DecodeCalls: r.decodeCalls,
		FlushCalls:  r.flushCalls,
		LastDecode:  r.lastDecode,
	}
}

// rmsEnergy computes the root-mean-square amplitude of a window.
func rmsEnergy(window []float32) float64 {
	var acc float64
	for _, s := range window {
		acc += float64(s) * float64(s)
	}
	return math.Sqrt(acc / float64(len(window)))
}

// synthesizeToken maps a frame index and energy level to a deterministic
// token so distinct audio yields distinct, ordered transcripts.
func synthesizeToken(frame uint64, energy float64) string {
	bucket := int(energy * 1000)
	if bucket > 999 {
		bucket = 999
	}
	return fmt.Sprintf("w%d-e%03d", frame, bucket)
}

// confidenceFor scales energy into a (0, 1] pseudo-confidence.
func confidenceFor(energy float64) float64 {
	c := 0.5 + energy
	if c > 1 {
		c = 1
	}
	return c
}
