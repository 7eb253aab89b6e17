package audio

import (
	"sync"
)

// Windower accumulates normalized float32 samples for one session and slices
// fixed-size, non-overlapping windows off the front in submission order.
// After every Append the retained buffer is strictly shorter than one window.
type Windower struct {
	windowSize int
	buf        []float32

	// Conservation counters: samplesIn == samplesWindowed + len(buf) at all
	// times, and after Flush the padded remainder accounts for the rest.
	samplesIn       uint64
	samplesWindowed uint64
	samplesPadded   uint64
	windowsEmitted  uint64

	mu sync.Mutex
}

// WindowerStats is a snapshot of windower counters for monitoring.
type WindowerStats struct {
	WindowSize      int    `json:"window_size"`
	Buffered        int    `json:"buffered_samples"`
	SamplesIn       uint64 `json:"samples_in"`
	SamplesWindowed uint64 `json:"samples_windowed"`
	SamplesPadded   uint64 `json:"samples_padded"`
	WindowsEmitted  uint64 `json:"windows_emitted"`
}

// NewWindower creates a windower producing windows of windowSize samples.
func NewWindower(windowSize int) *Windower {
	return &Windower{
		windowSize: windowSize,
		buf:        make([]float32, 0, windowSize*2),
	}
}

// Append adds samples to the FIFO buffer and returns every complete window
// now available, in order. The returned slices are copies owned by the caller.
func (w *Windower) Append(samples []float32) [][]float32 {
	if len(samples) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.samplesIn += uint64(len(samples))
	w.buf = append(w.buf, samples...)

	var windows [][]float32
	for len(w.buf) >= w.windowSize {
		window := make([]float32, w.windowSize)
		copy(window, w.buf[:w.windowSize])
		w.buf = w.buf[:copy(w.buf, w.buf[w.windowSize:])]
		w.samplesWindowed += uint64(w.windowSize)
		w.windowsEmitted++
		windows = append(windows, window)
	}
	return windows
}

// Flush drains the remaining sub-window samples at end of recording. A
// non-empty leftover is zero-padded to a full window so the engine's
// fixed-window contract holds for the final call; padded reports how many
// trailing zeros were added. When the buffer is empty it returns (nil, 0,
// false): the caller issues the engine's explicit flush primitive instead,
// so trailing engine state is still drained rather than silently skipped.
func (w *Windower) Flush() (window []float32, padded int, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return nil, 0, false
	}

	window = make([]float32, w.windowSize)
	n := copy(window, w.buf)
	padded = w.windowSize - n

	w.samplesWindowed += uint64(n)
	w.samplesPadded += uint64(padded)
	w.windowsEmitted++
	w.buf = w.buf[:0]

	return window, padded, true
}

// Reset discards buffered samples and counters. Used on idempotent
// start_recording restart.
func (w *Windower) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = w.buf[:0]
	w.samplesIn = 0
	w.samplesWindowed = 0
	w.samplesPadded = 0
	w.windowsEmitted = 0
}

// Buffered returns the number of samples currently retained.
func (w *Windower) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Stats returns a snapshot of the conservation counters.
func (w *Windower) Stats() WindowerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WindowerStats{
		WindowSize:      w.windowSize,
		Buffered:        len(w.buf),
		SamplesIn:       w.samplesIn,
		SamplesWindowed: w.samplesWindowed,
		SamplesPadded:   w.samplesPadded,
		WindowsEmitted:  w.windowsEmitted,
	}
}
