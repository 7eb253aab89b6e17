package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dryhten/whoAsr/internal/engine"
	"github.com/Dryhten/whoAsr/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLoader() Loader {
	return func(Type) (engine.Recognizer, error) {
		return engine.NewStreamingRecognizer(9600, 16000)
	}
}

func TestParseType(t *testing.T) {
	if _, err := ParseType("streaming_asr"); err != nil {
		t.Errorf("Expected streaming_asr to parse, got %v", err)
	}
	if _, err := ParseType("telepathy"); err == nil {
		t.Error("Expected error for unknown model type")
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	var loads int64
	loader := func(Type) (engine.Recognizer, error) {
		atomic.AddInt64(&loads, 1)
		return engine.NewStreamingRecognizer(9600, 16000)
	}
	m := NewManager(testLogger(), loader, nil)

	ctx := context.Background()
	if err := m.Load(ctx, TypeStreamingASR); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := m.Load(ctx, TypeStreamingASR); err != nil {
		t.Fatalf("Second load failed: %v", err)
	}

	if n := atomic.LoadInt64(&loads); n != 1 {
		t.Errorf("Expected exactly 1 physical load, got %d", n)
	}
}

func TestConcurrentLoadsShareOneLoad(t *testing.T) {
	var loads int64
	release := make(chan struct{})
	loader := func(Type) (engine.Recognizer, error) {
		atomic.AddInt64(&loads, 1)
		<-release
		return engine.NewStreamingRecognizer(9600, 16000)
	}
	m := NewManager(testLogger(), loader, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Load(context.Background(), TypeStreamingASR)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Loader %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt64(&loads); n != 1 {
		t.Errorf("Expected 1 shared physical load, got %d", n)
	}
}

func TestLoadFailureAllowsRetry(t *testing.T) {
	var attempts int64
	loader := func(Type) (engine.Recognizer, error) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return nil, errors.New("model file missing")
		}
		return engine.NewStreamingRecognizer(9600, 16000)
	}
	m := NewManager(testLogger(), loader, nil)

	if err := m.Load(context.Background(), TypeStreamingASR); err == nil {
		t.Fatal("Expected first load to fail")
	}
	if err := m.Load(context.Background(), TypeStreamingASR); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
}

func TestAcquireRequiresLoadedModel(t *testing.T) {
	m := NewManager(testLogger(), testLoader(), nil)

	_, err := m.Acquire(TypeStreamingASR)
	if !errors.Is(err, protocol.ErrModelUnavailable) {
		t.Errorf("Expected ErrModelUnavailable, got %v", err)
	}

	if err := m.Load(context.Background(), TypeStreamingASR); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	h, err := m.Acquire(TypeStreamingASR)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if h.Type() != TypeStreamingASR {
		t.Errorf("Expected handle type streaming_asr, got %s", h.Type())
	}
	if h.Recognizer() == nil {
		t.Error("Expected shared recognizer on handle")
	}
}

func TestUnloadRefusesWhileReferenced(t *testing.T) {
	m := NewManager(testLogger(), testLoader(), nil)
	if err := m.Load(context.Background(), TypeStreamingASR); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	h, _ := m.Acquire(TypeStreamingASR)

	if _, err := m.Unload(TypeStreamingASR, false); err == nil {
		t.Error("Expected unload refusal while a session holds the model")
	}

	m.Release(h)
	if _, err := m.Unload(TypeStreamingASR, false); err != nil {
		t.Errorf("Expected unload to succeed after release, got %v", err)
	}

	if _, err := m.Acquire(TypeStreamingASR); !errors.Is(err, protocol.ErrModelUnavailable) {
		t.Errorf("Expected ErrModelUnavailable after unload, got %v", err)
	}
}

func TestForceUnloadRunsHook(t *testing.T) {
	m := NewManager(testLogger(), testLoader(), nil)
	if err := m.Load(context.Background(), TypeStreamingASR); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var hooked []Type
	m.SetForceUnloadHook(func(t Type) { hooked = append(hooked, t) })

	m.Acquire(TypeStreamingASR)
	m.Acquire(TypeStreamingASR)

	evicted, err := m.Unload(TypeStreamingASR, true)
	if err != nil {
		t.Fatalf("Force unload failed: %v", err)
	}
	if evicted != 2 {
		t.Errorf("Expected 2 evicted references, got %d", evicted)
	}
	if len(hooked) != 1 || hooked[0] != TypeStreamingASR {
		t.Errorf("Expected hook to run once for streaming_asr, got %v", hooked)
	}
}

func TestUnloadUnloadedIsNoop(t *testing.T) {
	m := NewManager(testLogger(), testLoader(), nil)

	evicted, err := m.Unload(TypeStreamingASR, false)
	if err != nil {
		t.Errorf("Expected no error unloading an unloaded model, got %v", err)
	}
	if evicted != 0 {
		t.Errorf("Expected 0 evictions, got %d", evicted)
	}
}

func TestStatusDoesNotBlockOnLoad(t *testing.T) {
	release := make(chan struct{})
	loader := func(Type) (engine.Recognizer, error) {
		<-release
		return engine.NewStreamingRecognizer(9600, 16000)
	}
	m := NewManager(testLogger(), loader, nil)

	go m.Load(context.Background(), TypeStreamingASR)

	// Status must return while the load is still in progress.
	deadline := time.After(2 * time.Second)
	for {
		st, err := m.StatusFor(TypeStreamingASR)
		if err != nil {
			t.Fatalf("StatusFor failed: %v", err)
		}
		if st.Loading {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Never observed loading state")
		default:
		}
	}

	all := m.Status()
	if len(all) != len(AllTypes) {
		t.Errorf("Expected %d model entries, got %d", len(AllTypes), len(all))
	}

	close(release)
}

func TestLoadRespectsContext(t *testing.T) {
	release := make(chan struct{})
	loader := func(Type) (engine.Recognizer, error) {
		<-release
		return engine.NewStreamingRecognizer(9600, 16000)
	}
	m := NewManager(testLogger(), loader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Load(ctx, TypeStreamingASR)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	// The load still completes in the background and later calls see it.
	close(release)
	deadline := time.After(2 * time.Second)
	for {
		st, _ := m.StatusFor(TypeStreamingASR)
		if st.Loaded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Background load never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
