package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dryhten/whoAsr/internal/engine"
	"github.com/Dryhten/whoAsr/internal/protocol"
)

// Type identifies a registered model kind.
type Type string

const (
	TypeStreamingASR Type = "streaming_asr"
	TypeOfflineASR   Type = "offline_asr"
	TypePunctuation  Type = "punctuation"
	TypeVAD          Type = "vad"
	TypeTimestamp    Type = "timestamp"
)

// AllTypes lists every registered model type in a stable order.
var AllTypes = []Type{TypeStreamingASR, TypeOfflineASR, TypePunctuation, TypeVAD, TypeTimestamp}

// ParseType validates a model type string.
func ParseType(s string) (Type, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid model type %q, available: %v", s, AllTypes)
}

// loadState tracks the lifecycle of one handle.
type loadState int

const (
	stateUnloaded loadState = iota
	stateLoading
	stateLoaded
)

// Handle is the shared, reference-counted access point for one model type.
// The recognizer instance behind it is read-shared across sessions.
type Handle struct {
	modelType  Type
	recognizer engine.Recognizer
}

// Type returns the model type this handle refers to.
func (h *Handle) Type() Type { return h.modelType }

// Recognizer returns the shared engine instance. Nil for model types without
// an inference surface in this service.
func (h *Handle) Recognizer() engine.Recognizer { return h.recognizer }

// Loader builds the engine instance for a model type. The build is expensive
// (seconds-scale) and runs on a dedicated goroutine, never inline on a
// connection dispatch path. Types without an inference surface return a nil
// recognizer.
type Loader func(t Type) (engine.Recognizer, error)

// Status describes one registered model for the control API.
type Status struct {
	Type     Type              `json:"type"`
	Loaded   bool              `json:"loaded"`
	Loading  bool              `json:"loading"`
	RefCount int               `json:"ref_count"`
	Metadata map[string]string `json:"metadata"`
	LoadedAt time.Time         `json:"loaded_at,omitempty"`
}

// entry is the manager-internal record per model type.
type entry struct {
	state      loadState
	recognizer engine.Recognizer
	refCount   int
	metadata   map[string]string
	loadedAt   time.Time
	loadDone   chan struct{} // closed when an in-progress load finishes
	loadErr    error
}

// Manager owns the process-wide model registry.
type Manager struct {
	logger *slog.Logger
	loader Loader

	entries map[Type]*entry
	mu      sync.Mutex

	// onForceUnload is invoked (outside the lock) after a forced unload so
	// the session layer can error out dependent sessions.
	onForceUnload func(t Type)
}

// NewManager creates a model manager with every known type registered but
// unloaded.
func NewManager(logger *slog.Logger, loader Loader, metadata map[Type]map[string]string) *Manager {
	entries := make(map[Type]*entry, len(AllTypes))
	for _, t := range AllTypes {
		meta := metadata[t]
		if meta == nil {
			meta = map[string]string{}
		}
		entries[t] = &entry{metadata: meta}
	}

	return &Manager{
		logger:  logger,
		loader:  loader,
		entries: entries,
	}
}

// SetForceUnloadHook registers the callback invoked after a forced unload.
func (m *Manager) SetForceUnloadHook(fn func(t Type)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onForceUnload = fn
}

// Load loads a model type, waiting for completion. Idempotent: a loaded
// model returns immediately and a load already in progress is joined rather
// than started a second time, so there is never a double physical load.
func (m *Manager) Load(ctx context.Context, t Type) error {
	m.mu.Lock()
	e, ok := m.entries[t]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown model type %q", t)
	}

	switch e.state {
	case stateLoaded:
		m.mu.Unlock()
		return nil
	case stateLoading:
		done := e.loadDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		err := e.loadErr
		m.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	e.state = stateLoading
	e.loadDone = done
	m.mu.Unlock()

	m.logger.Info("Loading model", slog.String("model_type", string(t)))

	go func() {
		start := time.Now()
		rec, err := m.loader(t)

		m.mu.Lock()
		if err != nil {
			e.state = stateUnloaded
			e.loadErr = err
		} else {
			e.state = stateLoaded
			e.recognizer = rec
			e.loadErr = nil
			e.loadedAt = time.Now()
		}
		m.mu.Unlock()
		close(done)

		if err != nil {
			m.logger.Error("Model load failed",
				slog.String("model_type", string(t)),
				slog.String("error", err.Error()),
			)
			return
		}
		m.logger.Info("Model loaded",
			slog.String("model_type", string(t)),
			slog.Duration("load_time", time.Since(start)),
		)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	err := e.loadErr
	m.mu.Unlock()
	return err
}

// Acquire returns a reference-counted handle for a loaded model.
// An unloaded or still-loading model yields ErrModelUnavailable so the
// request is rejected immediately with guidance instead of blocking.
func (m *Manager) Acquire(t Type) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[t]
	if !ok {
		return nil, fmt.Errorf("unknown model type %q", t)
	}
	if e.state != stateLoaded {
		return nil, fmt.Errorf("%w: %s", protocol.ErrModelUnavailable, t)
	}

	e.refCount++
	return &Handle{modelType: t, recognizer: e.recognizer}, nil
}

// Release returns a handle's reference. Safe to call once per Acquire.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h.modelType]
	if !ok || e.refCount == 0 {
		return
	}
	e.refCount--
}

// Unload unloads a model type. While refCount > 0 it refuses with a
// descriptive error unless force is set, in which case the force-unload hook
// runs so dependent sessions transition to Errored. Returns the number of
// references evicted.
func (m *Manager) Unload(t Type, force bool) (int, error) {
	m.mu.Lock()

	e, ok := m.entries[t]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("unknown model type %q", t)
	}

	if e.state != stateLoaded {
		m.mu.Unlock()
		return 0, nil
	}

	if e.refCount > 0 && !force {
		refs := e.refCount
		m.mu.Unlock()
		return 0, fmt.Errorf("model %s is in use by %d session(s); pass force to unload anyway", t, refs)
	}

	evicted := e.refCount
	e.refCount = 0
	e.state = stateUnloaded
	e.recognizer = nil
	e.loadedAt = time.Time{}
	hook := m.onForceUnload
	m.mu.Unlock()

	m.logger.Info("Model unloaded",
		slog.String("model_type", string(t)),
		slog.Int("evicted_refs", evicted),
		slog.Bool("forced", force),
	)

	if evicted > 0 && hook != nil {
		hook(t)
	}
	return evicted, nil
}

// Status returns a snapshot for every registered type. It only takes the
// mutex briefly and never waits on an in-progress load.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(AllTypes))
	for _, t := range AllTypes {
		e := m.entries[t]
		out = append(out, Status{
			Type:     t,
			Loaded:   e.state == stateLoaded,
			Loading:  e.state == stateLoading,
			RefCount: e.refCount,
			Metadata: e.metadata,
			LoadedAt: e.loadedAt,
		})
	}
	return out
}

// StatusFor returns the snapshot for one type.
func (m *Manager) StatusFor(t Type) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[t]
	if !ok {
		return Status{}, fmt.Errorf("unknown model type %q", t)
	}
	return Status{
		Type:     t,
		Loaded:   e.state == stateLoaded,
		Loading:  e.state == stateLoading,
		RefCount: e.refCount,
		Metadata: e.metadata,
		LoadedAt: e.loadedAt,
	}, nil
}
