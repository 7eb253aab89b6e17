package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dryhten/whoAsr/internal/audio"
	"github.com/Dryhten/whoAsr/internal/engine"
	"github.com/Dryhten/whoAsr/internal/metrics"
	"github.com/Dryhten/whoAsr/internal/model"
	"github.com/Dryhten/whoAsr/internal/protocol"
)

const cleanupInterval = 30 * time.Second

// Config carries the registry's tunables, derived from the audio and server
// configuration sections.
type Config struct {
	SampleRate        int
	WindowSamples     int
	MaxPendingWindows int
	MaxSessions       int
	IdleTimeout       time.Duration
}

// Registry tracks all live sessions keyed by client id. It owns the shared
// decoder, hands sessions the inference pool and model manager, and runs a
// periodic cleanup that closes recordings idle past the configured timeout.
type Registry struct {
	logger  *slog.Logger
	cfg     Config
	decoder *audio.Decoder
	pool    *engine.Pool
	models  *model.Manager
	metrics *metrics.Metrics

	sessions map[string]*Session
	mu       sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	wg      sync.WaitGroup
}

// RegistryStats is a snapshot of registry counters for monitoring.
type RegistryStats struct {
	ActiveSessions int `json:"active_sessions"`
	Recording      int `json:"recording"`
	MaxSessions    int `json:"max_sessions"`
}

// NewRegistry creates a session registry and starts its cleanup loop.
func NewRegistry(logger *slog.Logger, cfg Config, pool *engine.Pool, models *model.Manager, m *metrics.Metrics) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		logger:   logger,
		cfg:      cfg,
		decoder:  audio.NewDecoder(cfg.SampleRate),
		pool:     pool,
		models:   models,
		metrics:  m,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.cleanupLoop()

	return r
}

// Attach registers a session for a newly connected client. The out channel is
// the connection's outbound queue; connClosed unblocks any emit still pending
// when the connection goes away.
func (r *Registry) Attach(id string, out chan<- protocol.ServerMessage, connClosed <-chan struct{}) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("client id %q already connected", id)}
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("session limit reached (%d)", r.cfg.MaxSessions)
	}

	now := time.Now()
	s := &Session{
		id:           id,
		registry:     r,
		out:          out,
		connClosed:   connClosed,
		state:        StateIdle,
		createdAt:    now,
		lastActivity: now,
	}
	r.sessions[id] = s

	r.metrics.RecordSessionCreated()
	r.metrics.SetActiveSessions(len(r.sessions))
	r.logger.Info("Session attached",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(r.sessions)),
	)
	return s, nil
}

// Detach removes a session after its connection closed. Any in-flight
// inference call completes before the session's resources are released; its
// result is discarded.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	remaining := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.close()
	r.metrics.SetActiveSessions(remaining)
	r.logger.Info("Session detached",
		slog.String("session_id", id),
		slog.Int("active_sessions", remaining),
	)
}

// Get returns the session for a client id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Stats returns a snapshot of registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	stats := RegistryStats{
		ActiveSessions: len(sessions),
		MaxSessions:    r.cfg.MaxSessions,
	}
	for _, s := range sessions {
		if s.State() == StateRecording {
			stats.Recording++
		}
	}
	return stats
}

// FailSessionsUsing errors every session holding the given model type. Wired
// as the model manager's force-unload hook: affected clients get a session
// error and their recordings stop; the connections stay open.
func (r *Registry) FailSessionsUsing(t model.Type) int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	failed := 0
	for _, s := range sessions {
		s.mu.Lock()
		run := s.run
		uses := run != nil && run.handle.Type() == t
		if uses {
			s.run = nil
			s.state = StateErrored
			s.lastRunStats = run.windower.Stats()
		}
		s.mu.Unlock()
		if !uses {
			continue
		}

		s.emit(protocol.NewError(protocol.CodeSessionError,
			"recognition model was unloaded, session closed",
			fmt.Sprintf("model %s force-unloaded", t)), nil)
		run.cancel()
		r.metrics.RecordSessionErrored()
		failed++
	}

	if failed > 0 {
		r.logger.Warn("Sessions errored by forced model unload",
			slog.String("model_type", string(t)),
			slog.Int("sessions", failed),
		)
	}
	return failed
}

// Stop closes every session and stops the cleanup loop. Called during
// shutdown after the transport stopped accepting connections.
func (r *Registry) Stop() {
	r.cancel()
	close(r.cleanup)
	r.wg.Wait()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	r.metrics.SetActiveSessions(0)
	r.logger.Info("Session registry stopped", slog.Int("sessions_closed", len(sessions)))
}

// cleanupLoop periodically closes recordings that received no audio within
// the idle timeout.
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.closeIdle()
		case <-r.cleanup:
			return
		}
	}
}

// closeIdle scans for recordings idle past the timeout and auto-closes them
// as if the client had stopped. The session stays attached so the client can
// start a new recording.
func (r *Registry) closeIdle() {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		run := s.run
		idle := run != nil && s.state == StateRecording && s.lastActivity.Before(cutoff)
		if idle {
			s.run = nil
			s.state = StateClosed
			s.lastRunStats = run.windower.Stats()
		}
		s.mu.Unlock()
		if !idle {
			continue
		}

		s.emit(protocol.NewStatus(protocol.CodeSessionTimeout,
			"recording closed after idle timeout"), nil)
		run.cancel()
		r.metrics.RecordSessionClosed(time.Since(run.started).Seconds())
		r.logger.Info("Idle recording closed",
			slog.String("session_id", s.id),
			slog.Duration("idle_timeout", r.cfg.IdleTimeout),
		)
	}
}
