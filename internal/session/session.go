package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dryhten/whoAsr/internal/audio"
	"github.com/Dryhten/whoAsr/internal/engine"
	"github.com/Dryhten/whoAsr/internal/model"
	"github.com/Dryhten/whoAsr/internal/protocol"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateIdle means the session is attached to a connection but no
	// recording is active.
	StateIdle State = iota
	// StateRecording means audio is being accepted and windowed.
	StateRecording
	// StateDraining means stop_recording was received and the final
	// window is being processed.
	StateDraining
	// StateClosed means the recording finished and its resources were
	// released. A new start_recording begins a fresh recording.
	StateClosed
	// StateErrored means the recording failed. The session keeps the
	// state until the client starts a new recording or disconnects.
	StateErrored
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// submission is one unit of work handed to the session's processor.
type submission struct {
	window    []float32
	isFinal   bool
	flushOnly bool
}

// run holds the resources of a single recording. A new start_recording
// always creates a fresh run; the previous run's in-flight work finishes on
// its own goroutine and is discarded.
type run struct {
	cache      *engine.Cache
	windower   *audio.Windower
	handle     *model.Handle
	recognizer engine.Recognizer
	pending    chan submission
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	started    time.Time
}

// Session is the per-client recording state machine. All client-message
// handling for a session happens on its connection's dispatcher goroutine;
// the registry's cleanup goroutine and the processor synchronize with it
// through the session mutex.
type Session struct {
	id       string
	registry *Registry

	out        chan<- protocol.ServerMessage
	connClosed <-chan struct{}

	mu           sync.Mutex
	state        State
	run          *run
	createdAt    time.Time
	lastActivity time.Time

	// Counters of the most recently finished run, kept for the monitoring
	// API after the run's windower is gone.
	lastRunStats   audio.WindowerStats
	resultsEmitted uint64
}

// Info is a point-in-time snapshot of a session for the monitoring API.
type Info struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	SamplesIn       uint64    `json:"samples_in"`
	SamplesWindowed uint64    `json:"samples_windowed"`
	SamplesPadded   uint64    `json:"samples_padded"`
	WindowsEmitted  uint64    `json:"windows_emitted"`
	SamplesBuffered int       `json:"samples_buffered"`
	ResultsEmitted  uint64    `json:"results_emitted"`
}

// ID returns the client-chosen session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session counters.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:             s.id,
		State:          s.state.String(),
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		ResultsEmitted: s.resultsEmitted,
	}
	ws := s.lastRunStats
	if s.run != nil {
		ws = s.run.windower.Stats()
	}
	info.SamplesIn = ws.SamplesIn
	info.SamplesWindowed = ws.SamplesWindowed
	info.SamplesPadded = ws.SamplesPadded
	info.WindowsEmitted = ws.WindowsEmitted
	info.SamplesBuffered = ws.Buffered
	return info
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// emit delivers a message to the connection's writer. It returns once the
// message is queued, the connection is gone, or the recording was cancelled.
func (s *Session) emit(msg protocol.ServerMessage, cancelled <-chan struct{}) {
	if cancelled == nil {
		cancelled = make(chan struct{})
	}
	select {
	case s.out <- msg:
	case <-s.connClosed:
	case <-cancelled:
	}
}

// StartRecording transitions the session into Recording with a fresh run.
// A start_recording while already recording discards the previous run's
// buffer and cache and begins anew.
func (s *Session) StartRecording() error {
	s.mu.Lock()
	if s.state == StateRecording || s.state == StateDraining {
		old := s.run
		s.run = nil
		s.state = StateIdle
		s.mu.Unlock()
		old.cancel()
		s.mu.Lock()
	}

	handle, err := s.registry.models.Acquire(model.TypeStreamingASR)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(s.registry.ctx)
	r := &run{
		cache:      engine.NewCache(),
		windower:   audio.NewWindower(s.registry.cfg.WindowSamples),
		handle:     handle,
		recognizer: handle.Recognizer(),
		pending:    make(chan submission, s.registry.cfg.MaxPendingWindows),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		started:    time.Now(),
	}
	s.run = r
	s.state = StateRecording
	s.touch()
	s.mu.Unlock()

	go s.process(r)

	s.emit(protocol.NewStatus(protocol.CodeSessionStarted, "recording started"), r.ctx.Done())
	s.registry.logger.Info("Recording started", slog.String("session_id", s.id))
	return nil
}

// AppendAudio decodes a chunk, feeds the windower, and enqueues any complete
// windows for inference. It rejects the chunk with a backpressure error when
// the pending queue is full.
func (s *Session) AppendAudio(raw []byte) error {
	s.mu.Lock()
	if s.state != StateRecording {
		st := s.state
		s.mu.Unlock()
		return &protocol.ProtocolError{Reason: fmt.Sprintf("audio_chunk not allowed in state %q", st)}
	}
	r := s.run
	s.touch()
	s.mu.Unlock()

	samples, err := s.registry.decoder.Decode(raw, audio.EncodingAuto, 0)
	if err != nil {
		s.registry.metrics.RecordDecodeError()
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	s.registry.metrics.RecordChunkDecoded(len(samples))

	for _, w := range r.windower.Append(samples) {
		select {
		case r.pending <- submission{window: w}:
			s.registry.metrics.RecordWindowSubmitted()
		default:
			s.registry.metrics.RecordBackpressure()
			return protocol.ErrBackpressure
		}
	}
	return nil
}

// StopRecording transitions to Draining and enqueues the final submission:
// the zero-padded leftover window if any samples remain buffered, otherwise
// a flush of the recognizer cache alone.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	if s.state != StateRecording {
		st := s.state
		s.mu.Unlock()
		return &protocol.ProtocolError{Reason: fmt.Sprintf("stop_recording not allowed in state %q", st)}
	}
	r := s.run
	s.state = StateDraining
	s.touch()
	s.mu.Unlock()

	window, _, ok := r.windower.Flush()
	final := submission{isFinal: true}
	if ok {
		final.window = window
		s.registry.metrics.RecordWindowSubmitted()
	} else {
		final.flushOnly = true
	}

	select {
	case r.pending <- final:
	case <-r.ctx.Done():
	}
	return nil
}

// process is the session's single processing goroutine. It consumes pending
// submissions in order and keeps at most one inference call in flight, so
// the engine cache is never touched concurrently.
func (s *Session) process(r *run) {
	defer close(r.done)
	defer s.registry.models.Release(r.handle)

	for {
		select {
		case <-r.ctx.Done():
			return
		case sub := <-r.pending:
			outcome, err := s.dispatch(r, sub)
			if err != nil {
				s.fail(r, err)
				return
			}
			if r.ctx.Err() != nil {
				return
			}
			if outcome.Result.Text != "" || sub.isFinal {
				s.emit(protocol.NewRecognitionResult(outcome.Result.Text, sub.isFinal, outcome.Result.Confidence), r.ctx.Done())
				s.mu.Lock()
				s.resultsEmitted++
				s.mu.Unlock()
			}
			if sub.isFinal {
				s.finish(r)
				return
			}
		}
	}
}

// dispatch submits one unit of work to the shared pool and waits for its
// outcome. The wait is unconditional: the pool always delivers an outcome,
// even during shutdown, so the session's buffer and cache stay single-owner.
func (s *Session) dispatch(r *run, sub submission) (engine.Outcome, error) {
	task := &engine.Task{
		Kind:       engine.TaskDecode,
		SessionID:  s.id,
		Window:     sub.window,
		Cache:      r.cache,
		IsFinal:    sub.isFinal,
		Recognizer: r.recognizer,
		Done:       make(chan engine.Outcome, 1),
	}
	if sub.flushOnly {
		task.Kind = engine.TaskFlush
		task.Window = nil
	}

	if err := s.registry.pool.SubmitWait(r.ctx, task); err != nil {
		return engine.Outcome{}, err
	}
	outcome := <-task.Done
	s.registry.metrics.RecordInference(outcome.Duration.Seconds(), outcome.Err != nil)
	if outcome.Err != nil {
		return engine.Outcome{}, &protocol.EngineError{Err: outcome.Err}
	}
	return outcome, nil
}

// finish completes a drained recording: release resources, report the stop,
// and leave the session ready for another start_recording.
func (s *Session) finish(r *run) {
	s.mu.Lock()
	dur := time.Since(r.started)
	if s.run == r {
		s.run = nil
		s.state = StateClosed
		s.lastRunStats = r.windower.Stats()
	}
	s.mu.Unlock()
	r.cancel()

	s.emit(protocol.NewStatus(protocol.CodeSessionStopped, "recording stopped"), nil)
	s.registry.metrics.RecordSessionClosed(dur.Seconds())
	s.registry.logger.Info("Recording stopped",
		slog.String("session_id", s.id),
		slog.Duration("duration", dur),
		slog.Uint64("windows", r.windower.Stats().WindowsEmitted),
	)
}

// fail moves the session to Errored after an engine or submission failure.
// Other sessions are unaffected.
func (s *Session) fail(r *run, err error) {
	if r.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.run == r {
		s.run = nil
		s.state = StateErrored
		s.lastRunStats = r.windower.Stats()
	}
	s.mu.Unlock()
	r.cancel()

	s.emit(protocol.ToErrorMessage(err), nil)
	s.registry.metrics.RecordSessionErrored()
	s.registry.logger.Error("Recording failed",
		slog.String("session_id", s.id),
		slog.String("error", err.Error()),
	)
}

// close tears the session down for disconnect, timeout, or forced model
// unload. It cancels any active run and waits for the in-flight inference
// call to return before the caller releases the session.
func (s *Session) close() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	if s.state != StateErrored {
		s.state = StateClosed
	}
	if r != nil {
		s.lastRunStats = r.windower.Stats()
	}
	s.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}
}
