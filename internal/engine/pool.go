package engine

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/Dryhten/whoAsr/internal/protocol"
)

// TaskKind distinguishes the pool's two inference call shapes.
type TaskKind int

const (
	TaskDecode TaskKind = iota
	TaskFlush
)

// Task is one inference call queued for a pool worker. Done receives exactly
// one Outcome; the submitter owns the cache and guarantees no other task for
// the same cache is in flight.
type Task struct {
	Kind       TaskKind
	SessionID  string
	Window     []float32
	Cache      *Cache
	IsFinal    bool
	Recognizer Recognizer
	Done       chan Outcome
}

// Outcome is the completion signal routed back to the originating session.
type Outcome struct {
	Result   Result
	Err      error
	Duration time.Duration
}

// Pool executes inference tasks on a bounded set of workers with a bounded
// FIFO queue. CPU-bound decode calls never run on a connection's dispatch
// goroutine; they are submitted here and completion is read from Task.Done.
type Pool struct {
	logger  *slog.Logger
	workers int
	queue   chan *Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	submitted uint64
	completed uint64
	rejected  uint64
	mu        sync.RWMutex
}

// PoolStats is a snapshot of pool counters for monitoring.
type PoolStats struct {
	Workers       int    `json:"workers"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Rejected      uint64 `json:"rejected"`
}

// NewPool creates and starts a worker pool. workers <= 0 defaults to the
// number of CPU cores; queueSize <= 0 defaults to 4 slots per worker.
func NewPool(logger *slog.Logger, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger:  logger,
		workers: workers,
		queue:   make(chan *Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Info("Inference worker pool started",
		slog.Int("workers", workers),
		slog.Int("queue_size", queueSize),
	)

	return p
}

// Submit enqueues a task without blocking. A saturated queue rejects the task
// with ErrBackpressure so memory never grows unboundedly under overload.
func (p *Pool) Submit(task *Task) error {
	select {
	case p.queue <- task:
		p.mu.Lock()
		p.submitted++
		p.mu.Unlock()
		return nil
	default:
		p.mu.Lock()
		p.rejected++
		p.mu.Unlock()
		return protocol.ErrBackpressure
	}
}

// SubmitWait enqueues a task, blocking while the queue is full. Session
// processors use it so queued windows keep their order; ctx cancellation
// abandons the task before it is enqueued.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) error {
	select {
	case p.queue <- task:
		p.mu.Lock()
		p.submitted++
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return context.Cause(p.ctx)
	}
}

// Stop drains the pool. Queued tasks are completed before workers exit so no
// submitter is left waiting on its Done channel.
func (p *Pool) Stop() {
	p.cancel()
	close(p.queue)
	p.wg.Wait()

	p.mu.RLock()
	p.logger.Info("Inference worker pool stopped",
		slog.Uint64("submitted", p.submitted),
		slog.Uint64("completed", p.completed),
		slog.Uint64("rejected", p.rejected),
	)
	p.mu.RUnlock()
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PoolStats{
		Workers:       p.workers,
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
		Submitted:     p.submitted,
		Completed:     p.completed,
		Rejected:      p.rejected,
	}
}

// worker executes tasks until the queue closes.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("Inference worker started", slog.Int("worker_id", id))

	for task := range p.queue {
		start := time.Now()

		var result Result
		var err error
		switch task.Kind {
		case TaskFlush:
			result, err = task.Recognizer.Flush(p.ctx, task.Cache)
		default:
			result, err = task.Recognizer.Decode(p.ctx, task.Window, task.Cache, task.IsFinal)
		}

		p.mu.Lock()
		p.completed++
		p.mu.Unlock()

		task.Done <- Outcome{Result: result, Err: err, Duration: time.Since(start)}
	}

	p.logger.Debug("Inference worker stopped", slog.Int("worker_id", id))
}
