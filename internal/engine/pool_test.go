package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Dryhten/whoAsr/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRecognizer lets tests control decode behavior and observe call order.
type stubRecognizer struct {
	decode func(window []float32, cache *Cache, isFinal bool) (Result, error)

	mu    sync.Mutex
	calls []int
}

func (s *stubRecognizer) Decode(ctx context.Context, window []float32, cache *Cache, isFinal bool) (Result, error) {
	if s.decode != nil {
		return s.decode(window, cache, isFinal)
	}
	return Result{Text: "ok"}, nil
}

func (s *stubRecognizer) Flush(ctx context.Context, cache *Cache) (Result, error) {
	return Result{}, nil
}

func (s *stubRecognizer) WindowSize() int { return 4 }

func newTask(rec Recognizer, seq int) *Task {
	return &Task{
		Kind:       TaskDecode,
		SessionID:  fmt.Sprintf("s-%d", seq),
		Window:     []float32{0.1, 0.2, 0.3, 0.4},
		Cache:      NewCache(),
		Recognizer: rec,
		Done:       make(chan Outcome, 1),
	}
}

func TestPoolExecutesTask(t *testing.T) {
	p := NewPool(testLogger(), 2, 4)
	defer p.Stop()

	task := newTask(&stubRecognizer{}, 0)
	if err := p.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case outcome := <-task.Done:
		if outcome.Err != nil {
			t.Errorf("Expected success, got %v", outcome.Err)
		}
		if outcome.Result.Text != "ok" {
			t.Errorf("Expected text 'ok', got %q", outcome.Result.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Task never completed")
	}
}

func TestPoolPropagatesEngineError(t *testing.T) {
	p := NewPool(testLogger(), 1, 4)
	defer p.Stop()

	wantErr := errors.New("decoder state corrupt")
	rec := &stubRecognizer{decode: func([]float32, *Cache, bool) (Result, error) {
		return Result{}, wantErr
	}}

	task := newTask(rec, 0)
	if err := p.Submit(task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	outcome := <-task.Done
	if !errors.Is(outcome.Err, wantErr) {
		t.Errorf("Expected engine error to propagate, got %v", outcome.Err)
	}
}

func TestPoolBackpressure(t *testing.T) {
	started := make(chan struct{}, 1)
	block := make(chan struct{})
	rec := &stubRecognizer{decode: func([]float32, *Cache, bool) (Result, error) {
		started <- struct{}{}
		<-block
		return Result{}, nil
	}}

	p := NewPool(testLogger(), 1, 1)

	// First task occupies the only worker, second fills the queue.
	if err := p.Submit(newTask(rec, 0)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker never picked up the first task")
	}
	if err := p.Submit(newTask(rec, 1)); err != nil {
		t.Fatalf("Submit to empty queue failed: %v", err)
	}

	if err := p.Submit(newTask(rec, 2)); !errors.Is(err, protocol.ErrBackpressure) {
		t.Errorf("Expected ErrBackpressure, got %v", err)
	}

	stats := p.Stats()
	if stats.Rejected != 1 {
		t.Errorf("Expected 1 rejected task, got %d", stats.Rejected)
	}

	close(block)
	p.Stop()
}

func TestPoolStopDrainsQueue(t *testing.T) {
	rec := &stubRecognizer{}
	p := NewPool(testLogger(), 1, 8)

	tasks := make([]*Task, 5)
	for i := range tasks {
		tasks[i] = newTask(rec, i)
		if err := p.Submit(tasks[i]); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	p.Stop()

	// Every submitter must receive its outcome even across shutdown.
	for i, task := range tasks {
		select {
		case <-task.Done:
		default:
			t.Errorf("Task %d never received an outcome", i)
		}
	}

	stats := p.Stats()
	if stats.Completed != 5 {
		t.Errorf("Expected 5 completed tasks, got %d", stats.Completed)
	}
}

func TestPoolSingleWorkerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	rec := &stubRecognizer{decode: func(window []float32, cache *Cache, isFinal bool) (Result, error) {
		return Result{}, nil
	}}

	p := NewPool(testLogger(), 1, 16)

	tasks := make([]*Task, 8)
	for i := range tasks {
		i := i
		task := newTask(rec, i)
		task.Recognizer = &stubRecognizer{decode: func([]float32, *Cache, bool) (Result, error) {
			mu.Lock()
			order = append(order, task.SessionID)
			mu.Unlock()
			return Result{}, nil
		}}
		tasks[i] = task
		if err := p.Submit(task); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(tasks) {
		t.Fatalf("Expected %d executions, got %d", len(tasks), len(order))
	}
	for i := range order {
		want := fmt.Sprintf("s-%d", i)
		if order[i] != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, order[i])
		}
	}
}

func TestPoolSubmitWaitHonorsContext(t *testing.T) {
	started := make(chan struct{}, 1)
	block := make(chan struct{})
	rec := &stubRecognizer{decode: func([]float32, *Cache, bool) (Result, error) {
		started <- struct{}{}
		<-block
		return Result{}, nil
	}}

	p := NewPool(testLogger(), 1, 1)

	// Saturate the worker and the queue.
	if err := p.Submit(newTask(rec, 0)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	if err := p.Submit(newTask(rec, 1)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.SubmitWait(ctx, newTask(rec, 2))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}

	close(block)
	p.Stop()
}
