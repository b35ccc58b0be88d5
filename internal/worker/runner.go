package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/fandom-ingest/internal/ingest"
	"github.com/ignite/fandom-ingest/internal/pkg/logger"
	"github.com/ignite/fandom-ingest/internal/queue"
)

// Handler processes one task and returns a JSON-encodable result.
type Handler func(ctx context.Context, task queue.Task) (interface{}, error)

// Consumer is the consumer side of the task queue. *queue.Queue satisfies it.
type Consumer interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery, result interface{}) error
	Nack(ctx context.Context, d *queue.Delivery, cause error, retryable bool) error
	Recover(ctx context.Context) (int, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent marks err as not worth retrying.
func permanent(err error) error { return &permanentError{err: err} }

// Retryable reports whether a failed task should be rescheduled. Ingest
// errors decide by kind; other failures (listing, Redis, network,
// shutdown) are assumed transient.
func Retryable(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if ingest.KindOf(err) != "" {
		return ingest.IsRetryable(err)
	}
	return true
}

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	Workers      int
	PollInterval time.Duration
}

// Runner runs N consumer goroutines over a queue.
type Runner struct {
	q            Consumer
	handlers     map[string]Handler
	workers      int
	pollInterval time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRunner creates a runner
func NewRunner(q Consumer, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Runner{
		q:            q,
		handlers:     make(map[string]Handler),
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
	}
}

// Handle registers h for taskType. Call before Start.
func (r *Runner) Handle(taskType string, h Handler) {
	r.handlers[taskType] = h
}

// Start recovers orphaned deliveries and launches the consumers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	n, err := r.q.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if n > 0 {
		logger.Warn("runner: requeued orphaned tasks", "count", n)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.consume(ctx, i)
	}
	logger.Info("runner: started", "workers", r.workers)
	return nil
}

// Stop cancels the consumers and waits for in-flight tasks.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	logger.Info("runner: stopped")
}

func (r *Runner) consume(ctx context.Context, id int) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := r.RunOnce(ctx)
		if err != nil {
			logger.Error("runner: queue error", "worker", id, "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// RunOnce dequeues and handles at most one task. It reports whether a
// task was taken.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	d, err := r.q.Dequeue(ctx)
	if err != nil || d == nil {
		return false, err
	}

	// Settle on a context that survives shutdown so the delivery is not
	// left in the processing list.
	settleCtx := context.WithoutCancel(ctx)

	h, ok := r.handlers[d.Task.Type]
	if !ok {
		logger.Error("runner: no handler", "type", d.Task.Type, "task_id", d.Task.ID)
		return true, r.q.Nack(settleCtx, d, fmt.Errorf("unknown task type %q", d.Task.Type), false)
	}

	start := time.Now()
	result, err := r.invoke(ctx, h, d.Task)
	if err != nil {
		retry := Retryable(err)
		logger.Warn("runner: task failed",
			"type", d.Task.Type, "task_id", d.Task.ID, "attempt", d.Task.Attempt+1,
			"retryable", retry, "error", err)
		return true, r.q.Nack(settleCtx, d, err, retry)
	}

	logger.Info("runner: task done", "type", d.Task.Type, "task_id", d.Task.ID, "duration", time.Since(start))
	return true, r.q.Ack(settleCtx, d, result)
}

func (r *Runner) invoke(ctx context.Context, h Handler, task queue.Task) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = permanent(fmt.Errorf("panic in %s handler: %v", task.Type, p))
		}
	}()
	return h(ctx, task)
}
