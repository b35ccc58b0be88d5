// Package queue is a Redis-backed reliable task queue with at-least-once
// delivery. Ready tasks sit in a list; a dequeue atomically moves one into
// a processing list where it stays until acked. Retries wait in a sorted
// set scored by due time. Per-task status lives in a hash with a TTL so
// callers can poll the outcome of work they scheduled.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/fandom-ingest/internal/metrics"
)

// ErrTaskNotFound is returned by Status for unknown or expired task ids.
var ErrTaskNotFound = errors.New("task not found")

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Task is the unit of work stored in the queue.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Delivery is a dequeued task. raw is the exact list entry, needed to
// remove it from the processing list.
type Delivery struct {
	Task Task
	raw  string
}

// TaskStatus is the externally visible state of a task.
type TaskStatus struct {
	ID        string          `json:"task_id"`
	Type      string          `json:"type"`
	State     State           `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Config tunes a Queue.
type Config struct {
	Name        string
	MaxAttempts int
	StatusTTL   time.Duration
	// NewBackOff builds the retry delay schedule. Defaults to exponential
	// from 5s, capped at 10m.
	NewBackOff func() backoff.BackOff
}

// Queue is safe for concurrent use.
type Queue struct {
	rdb         *redis.Client
	name        string
	maxAttempts int
	statusTTL   time.Duration
	newBackOff  func() backoff.BackOff
	now         func() time.Time
}

// promoteScript moves up to ARGV[2] due entries from the delayed set to
// the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", ARGV[2])
for _, v in ipairs(due) do
	redis.call("ZREM", KEYS[1], v)
	redis.call("LPUSH", KEYS[2], v)
end
return #due
`)

// New creates a queue over rdb.
func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 24 * time.Hour
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			b.MaxInterval = 10 * time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Queue{
		rdb:         rdb,
		name:        cfg.Name,
		maxAttempts: cfg.MaxAttempts,
		statusTTL:   cfg.StatusTTL,
		newBackOff:  cfg.NewBackOff,
		now:         time.Now,
	}
}

func (q *Queue) readyKey() string      { return "queue:" + q.name + ":ready" }
func (q *Queue) processingKey() string { return "queue:" + q.name + ":processing" }
func (q *Queue) delayedKey() string    { return "queue:" + q.name + ":delayed" }
func (q *Queue) statusKey(id string) string {
	return "queue:" + q.name + ":task:" + id
}

// Enqueue adds a task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload interface{}) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal %s payload: %w", taskType, err)
		}
		raw = b
	}

	task := Task{ID: uuid.NewString(), Type: taskType, Payload: raw, EnqueuedAt: q.now().UTC()}
	entry, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	q.setStatus(ctx, pipe, task, StatePending, "", nil)
	pipe.LPush(ctx, q.readyKey(), entry)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	metrics.QueueTasks.WithLabelValues(taskType, "enqueued").Inc()
	return task.ID, nil
}

// Dequeue promotes due retries and then claims the oldest ready task.
// It returns nil, nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Delivery, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey(), q.readyKey()}, now, 100).Err(); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}

	raw, err := q.rdb.LMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// poison entry; drop it so it cannot wedge the queue
		q.rdb.LRem(ctx, q.processingKey(), 1, raw)
		return nil, fmt.Errorf("decode task: %w", err)
	}

	pipe := q.rdb.Pipeline()
	q.setStatus(ctx, pipe, task, StateRunning, "", nil)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	return &Delivery{Task: task, raw: raw}, nil
}

// Ack completes a delivery and records its result.
func (q *Queue) Ack(ctx context.Context, d *Delivery, result interface{}) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		raw = b
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.raw)
	q.setStatus(ctx, pipe, d.Task, StateSucceeded, "", raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.Task.ID, err)
	}
	metrics.QueueTasks.WithLabelValues(d.Task.Type, "succeeded").Inc()
	return nil
}

// Nack fails a delivery. Retryable failures are rescheduled with backoff
// until MaxAttempts is reached; everything else is terminal.
func (q *Queue) Nack(ctx context.Context, d *Delivery, cause error, retryable bool) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	next := d.Task
	next.Attempt++

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, d.raw)

	event := "failed"
	if retryable && next.Attempt < q.maxAttempts {
		entry, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal retry: %w", err)
		}
		due := q.now().Add(q.retryDelay(next.Attempt))
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: entry})
		q.setStatus(ctx, pipe, next, StateRetrying, msg, nil)
		event = "retried"
	} else {
		q.setStatus(ctx, pipe, next, StateFailed, msg, nil)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack %s: %w", d.Task.ID, err)
	}
	metrics.QueueTasks.WithLabelValues(d.Task.Type, event).Inc()
	return nil
}

// retryDelay returns the wait before the given attempt (1-based).
func (q *Queue) retryDelay(attempt int) time.Duration {
	b := q.newBackOff()
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return 0
	}
	return d
}

// Recover moves every entry in the processing list back to ready. Call it
// before consumers start; entries left there belong to a crashed worker.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		raw, err := q.rdb.LMove(ctx, q.processingKey(), q.readyKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover: %w", err)
		}
		n++
		var task Task
		if json.Unmarshal([]byte(raw), &task) == nil {
			metrics.QueueTasks.WithLabelValues(task.Type, "recovered").Inc()
		}
	}
	return n, nil
}

// Status returns the status of a task.
func (q *Queue) Status(ctx context.Context, id string) (*TaskStatus, error) {
	vals, err := q.rdb.HGetAll(ctx, q.statusKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("task status: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrTaskNotFound
	}

	st := &TaskStatus{
		ID:        id,
		Type:      vals["type"],
		State:     State(vals["state"]),
		LastError: vals["last_error"],
	}
	st.Attempts, _ = strconv.Atoi(vals["attempts"])
	if r := vals["result"]; r != "" {
		st.Result = json.RawMessage(r)
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		st.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return st, nil
}

// Depth reports the length of the ready and processing lists and the
// delayed set, and publishes them as gauges.
func (q *Queue) Depth(ctx context.Context) (map[string]int64, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	processing := pipe.LLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	out := map[string]int64{
		"ready":      ready.Val(),
		"processing": processing.Val(),
		"delayed":    delayed.Val(),
	}
	for k, v := range out {
		metrics.QueueDepth.WithLabelValues(k).Set(float64(v))
	}
	return out, nil
}

func (q *Queue) setStatus(ctx context.Context, pipe redis.Pipeliner, task Task, state State, lastError string, result json.RawMessage) {
	key := q.statusKey(task.ID)
	fields := map[string]interface{}{
		"type":       task.Type,
		"state":      string(state),
		"attempts":   task.Attempt,
		"updated_at": q.now().UnixMilli(),
	}
	if lastError != "" {
		fields["last_error"] = lastError
	}
	if result != nil {
		fields["result"] = string(result)
	}
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, q.statusTTL)
}
