package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/fandom-ingest/internal/ingest"
	"github.com/ignite/fandom-ingest/internal/pkg/distlock"
	"github.com/ignite/fandom-ingest/internal/queue"
	"github.com/ignite/fandom-ingest/internal/remote"
)

// Task types
const (
	TaskRemoteCheck = "remote_check"
	TaskProcessFile = "process_file"
)

// Enqueuer is the producer side of the task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}) (string, error)
}

// QueueDispatcher schedules each new file as its own process_file task so
// files are retried independently.
type QueueDispatcher struct {
	Queue Enqueuer
}

// Dispatch enqueues f.
func (d QueueDispatcher) Dispatch(ctx context.Context, f remote.FileDescriptor) error {
	_, err := d.Queue.Enqueue(ctx, TaskProcessFile, f)
	return err
}

// RemoteIngester ingests one remote file. *ingest.Ingester satisfies it.
type RemoteIngester interface {
	IngestRemote(ctx context.Context, f remote.FileDescriptor) (*ingest.Result, error)
}

// DirectDispatcher ingests files inline. Used when no queue is configured.
type DirectDispatcher struct {
	Ingester        RemoteIngester
	DownloadTimeout time.Duration
}

// Dispatch ingests f before returning.
func (d DirectDispatcher) Dispatch(ctx context.Context, f remote.FileDescriptor) error {
	if d.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.DownloadTimeout)
		defer cancel()
	}
	_, err := d.Ingester.IngestRemote(ctx, f)
	return err
}

// CheckResult is the stored result of a remote_check task.
type CheckResult struct {
	Status   string                  `json:"status"`
	NewFiles []remote.FileDescriptor `json:"new_files"`
}

// RemoteCheckHandler runs one locked poll cycle.
func RemoteCheckHandler(p *Poller) Handler {
	return func(ctx context.Context, _ queue.Task) (interface{}, error) {
		fresh, err := p.Cycle(ctx)
		if errors.Is(err, distlock.ErrNotHeld) {
			return CheckResult{Status: "skipped"}, nil
		}
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			fresh = []remote.FileDescriptor{}
		}
		return CheckResult{Status: "ok", NewFiles: fresh}, nil
	}
}

// ProcessFileHandler ingests the file described by the task payload.
func ProcessFileHandler(in RemoteIngester, downloadTimeout time.Duration) Handler {
	return func(ctx context.Context, task queue.Task) (interface{}, error) {
		var f remote.FileDescriptor
		if err := json.Unmarshal(task.Payload, &f); err != nil {
			return nil, permanent(fmt.Errorf("decode %s payload: %w", task.Type, err))
		}
		if downloadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, downloadTimeout)
			defer cancel()
		}
		return in.IngestRemote(ctx, f)
	}
}
