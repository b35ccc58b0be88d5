package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/fandom-ingest/internal/metrics"
	"github.com/ignite/fandom-ingest/internal/pkg/distlock"
	"github.com/ignite/fandom-ingest/internal/pkg/logger"
	"github.com/ignite/fandom-ingest/internal/remote"
)

// ProcessedIndex reports which remote files are already ingested.
// ingest.UploadStore satisfies it.
type ProcessedIndex interface {
	ProcessedSourceIDs(ctx context.Context, source string) (map[string]struct{}, error)
	ProcessedHashes(ctx context.Context, hashes []string) (map[string]struct{}, error)
}

// Dispatcher hands one new remote file off for ingestion.
type Dispatcher interface {
	Dispatch(ctx context.Context, f remote.FileDescriptor) error
}

// PollerConfig holds configuration for the remote poller
type PollerConfig struct {
	Interval time.Duration
	// Lock serialises poll cycles across replicas. Nil disables locking.
	Lock distlock.DistLock
}

// Poller periodically lists the remote source and dispatches files that
// have not been ingested yet.
type Poller struct {
	source   remote.Source
	index    ProcessedIndex
	dispatch Dispatcher
	lock     distlock.DistLock
	interval time.Duration

	// Stats
	totalPolls    int64
	totalNewFiles int64
	totalErrors   int64

	// Control
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewPoller creates a remote poller
func NewPoller(source remote.Source, index ProcessedIndex, dispatch Dispatcher, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Poller{
		source:   source,
		index:    index,
		dispatch: dispatch,
		lock:     cfg.Lock,
		interval: cfg.Interval,
	}
}

// PollOnce lists the source and dispatches every file that is neither
// known by source id nor by content hash. Dispatch failures are logged and
// counted but do not stop the remaining files. It returns the files that
// were found new, whether or not their dispatch succeeded.
func (p *Poller) PollOnce(ctx context.Context) ([]remote.FileDescriptor, error) {
	atomic.AddInt64(&p.totalPolls, 1)

	files, err := p.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p.source.Name(), err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	seenIDs, err := p.index.ProcessedSourceIDs(ctx, p.source.Name())
	if err != nil {
		return nil, fmt.Errorf("load processed ids: %w", err)
	}

	var hashes []string
	for _, f := range files {
		if f.ContentHash != "" {
			hashes = append(hashes, f.ContentHash)
		}
	}
	seenHashes, err := p.index.ProcessedHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("load processed hashes: %w", err)
	}

	var fresh []remote.FileDescriptor
	for _, f := range files {
		if _, ok := seenIDs[f.ID]; ok {
			continue
		}
		if _, ok := seenHashes[f.ContentHash]; ok && f.ContentHash != "" {
			continue
		}
		fresh = append(fresh, f)
	}

	dispatched := 0
	for _, f := range fresh {
		if ctx.Err() != nil {
			return fresh, ctx.Err()
		}
		if err := p.dispatch.Dispatch(ctx, f); err != nil {
			atomic.AddInt64(&p.totalErrors, 1)
			logger.Error("poller: dispatch failed", "file", f.Name, "id", f.ID, "error", err)
			continue
		}
		dispatched++
	}

	atomic.AddInt64(&p.totalNewFiles, int64(len(fresh)))
	metrics.PollNewFiles.Add(float64(len(fresh)))
	logger.Info("poller: cycle complete",
		"source", p.source.Name(), "listed", len(files), "new", len(fresh), "dispatched", dispatched)
	return fresh, nil
}

// Cycle runs PollOnce under the poll lock. It returns distlock.ErrNotHeld
// when another replica is mid-cycle.
func (p *Poller) Cycle(ctx context.Context) ([]remote.FileDescriptor, error) {
	var fresh []remote.FileDescriptor
	run := func(ctx context.Context) error {
		var err error
		fresh, err = p.PollOnce(ctx)
		return err
	}

	var err error
	if p.lock == nil {
		err = run(ctx)
	} else {
		err = distlock.WithLock(ctx, p.lock, run)
	}

	switch {
	case errors.Is(err, distlock.ErrNotHeld):
		metrics.PollCycles.WithLabelValues("skipped").Inc()
		logger.Debug("poller: cycle skipped, lock held elsewhere")
	case err != nil:
		atomic.AddInt64(&p.totalErrors, 1)
		metrics.PollCycles.WithLabelValues("error").Inc()
	default:
		metrics.PollCycles.WithLabelValues("ok").Inc()
	}
	return fresh, err
}

// Start begins polling in a background goroutine. The first cycle runs
// immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	logger.Info("poller: starting", "source", p.source.Name(), "interval", p.interval)

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop cancels the loop and waits for an in-flight cycle to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	logger.Info("poller: stopped",
		"polls", atomic.LoadInt64(&p.totalPolls),
		"new_files", atomic.LoadInt64(&p.totalNewFiles),
		"errors", atomic.LoadInt64(&p.totalErrors))
}

// Stats returns current polling statistics
func (p *Poller) Stats() map[string]int64 {
	return map[string]int64{
		"total_polls":     atomic.LoadInt64(&p.totalPolls),
		"total_new_files": atomic.LoadInt64(&p.totalNewFiles),
		"total_errors":    atomic.LoadInt64(&p.totalErrors),
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if _, err := p.Cycle(ctx); err != nil && !errors.Is(err, distlock.ErrNotHeld) && ctx.Err() == nil {
		logger.Error("poller: cycle failed", "source", p.source.Name(), "error", err)
	}
}
