package scanrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"cookiescan/internal/domain"
	"cookiescan/internal/ports"
)

// ScanProcessor performs the scan work for a job.
type ScanProcessor interface {
	Process(ctx context.Context, job ports.ScanJob) error
}

// PendingSource lists scans that were accepted but never dispatched.
type PendingSource interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error)
}

var ErrPoolClosed = errors.New("scan pool closed")

// Pool runs submitted jobs in the background with at most concurrency
// processors active at once. Submit never blocks; jobs beyond the limit wait
// for a slot in their own goroutine.
type Pool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	started   chan struct{}
	processor ScanProcessor
	runCtx    context.Context
	cancelRun context.CancelFunc
	queueCtx  context.Context
	dropQueue context.CancelFunc

	mu     sync.Mutex
	closed bool
	active map[uuid.UUID]struct{}
	wg     sync.WaitGroup
}

func NewPool(concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		logger:  logger.With("component", "scanrunner"),
		started: make(chan struct{}),
		active:  make(map[uuid.UUID]struct{}),
	}
}

// Start binds the processor and releases any jobs submitted before it. Runs
// use a context detached from ctx cancellation; Stop controls their lifetime.
// Start is a no-op once the pool has been started or stopped.
func (p *Pool) Start(ctx context.Context, processor ScanProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case <-p.started:
		return
	default:
	}
	p.processor = processor
	p.runCtx, p.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	p.queueCtx, p.dropQueue = context.WithCancel(p.runCtx)
	close(p.started)
}

// Submit schedules job. A job whose scan is already queued or running is
// dropped silently.
func (p *Pool) Submit(job ports.ScanJob) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, dup := p.active[job.ScanID]; dup {
		p.mu.Unlock()
		p.logger.Debug("scan already scheduled", "scan_id", job.ScanID)
		return nil
	}
	p.active[job.ScanID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(job)
	return nil
}

func (p *Pool) run(job ports.ScanJob) {
	defer p.wg.Done()
	defer p.release(job.ScanID)

	<-p.started
	if p.processor == nil {
		return
	}
	if err := p.sem.Acquire(p.queueCtx, 1); err != nil {
		p.logger.Info("queued scan dropped on shutdown", "scan_id", job.ScanID)
		return
	}
	defer p.sem.Release(1)

	if err := safeProcess(p.runCtx, p.processor, job); err != nil {
		p.logger.Error("scan job failed", "scan_id", job.ScanID, "error", err)
	}
}

func (p *Pool) release(id uuid.UUID) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// Stop rejects new jobs, drops jobs still waiting for a slot and waits for
// running jobs until ctx is done, at which point their context is cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	select {
	case <-p.started:
		p.dropQueue()
	default:
		close(p.started)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if p.cancelRun != nil {
			p.cancelRun()
		}
		return nil
	case <-ctx.Done():
		if p.cancelRun != nil {
			p.cancelRun()
		}
		return ctx.Err()
	}
}

// Recover periodically re-submits pending scans older than grace, covering
// dispatches lost to a restart. It returns when ctx is done or the pool closes.
func (p *Pool) Recover(ctx context.Context, src PendingSource, interval, grace time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.sweep(ctx, src, grace); err != nil {
			if errors.Is(err, ErrPoolClosed) {
				return
			}
			p.logger.Error("pending scan sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) sweep(ctx context.Context, src PendingSource, grace time.Duration) error {
	scans, err := src.ListStalePending(ctx, time.Now().Add(-grace), 100)
	if err != nil {
		return err
	}
	for _, s := range scans {
		if err := p.Submit(ports.ScanJob{ScanID: s.ID, URL: s.URL}); err != nil {
			return err
		}
	}
	if len(scans) > 0 {
		p.logger.Info("re-dispatched pending scans", "count", len(scans))
	}
	return nil
}

// ProcessInline runs a single job synchronously with the same panic
// protection as the background workers.
func ProcessInline(ctx context.Context, processor ScanProcessor, job ports.ScanJob) error {
	return safeProcess(ctx, processor, job)
}

func safeProcess(ctx context.Context, processor ScanProcessor, job ports.ScanJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return processor.Process(ctx, job)
}
