package scanrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookiescan/internal/domain"
	"cookiescan/internal/logging"
	"cookiescan/internal/ports"
)

type processorFunc func(ctx context.Context, job ports.ScanJob) error

func (f processorFunc) Process(ctx context.Context, job ports.ScanJob) error { return f(ctx, job) }

func job() ports.ScanJob { return ports.ScanJob{ScanID: uuid.New(), URL: "https://example.com"} }

func TestPoolBoundsConcurrency(t *testing.T) {
	var running, peak, total atomic.Int32
	proc := processorFunc(func(ctx context.Context, _ ports.ScanJob) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		total.Add(1)
		return nil
	})

	p := NewPool(3, logging.Discard())
	p.Start(context.Background(), proc)
	for i := 0; i < 12; i++ {
		require.NoError(t, p.Submit(job()))
	}

	require.Eventually(t, func() bool { return total.Load() == 12 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(waitCtx(t)))
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPoolSubmitDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	proc := processorFunc(func(context.Context, ports.ScanJob) error {
		<-release
		return nil
	})
	p := NewPool(1, logging.Discard())
	p.Start(context.Background(), proc)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = p.Submit(job())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while workers were busy")
	}
	close(release)
	require.NoError(t, p.Stop(waitCtx(t)))
}

func TestPoolRunsEveryJobBeforeStop(t *testing.T) {
	var mu sync.Mutex
	seen := map[uuid.UUID]bool{}
	proc := processorFunc(func(_ context.Context, j ports.ScanJob) error {
		mu.Lock()
		seen[j.ScanID] = true
		mu.Unlock()
		return nil
	})
	p := NewPool(2, logging.Discard())
	p.Start(context.Background(), proc)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		j := job()
		ids = append(ids, j.ScanID)
		require.NoError(t, p.Submit(j))
	}
	// let queued jobs reach the semaphore before Stop drops the queue
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(ids)
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop(waitCtx(t)))
	for _, id := range ids {
		assert.True(t, seen[id])
	}
}

func TestPoolDedupesActiveScan(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	proc := processorFunc(func(context.Context, ports.ScanJob) error {
		calls.Add(1)
		<-release
		return nil
	})
	p := NewPool(4, logging.Discard())
	p.Start(context.Background(), proc)

	j := job()
	require.NoError(t, p.Submit(j))
	require.NoError(t, p.Submit(j))
	require.NoError(t, p.Submit(j))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, p.Stop(waitCtx(t)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoolSubmitBeforeStart(t *testing.T) {
	ran := make(chan uuid.UUID, 1)
	p := NewPool(1, logging.Discard())

	j := job()
	require.NoError(t, p.Submit(j))
	p.Start(context.Background(), processorFunc(func(_ context.Context, j ports.ScanJob) error {
		ran <- j.ScanID
		return nil
	}))

	select {
	case id := <-ran:
		assert.Equal(t, j.ScanID, id)
	case <-time.After(time.Second):
		t.Fatal("job submitted before Start never ran")
	}
	require.NoError(t, p.Stop(waitCtx(t)))
}

func TestPoolRecoversPanics(t *testing.T) {
	var calls atomic.Int32
	proc := processorFunc(func(_ context.Context, j ports.ScanJob) error {
		if calls.Add(1) == 1 {
			panic("browser exploded")
		}
		return nil
	})
	p := NewPool(1, logging.Discard())
	p.Start(context.Background(), proc)

	require.NoError(t, p.Submit(job()))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Submit(job()))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(waitCtx(t)))
}

func TestPoolClosed(t *testing.T) {
	p := NewPool(1, logging.Discard())
	p.Start(context.Background(), processorFunc(func(context.Context, ports.ScanJob) error { return nil }))
	require.NoError(t, p.Stop(waitCtx(t)))

	assert.ErrorIs(t, p.Submit(job()), ErrPoolClosed)
}

func TestPoolStartAfterStopIsNoop(t *testing.T) {
	var calls atomic.Int32
	proc := processorFunc(func(context.Context, ports.ScanJob) error {
		calls.Add(1)
		return nil
	})
	p := NewPool(1, logging.Discard())
	require.NoError(t, p.Stop(waitCtx(t)))

	assert.NotPanics(t, func() { p.Start(context.Background(), proc) })
	assert.ErrorIs(t, p.Submit(job()), ErrPoolClosed)
	assert.Zero(t, calls.Load())
}

func TestPoolStartTwice(t *testing.T) {
	var first, second atomic.Int32
	p := NewPool(1, logging.Discard())
	p.Start(context.Background(), processorFunc(func(context.Context, ports.ScanJob) error {
		first.Add(1)
		return nil
	}))
	assert.NotPanics(t, func() {
		p.Start(context.Background(), processorFunc(func(context.Context, ports.ScanJob) error {
			second.Add(1)
			return nil
		}))
	})

	require.NoError(t, p.Submit(job()))
	require.Eventually(t, func() bool { return first.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(waitCtx(t)))
	assert.Zero(t, second.Load())
}

func TestPoolStopTimesOut(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, _ ports.ScanJob) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := NewPool(1, logging.Discard())
	p.Start(context.Background(), proc)
	require.NoError(t, p.Submit(job()))
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}

type pendingFunc func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error)

func (f pendingFunc) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	return f(ctx, cutoff, limit)
}

func TestRecoverResubmitsStalePending(t *testing.T) {
	stale := domain.Scan{ID: uuid.New(), URL: "https://stale.example", Status: domain.StatusPending}
	var sweeps atomic.Int32
	src := pendingFunc(func(_ context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
		assert.True(t, cutoff.Before(time.Now().Add(-time.Minute+time.Second)))
		assert.Equal(t, 100, limit)
		if sweeps.Add(1) == 2 {
			return nil, errors.New("db down")
		}
		return []domain.Scan{stale}, nil
	})

	got := make(chan ports.ScanJob, 10)
	p := NewPool(2, logging.Discard())
	p.Start(context.Background(), processorFunc(func(_ context.Context, j ports.ScanJob) error {
		select {
		case got <- j:
		default:
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Recover(ctx, src, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	select {
	case j := <-got:
		assert.Equal(t, stale.ID, j.ScanID)
		assert.Equal(t, stale.URL, j.URL)
	case <-time.After(time.Second):
		t.Fatal("stale scan was not re-dispatched")
	}
	require.Eventually(t, func() bool { return sweeps.Load() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, p.Stop(waitCtx(t)))
}

func TestRecoverDisabled(t *testing.T) {
	p := NewPool(1, logging.Discard())
	p.Recover(context.Background(), pendingFunc(func(context.Context, time.Time, int) ([]domain.Scan, error) {
		t.Fatal("should not sweep")
		return nil, nil
	}), 0, time.Minute)
}

func TestProcessInline(t *testing.T) {
	err := ProcessInline(context.Background(), processorFunc(func(context.Context, ports.ScanJob) error {
		panic("boom")
	}), job())
	assert.ErrorContains(t, err, "boom")

	err = ProcessInline(context.Background(), processorFunc(func(context.Context, ports.ScanJob) error {
		return nil
	}), job())
	assert.NoError(t, err)
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
