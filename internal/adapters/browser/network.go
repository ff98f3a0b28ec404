package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
)

// netTracker counts in-flight requests from CDP network events.
type netTracker struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	last     time.Time
	now      func() time.Time
}

func newNetTracker() *netTracker {
	return &netTracker{
		inflight: make(map[string]struct{}),
		last:     time.Now(),
		now:      time.Now,
	}
}

func (t *netTracker) handle(ev any) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.started(string(ev.RequestID))
	case *network.EventLoadingFinished:
		t.finished(string(ev.RequestID))
	case *network.EventLoadingFailed:
		t.finished(string(ev.RequestID))
	}
}

func (t *netTracker) started(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.last = t.now()
}

func (t *netTracker) finished(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	t.last = t.now()
}

// idle reports whether nothing has been in flight for at least quiet.
func (t *netTracker) idle(quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.last) >= quiet
}

// waitIdle blocks until the network has been idle for quiet, or returns
// context.DeadlineExceeded after timeout.
func (t *netTracker) waitIdle(ctx context.Context, quiet, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := quiet / 5
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if t.idle(quiet) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
