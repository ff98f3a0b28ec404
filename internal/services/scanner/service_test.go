package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookiescan/internal/adapters/memory"
	"cookiescan/internal/domain"
	"cookiescan/internal/logging"
	"cookiescan/internal/metrics"
	"cookiescan/internal/ports"
	"cookiescan/internal/workers/scanrunner"
)

var _ ports.Scanner = (*Service)(nil)
var _ scanrunner.ScanProcessor = (*Service)(nil)

type engineFunc func(ctx context.Context, url string) (domain.Capture, error)

func (f engineFunc) Capture(ctx context.Context, url string) (domain.Capture, error) { return f(ctx, url) }

// recordingDispatcher keeps submitted jobs without running them.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []ports.ScanJob
	err  error
}

func (d *recordingDispatcher) Submit(job ports.ScanJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return d.err
}

type failingWrites struct {
	*memory.Store
}

func (failingWrites) WriteCookiesAtomic(context.Context, uuid.UUID, domain.StatusUpdate, []domain.CookieRecord) error {
	return errors.New("connection refused")
}

type evidenceFunc func(ctx context.Context, scan domain.Scan, cookies []domain.RawCookie) (string, error)

func (f evidenceFunc) PutCookieJar(ctx context.Context, scan domain.Scan, cookies []domain.RawCookie) (string, error) {
	return f(ctx, scan, cookies)
}

func gaEngine(expires float64) engineFunc {
	return func(context.Context, string) (domain.Capture, error) {
		return domain.Capture{Cookies: []domain.RawCookie{
			{Name: "_ga", Value: "GA1.1", Domain: ".example.com", Path: "/", Expires: expires},
		}}, nil
	}
}

func newService(t *testing.T, repo ports.ScanRepository, engine ports.CaptureEngine, opts ...Option) (*Service, *recordingDispatcher) {
	t.Helper()
	d := &recordingDispatcher{}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(repo, engine, d, opts...), d
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc, d := newService(t, store, gaEngine(0))
	tenant := uuid.New()

	scan, err := svc.Create(ctx, tenant, " https://www.example.co.uk/page?q=1 ")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, scan.Status)
	assert.Equal(t, tenant, scan.TenantID)
	assert.Equal(t, "https://www.example.co.uk/page?q=1", scan.URL)
	assert.Equal(t, "example.co.uk", scan.Site)
	assert.Nil(t, scan.StartedAt)
	assert.Nil(t, scan.CompletedAt)

	require.Len(t, d.jobs, 1)
	assert.Equal(t, ports.ScanJob{ScanID: scan.ID, URL: scan.URL}, d.jobs[0])

	stored, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestCreateRejectsInvalidURL(t *testing.T) {
	svc, d := newService(t, memory.New(), gaEngine(0))
	for _, raw := range []string{"", "example.com", "ftp://example.com", "https://", "http://%zz"} {
		_, err := svc.Create(context.Background(), uuid.Nil, raw)
		assert.ErrorIs(t, err, domain.ErrInvalidURL, raw)
	}
	assert.Empty(t, d.jobs)
}

func TestCreateKeepsScanWhenDispatchRefused(t *testing.T) {
	store := memory.New()
	svc, d := newService(t, store, gaEngine(0))
	d.err = scanrunner.ErrPoolClosed

	scan, err := svc.Create(context.Background(), uuid.Nil, "https://example.com")
	require.NoError(t, err)

	stored, err := store.GetScan(context.Background(), scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestRunCompletesWithClassifiedCookies(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	future := float64(time.Now().Add(24 * time.Hour).Unix())
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc, _ := newService(t, store, gaEngine(future), WithMetrics(m))

	scan, err := svc.Create(ctx, uuid.Nil, "https://www.example.com")
	require.NoError(t, err)
	require.NoError(t, svc.Run(ctx, scan.ID, scan.URL))

	got, cookies, err := svc.Get(ctx, uuid.Nil, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))

	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, "_ga", c.Name)
	assert.Equal(t, domain.CategoryAnalytics, c.Category)
	assert.Equal(t, domain.CookieSource, c.Source)
	assert.Equal(t, domain.CookieDescription, c.Description)
	assert.NotNil(t, c.Expiration)
	assert.True(t, c.FirstParty)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Finished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cookies.WithLabelValues("Analytics")))
}

func TestRunMapsCookieDefaults(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := engineFunc(func(context.Context, string) (domain.Capture, error) {
		return domain.Capture{Cookies: []domain.RawCookie{
			{Name: "IDE", Domain: ".doubleclick.net", Expires: -1},
			{Name: "mystery", Domain: "example.com", Path: "/app"},
		}}, nil
	})
	svc, _ := newService(t, store, engine)

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, svc.Run(ctx, scan.ID, scan.URL))

	cookies, err := store.GetCookies(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, cookies, 2)

	ide, mystery := cookies[0], cookies[1]
	assert.Equal(t, domain.CategoryMarketing, ide.Category)
	assert.Equal(t, "/", ide.Path)
	assert.Nil(t, ide.Expiration)
	assert.False(t, ide.FirstParty)

	assert.Equal(t, domain.CategoryUnknown, mystery.Category)
	assert.Equal(t, "/app", mystery.Path)
	assert.True(t, mystery.FirstParty)
}

func TestRunNavigationErrorKeepsCookies(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := engineFunc(func(context.Context, string) (domain.Capture, error) {
		return domain.Capture{
			Cookies:         []domain.RawCookie{{Name: "__cf_bm", Domain: "example.com"}, {Name: "cf_clearance", Domain: "example.com"}},
			NavigationError: "navigation timeout of 1m0s exceeded",
		}, nil
	})
	svc, _ := newService(t, store, engine)

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, svc.Run(ctx, scan.ID, scan.URL))

	got, cookies, err := svc.Get(ctx, uuid.Nil, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "timeout")
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, cookies, 2)
}

func TestRunEngineFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := engineFunc(func(context.Context, string) (domain.Capture, error) {
		return domain.Capture{}, errors.New("failed to start browser: exec: not found")
	})
	svc, _ := newService(t, store, engine)

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, svc.Run(ctx, scan.ID, scan.URL))

	got, cookies, err := svc.Get(ctx, uuid.Nil, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "failed to start browser")
	assert.Empty(t, cookies)
}

func TestRunEnginePanicIsContained(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := engineFunc(func(context.Context, string) (domain.Capture, error) {
		panic("cdp connection reset")
	})
	svc, _ := newService(t, store, engine)

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)
	require.NotPanics(t, func() { require.NoError(t, svc.Run(ctx, scan.ID, scan.URL)) })

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "cdp connection reset")
}

func TestRunEmptyEngineErrorStillFails(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := engineFunc(func(context.Context, string) (domain.Capture, error) {
		return domain.Capture{}, errors.New("")
	})
	svc, _ := newService(t, store, engine)

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, svc.Run(ctx, scan.ID, scan.URL))

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.NotEmpty(t, *got.Error)
}

func TestRunPersistenceFailureLeavesRunning(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	repo := failingWrites{store}
	m := metrics.New(prometheus.NewRegistry())
	svc, _ := newService(t, repo, gaEngine(0), WithMetrics(m))

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)

	err = svc.Run(ctx, scan.ID, scan.URL)
	require.Error(t, err)

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
	cookies, err := store.GetCookies(ctx, scan.ID)
	require.NoError(t, err)
	assert.Empty(t, cookies)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
	assert.Equal(t, 0, testutil.CollectAndCount(m.Finished))
}

func TestRunSkipsAlreadyClaimedScan(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	called := false
	engine := engineFunc(func(context.Context, string) (domain.Capture, error) {
		called = true
		return domain.Capture{}, nil
	})
	svc, _ := newService(t, store, engine)

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, store.UpdateScanStatus(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusRunning}))

	require.NoError(t, svc.Run(ctx, scan.ID, scan.URL))
	assert.False(t, called)
}

func TestRunUnknownScan(t *testing.T) {
	svc, _ := newService(t, memory.New(), gaEngine(0))
	err := svc.Run(context.Background(), uuid.New(), "https://example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunStoresEvidenceLocation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	var uploaded []domain.RawCookie
	ev := evidenceFunc(func(_ context.Context, scan domain.Scan, cookies []domain.RawCookie) (string, error) {
		uploaded = cookies
		return "s3://cookie-evidence/" + scan.ID.String() + ".json", nil
	})
	svc, _ := newService(t, store, gaEngine(0), WithEvidence(ev))

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, svc.Run(ctx, scan.ID, scan.URL))

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EvidenceURL)
	assert.True(t, strings.HasPrefix(*got.EvidenceURL, "s3://cookie-evidence/"))
	assert.Len(t, uploaded, 1)
}

func TestRunEvidenceFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ev := evidenceFunc(func(context.Context, domain.Scan, []domain.RawCookie) (string, error) {
		return "", errors.New("bucket unavailable")
	})
	svc, _ := newService(t, store, gaEngine(0), WithEvidence(ev))

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)
	require.NoError(t, svc.Run(ctx, scan.ID, scan.URL))

	got, err := store.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Nil(t, got.EvidenceURL)
}

func TestGetIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, memory.New(), gaEngine(0))
	tenantA, tenantB := uuid.New(), uuid.New()

	scan, err := svc.Create(ctx, tenantA, "https://example.com")
	require.NoError(t, err)

	_, cookies, err := svc.Get(ctx, tenantA, scan.ID)
	require.NoError(t, err)
	assert.NotNil(t, cookies)

	_, _, err = svc.Get(ctx, tenantB, scan.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = svc.Get(ctx, tenantA, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListClampsAndScopes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, memory.New(), gaEngine(0))
	tenantA, tenantB := uuid.New(), uuid.New()

	for i := 0; i < 55; i++ {
		_, err := svc.Create(ctx, tenantA, "https://a.example.com")
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, tenantB, "https://b.example.com")
	require.NoError(t, err)

	got, err := svc.List(ctx, tenantA, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, MaxListLimit)
	for _, s := range got {
		assert.Equal(t, tenantA, s.TenantID)
	}

	got, err = svc.List(ctx, tenantA, 500, -3)
	require.NoError(t, err)
	assert.Len(t, got, MaxListLimit)

	got, err = svc.List(ctx, tenantB, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tenantB, got[0].TenantID)
}

// Two scans through the real pool: one fails, the other still completes.
func TestConcurrentScansAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	engine := engineFunc(func(_ context.Context, url string) (domain.Capture, error) {
		time.Sleep(10 * time.Millisecond)
		if strings.Contains(url, "broken") {
			return domain.Capture{}, errors.New("net::ERR_CONNECTION_REFUSED")
		}
		return domain.Capture{Cookies: []domain.RawCookie{{Name: "sessionid", Domain: "ok.example.com"}}}, nil
	})
	pool := scanrunner.NewPool(2, logging.Discard())
	svc := New(store, engine, pool, WithLogger(logging.Discard()))
	pool.Start(ctx, svc)

	good, err := svc.Create(ctx, uuid.Nil, "https://ok.example.com")
	require.NoError(t, err)
	bad, err := svc.Create(ctx, uuid.Nil, "https://broken.example.com")
	require.NoError(t, err)

	terminal := func(id uuid.UUID) bool {
		s, err := store.GetScan(ctx, id)
		return err == nil && s.Status.Terminal()
	}
	require.Eventually(t, func() bool { return terminal(good.ID) && terminal(bad.ID) }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(ctx))

	g, gc, err := svc.Get(ctx, uuid.Nil, good.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, g.Status)
	assert.Len(t, gc, 1)

	b, bc, err := svc.Get(ctx, uuid.Nil, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, b.Status)
	assert.Empty(t, bc)
}

// A reader polling during a run never sees a terminal scan without its
// completed_at or with a partial cookie batch.
func TestObservedStatesAreConsistent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	release := make(chan struct{})
	engine := engineFunc(func(context.Context, string) (domain.Capture, error) {
		<-release
		return domain.Capture{Cookies: []domain.RawCookie{{Name: "_ga"}, {Name: "_gid"}, {Name: "lang"}}}, nil
	})
	pool := scanrunner.NewPool(1, logging.Discard())
	svc := New(store, engine, pool, WithLogger(logging.Discard()))
	pool.Start(ctx, svc)

	scan, err := svc.Create(ctx, uuid.Nil, "https://example.com")
	require.NoError(t, err)

	got, _, err := svc.Get(ctx, uuid.Nil, scan.ID)
	require.NoError(t, err)
	assert.Contains(t, []domain.Status{domain.StatusPending, domain.StatusRunning}, got.Status)

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, cookies, err := svc.Get(ctx, uuid.Nil, scan.ID)
		require.NoError(t, err)
		if s.Status.Terminal() {
			assert.Len(t, cookies, 3)
		} else {
			assert.Empty(t, cookies)
		}
		if s.Status.Terminal() {
			require.NotNil(t, s.CompletedAt)
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, pool.Stop(ctx))

	final, cookies, err := svc.Get(ctx, uuid.Nil, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Len(t, cookies, 3)
}
