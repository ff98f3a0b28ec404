package httpadapter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	api "cookiescan/internal/api"
	"cookiescan/internal/domain"
)

// TenantHeader carries the tenant id injected by the gateway.
const TenantHeader = "X-Internal-Org-Id"

type tenantKey struct{}

// WithTenant stores the tenant id on ctx.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantKey{}, id)
}

// TenantFromContext returns the tenant id, or the unassigned tenant.
func TenantFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(tenantKey{}).(uuid.UUID); ok {
		return id
	}
	return domain.UnassignedTenant
}

// resolveTenant reads TenantHeader. A missing or malformed value resolves to
// the unassigned tenant.
func resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := domain.UnassignedTenant
		if v := r.Header.Get(TenantHeader); v != "" {
			if id, err := uuid.Parse(v); err == nil {
				tenant = id
			}
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// rateLimit applies the per-tenant bucket to scan creation only.
func (s *Server) rateLimit(f api.StrictHandlerFunc, operationID string) api.StrictHandlerFunc {
	if s.limiter == nil || operationID != "CreateScan" {
		return f
	}
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request, request interface{}) (interface{}, error) {
		if !s.limiter.allow(TenantFromContext(ctx)) {
			s.metrics.IncRejected()
			return api.CreateScan429JSONResponse{
				Body:    api.Error{Error: "rate limit exceeded"},
				Headers: api.CreateScan429ResponseHeaders{RetryAfter: 1},
			}, nil
		}
		return f(ctx, w, r, request)
	}
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// tenantLimiter keeps one token bucket per tenant. Buckets idle for longer
// than idleTTL are dropped once the map grows past maxTenants.
type tenantLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	buckets map[uuid.UUID]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

const (
	maxTenants = 10000
	idleTTL    = 10 * time.Minute
)

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	if burst < 1 {
		burst = 1
	}
	return &tenantLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[uuid.UUID]*bucket),
		now:     time.Now,
	}
}

func (l *tenantLimiter) allow(tenant uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[tenant]
	if !ok {
		if len(l.buckets) >= maxTenants {
			l.evict(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[tenant] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func (l *tenantLimiter) evict(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.seen) > idleTTL {
			delete(l.buckets, id)
		}
	}
}
