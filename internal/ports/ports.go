package ports

import (
	"context"

	"github.com/google/uuid"

	"cookiescan/internal/domain"
)

// Scanner creates and tracks scans on behalf of a tenant.
type Scanner interface {
	Create(ctx context.Context, tenantID uuid.UUID, url string) (domain.Scan, error)
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Scan, error)
	Get(ctx context.Context, tenantID, scanID uuid.UUID) (domain.Scan, []domain.CookieRecord, error)
}

// CaptureEngine loads a page in an isolated browser session and returns its
// cookie jar. A non-nil error means the session could not be established.
type CaptureEngine interface {
	Capture(ctx context.Context, url string) (domain.Capture, error)
}

// EvidenceStore archives the raw cookie jar of a scan and returns its location.
type EvidenceStore interface {
	PutCookieJar(ctx context.Context, scan domain.Scan, cookies []domain.RawCookie) (string, error)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
