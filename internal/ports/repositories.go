package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"cookiescan/internal/domain"
)

// ScanRepository persists scans and their cookie records.
type ScanRepository interface {
	InsertScan(ctx context.Context, scan domain.Scan) (domain.Scan, error)
	// UpdateScanStatus applies a single-row transition. It fails with
	// domain.ErrInvalidTransition when the stored status cannot move to
	// update.Status.
	UpdateScanStatus(ctx context.Context, id uuid.UUID, update domain.StatusUpdate) error
	// WriteCookiesAtomic applies the terminal transition and inserts the whole
	// cookie batch in one transaction.
	WriteCookiesAtomic(ctx context.Context, scanID uuid.UUID, update domain.StatusUpdate, cookies []domain.CookieRecord) error
	GetScan(ctx context.Context, id uuid.UUID) (domain.Scan, error)
	ListScans(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Scan, error)
	GetCookies(ctx context.Context, scanID uuid.UUID) ([]domain.CookieRecord, error)
	// GetScanWithCookies returns a scan and its cookies as of a single
	// point in time.
	GetScanWithCookies(ctx context.Context, id uuid.UUID) (domain.Scan, []domain.CookieRecord, error)
	// ListStalePending returns pending scans created before cutoff, oldest first.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error)
	Ping(ctx context.Context) error
}
