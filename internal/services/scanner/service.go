package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"cookiescan/internal/domain"
	"cookiescan/internal/metrics"
	"cookiescan/internal/ports"
	"cookiescan/internal/services/classifier"
)

const MaxListLimit = 50

type Service struct {
	scans      ports.ScanRepository
	engine     ports.CaptureEngine
	dispatcher ports.Dispatcher
	evidence   ports.EvidenceStore
	metrics    *metrics.Scans
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithEvidence(store ports.EvidenceStore) Option {
	return func(s *Service) { s.evidence = store }
}

func WithMetrics(m *metrics.Scans) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(scans ports.ScanRepository, engine ports.CaptureEngine, dispatcher ports.Dispatcher, opts ...Option) *Service {
	s := &Service{
		scans:      scans,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scanner")
	return s
}

// Create stores a pending scan and hands it to the dispatcher. It returns as
// soon as the row exists.
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, rawurl string) (domain.Scan, error) {
	target, site, err := normalizeTarget(rawurl)
	if err != nil {
		return domain.Scan{}, err
	}
	scan, err := s.scans.InsertScan(ctx, domain.Scan{
		ID:       uuid.New(),
		TenantID: tenantID,
		URL:      target,
		Site:     site,
		Status:   domain.StatusPending,
	})
	if err != nil {
		return domain.Scan{}, err
	}
	s.metrics.IncCreated()

	if err := s.dispatcher.Submit(ports.ScanJob{ScanID: scan.ID, URL: scan.URL}); err != nil {
		s.logger.Warn("scan left pending, dispatch refused", "scan_id", scan.ID, "error", err)
	}
	s.logger.Info("scan created", "scan_id", scan.ID, "tenant_id", tenantID, "url", scan.URL)
	return scan, nil
}

func normalizeTarget(rawurl string) (string, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawurl))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: scheme must be http or https", domain.ErrInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("%w: missing host", domain.ErrInvalidURL)
	}
	return u.String(), registrableDomain(host), nil
}

// registrableDomain returns eTLD+1 for host, or host itself for IPs,
// localhost and other names without a public suffix match.
func registrableDomain(host string) string {
	host = strings.ToLower(strings.TrimPrefix(host, "."))
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return registrable
}

// Process implements scanrunner.ScanProcessor.
func (s *Service) Process(ctx context.Context, job ports.ScanJob) error {
	return s.Run(ctx, job.ScanID, job.URL)
}

// Run executes one scan: claim it, capture, classify and write the terminal
// status together with the cookie batch. Capture failures end in a failed
// scan; only persistence errors are returned.
func (s *Service) Run(ctx context.Context, scanID uuid.UUID, target string) error {
	log := s.logger.With("scan_id", scanID)

	started := s.now()
	err := s.scans.UpdateScanStatus(ctx, scanID, domain.StatusUpdate{
		Status:    domain.StatusRunning,
		StartedAt: &started,
		UpdatedAt: started,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Info("scan already claimed, skipping", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark scan running: %w", err)
	}
	done := s.metrics.TrackRun()
	log.Info("scan running", "url", target)

	capture, captureErr := s.capture(ctx, target)
	errText := captureErr
	if errText == "" {
		errText = capture.NavigationError
	}

	scan, err := s.scans.GetScan(ctx, scanID)
	if err != nil {
		scan = domain.Scan{ID: scanID, URL: target}
	}
	site := scan.Site
	if site == "" {
		if _, derived, err := normalizeTarget(target); err == nil {
			site = derived
		}
	}
	records := s.classify(scanID, site, capture.Cookies)

	update := domain.StatusUpdate{Status: domain.StatusCompleted}
	if errText != "" {
		update.Status = domain.StatusFailed
		update.Error = &errText
	}
	if s.evidence != nil {
		loc, err := s.evidence.PutCookieJar(ctx, scan, capture.Cookies)
		if err != nil {
			log.Warn("evidence upload failed", "error", err)
		} else {
			update.EvidenceURL = &loc
		}
	}
	finished := s.now()
	update.CompletedAt = &finished
	update.UpdatedAt = finished

	if err := s.scans.WriteCookiesAtomic(context.WithoutCancel(ctx), scanID, update, records); err != nil {
		log.Error("terminal write failed, scan left running", "error", err)
		done(domain.StatusRunning)
		return fmt.Errorf("failed to persist scan result: %w", err)
	}
	done(update.Status)
	s.metrics.ObserveCookies(records)

	if update.Status == domain.StatusFailed {
		log.Warn("scan failed", "error", errText, "cookies", len(records))
	} else {
		log.Info("scan completed", "cookies", len(records))
	}
	return nil
}

// capture calls the engine and folds engine errors and panics into a
// non-empty error text.
func (s *Service) capture(ctx context.Context, target string) (capture domain.Capture, errText string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("capture engine panic", "url", target, "panic", r)
			errText = fmt.Sprintf("capture engine panic: %v", r)
		}
	}()
	capture, err := s.engine.Capture(ctx, target)
	if err != nil {
		errText = err.Error()
		if errText == "" {
			errText = "capture engine failed"
		}
	}
	return capture, errText
}

func (s *Service) classify(scanID uuid.UUID, site string, jar []domain.RawCookie) []domain.CookieRecord {
	out := make([]domain.CookieRecord, 0, len(jar))
	for _, c := range jar {
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, domain.CookieRecord{
			ID:          uuid.New(),
			ScanID:      scanID,
			Name:        c.Name,
			Domain:      c.Domain,
			Path:        path,
			Value:       c.Value,
			Expiration:  c.Expiration(),
			Secure:      c.Secure,
			HTTPOnly:    c.HTTPOnly,
			SameSite:    c.SameSite,
			Source:      domain.CookieSource,
			Category:    classifier.Categorize(c.Name),
			Description: domain.CookieDescription,
			FirstParty:  site != "" && c.Domain != "" && registrableDomain(c.Domain) == site,
		})
	}
	return out
}

// Get returns a scan with its cookies. Scans of other tenants are reported
// as not found.
func (s *Service) Get(ctx context.Context, tenantID, scanID uuid.UUID) (domain.Scan, []domain.CookieRecord, error) {
	scan, cookies, err := s.scans.GetScanWithCookies(ctx, scanID)
	if err != nil {
		return domain.Scan{}, nil, err
	}
	if scan.TenantID != tenantID {
		return domain.Scan{}, nil, domain.ErrNotFound
	}
	return scan, cookies, nil
}

// List returns the newest scans of a tenant. limit is clamped to
// 1..MaxListLimit, defaulting to the maximum.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Scan, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.scans.ListScans(ctx, tenantID, limit, offset)
}
