// Package memory is an in-process scan repository. It backs one-shot CLI
// scans and tests; state is lost on exit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cookiescan/internal/domain"
)

type Store struct {
	mu      sync.RWMutex
	scans   map[uuid.UUID]domain.Scan
	cookies map[uuid.UUID][]domain.CookieRecord
	now     func() time.Time
}

func New() *Store {
	return &Store{
		scans:   make(map[uuid.UUID]domain.Scan),
		cookies: make(map[uuid.UUID][]domain.CookieRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) InsertScan(_ context.Context, scan domain.Scan) (domain.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[scan.ID]; ok {
		return domain.Scan{}, fmt.Errorf("scan %s already exists", scan.ID)
	}
	now := s.now()
	if scan.Status == "" {
		scan.Status = domain.StatusPending
	}
	scan.CreatedAt = now
	scan.UpdatedAt = now
	scan.StartedAt, scan.CompletedAt, scan.Error = nil, nil, nil
	s.scans[scan.ID] = scan
	return scan, nil
}

func (s *Store) UpdateScanStatus(_ context.Context, id uuid.UUID, update domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(id, update)
}

func (s *Store) WriteCookiesAtomic(_ context.Context, scanID uuid.UUID, update domain.StatusUpdate, cookies []domain.CookieRecord) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, update.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(cookies))
	for _, c := range cookies {
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("duplicate cookie id %s", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	if err := s.apply(scanID, update); err != nil {
		return err
	}
	batch := make([]domain.CookieRecord, len(cookies))
	copy(batch, cookies)
	for i := range batch {
		batch[i].ScanID = scanID
	}
	s.cookies[scanID] = batch
	return nil
}

// apply must be called with mu held.
func (s *Store) apply(id uuid.UUID, update domain.StatusUpdate) error {
	scan, ok := s.scans[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !scan.Status.CanTransition(update.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, scan.Status, update.Status)
	}
	scan.Status = update.Status
	scan.Error = update.Error
	if update.StartedAt != nil {
		scan.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		scan.CompletedAt = update.CompletedAt
	}
	if update.EvidenceURL != nil {
		scan.EvidenceURL = update.EvidenceURL
	}
	scan.UpdatedAt = update.UpdatedAt
	if scan.UpdatedAt.IsZero() {
		scan.UpdatedAt = s.now()
	}
	s.scans[id] = scan
	return nil
}

func (s *Store) GetScan(_ context.Context, id uuid.UUID) (domain.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[id]
	if !ok {
		return domain.Scan{}, domain.ErrNotFound
	}
	return scan, nil
}

func (s *Store) ListScans(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Scan{}
	for _, scan := range s.scans {
		if scan.TenantID == tenantID {
			out = append(out, scan)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return page(out, limit, offset), nil
}

func (s *Store) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Scan{}
	for _, scan := range s.scans {
		if scan.Status == domain.StatusPending && scan.CreatedAt.Before(cutoff) {
			out = append(out, scan)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func (s *Store) GetCookies(_ context.Context, scanID uuid.UUID) ([]domain.CookieRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cookiesOf(scanID), nil
}

// GetScanWithCookies reads the scan and its cookies under one lock.
func (s *Store) GetScanWithCookies(_ context.Context, id uuid.UUID) (domain.Scan, []domain.CookieRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[id]
	if !ok {
		return domain.Scan{}, nil, domain.ErrNotFound
	}
	return scan, s.cookiesOf(id), nil
}

func (s *Store) cookiesOf(scanID uuid.UUID) []domain.CookieRecord {
	out := make([]domain.CookieRecord, len(s.cookies[scanID]))
	copy(out, s.cookies[scanID])
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Store) Ping(context.Context) error { return nil }

func page(in []domain.Scan, limit, offset int) []domain.Scan {
	if offset >= len(in) {
		return []domain.Scan{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
