package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cookiescan/internal/domain"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	scan, err := s.InsertScan(ctx, domain.Scan{ID: uuid.New(), TenantID: uuid.Nil, URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, scan.Status)
	assert.False(t, scan.CreatedAt.IsZero())

	_, err = s.InsertScan(ctx, scan)
	assert.Error(t, err)

	require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusRunning}))
	assert.ErrorIs(t, s.UpdateScanStatus(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusRunning}), domain.ErrInvalidTransition)

	cookies := []domain.CookieRecord{
		{ID: uuid.New(), Name: "sessionid", Category: domain.CategoryNecessary},
		{ID: uuid.New(), Name: "_gid", Category: domain.CategoryAnalytics},
		{ID: uuid.New(), Name: "_ga", Category: domain.CategoryAnalytics},
	}
	now := time.Now().UTC()
	require.NoError(t, s.WriteCookiesAtomic(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusCompleted, CompletedAt: &now, UpdatedAt: now}, cookies))

	got, err := s.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, now, *got.CompletedAt)

	stored, err := s.GetCookies(ctx, scan.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, []string{"_ga", "_gid", "sessionid"}, []string{stored[0].Name, stored[1].Name, stored[2].Name})
	for _, c := range stored {
		assert.Equal(t, scan.ID, c.ScanID)
	}

	err = s.WriteCookiesAtomic(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusFailed}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStoreGetScanWithCookies(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, _, err := s.GetScanWithCookies(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	scan, err := s.InsertScan(ctx, domain.Scan{ID: uuid.New(), URL: "https://example.com"})
	require.NoError(t, err)

	got, cookies, err := s.GetScanWithCookies(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.NotNil(t, cookies)
	assert.Empty(t, cookies)

	require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusRunning}))
	now := time.Now().UTC()
	require.NoError(t, s.WriteCookiesAtomic(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusCompleted, CompletedAt: &now, UpdatedAt: now},
		[]domain.CookieRecord{{ID: uuid.New(), Name: "lang"}, {ID: uuid.New(), Name: "_ga", Category: domain.CategoryAnalytics}}))

	got, cookies, err = s.GetScanWithCookies(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.Len(t, cookies, 2)
	assert.Equal(t, "_ga", cookies[0].Name)
}

func TestStoreAtomicWriteRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	scan, err := s.InsertScan(ctx, domain.Scan{ID: uuid.New(), URL: "https://example.com"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusRunning}))

	dup := uuid.New()
	err = s.WriteCookiesAtomic(ctx, scan.ID, domain.StatusUpdate{Status: domain.StatusCompleted}, []domain.CookieRecord{{ID: dup}, {ID: dup}})
	require.Error(t, err)

	got, err := s.GetScan(ctx, scan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	cookies, err := s.GetCookies(ctx, scan.ID)
	require.NoError(t, err)
	assert.Empty(t, cookies)
}

func TestStoreListScans(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	tenant := uuid.New()
	var ids []uuid.UUID
	for i := 0; i < 60; i++ {
		scan, err := s.InsertScan(ctx, domain.Scan{ID: uuid.New(), TenantID: tenant})
		require.NoError(t, err)
		ids = append(ids, scan.ID)
	}
	_, err := s.InsertScan(ctx, domain.Scan{ID: uuid.New(), TenantID: uuid.New()})
	require.NoError(t, err)

	got, err := s.ListScans(ctx, tenant, 50, 0)
	require.NoError(t, err)
	require.Len(t, got, 50)
	assert.Equal(t, ids[59], got[0].ID)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].CreatedAt.After(got[i].CreatedAt))
	}

	rest, err := s.ListScans(ctx, tenant, 50, 50)
	require.NoError(t, err)
	assert.Len(t, rest, 10)

	none, err := s.ListScans(ctx, tenant, 50, 100)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreStalePending(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, err := s.InsertScan(ctx, domain.Scan{ID: uuid.New()})
	require.NoError(t, err)
	b, err := s.InsertScan(ctx, domain.Scan{ID: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, s.UpdateScanStatus(ctx, b.ID, domain.StatusUpdate{Status: domain.StatusRunning}))

	got, err := s.ListStalePending(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.GetScan(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.UpdateScanStatus(ctx, uuid.New(), domain.StatusUpdate{Status: domain.StatusRunning}), domain.ErrNotFound)
}
