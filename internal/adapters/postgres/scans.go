package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"cookiescan/internal/domain"
)

const scanColumns = `id, tenant_id, url, site, status, error, evidence_url, created_at, started_at, completed_at, updated_at`

const cookieColumns = `id, scan_id, name, domain, path, value, expiration, secure, http_only, same_site, source, category, description, first_party`

var copyColumns = []string{
	"id", "scan_id", "name", "domain", "path", "value", "expiration",
	"secure", "http_only", "same_site", "source", "category", "description", "first_party",
}

func scanRow(row pgx.Row) (domain.Scan, error) {
	var s domain.Scan
	err := row.Scan(&s.ID, &s.TenantID, &s.URL, &s.Site, &s.Status, &s.Error, &s.EvidenceURL,
		&s.CreatedAt, &s.StartedAt, &s.CompletedAt, &s.UpdatedAt)
	return s, err
}

func (db *DB) InsertScan(ctx context.Context, scan domain.Scan) (domain.Scan, error) {
	if scan.Status == "" {
		scan.Status = domain.StatusPending
	}
	out, err := scanRow(db.Pool.QueryRow(ctx, `
		INSERT INTO scans (id, tenant_id, url, site, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+scanColumns,
		scan.ID, scan.TenantID, scan.URL, scan.Site, scan.Status))
	if err != nil {
		return domain.Scan{}, fmt.Errorf("failed to insert scan: %w", err)
	}
	return out, nil
}

func (db *DB) UpdateScanStatus(ctx context.Context, id uuid.UUID, update domain.StatusUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return applyStatus(ctx, db.Pool, id, update)
}

// WriteCookiesAtomic applies the terminal status and copies the cookie batch
// inside one transaction.
func (db *DB) WriteCookiesAtomic(ctx context.Context, scanID uuid.UUID, update domain.StatusUpdate, cookies []domain.CookieRecord) (err error) {
	if !update.Status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, update.Status)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	if err = applyStatus(ctx, tx, scanID, update); err != nil {
		return err
	}
	if len(cookies) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(cookies))
	for _, c := range cookies {
		rows = append(rows, []any{
			pgtype.UUID{Bytes: c.ID, Valid: true},
			pgtype.UUID{Bytes: scanID, Valid: true},
			c.Name, c.Domain, c.Path, c.Value, c.Expiration,
			c.Secure, c.HTTPOnly, c.SameSite, c.Source, string(c.Category), c.Description, c.FirstParty,
		})
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"scanned_cookies"}, copyColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy cookies: %w", err)
	}
	if n != int64(len(rows)) {
		err = fmt.Errorf("copied %d of %d cookies", n, len(rows))
		return err
	}
	return nil
}

// applyStatus updates one scan row, guarded by the states allowed to precede
// update.Status.
func applyStatus(ctx context.Context, q querier, id uuid.UUID, update domain.StatusUpdate) error {
	from := domain.Predecessors(update.Status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", domain.ErrInvalidTransition, update.Status)
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := q.Exec(ctx, `
		UPDATE scans
		SET status = $2,
		    error = $3,
		    started_at = COALESCE($4, started_at),
		    completed_at = COALESCE($5, completed_at),
		    updated_at = $6,
		    evidence_url = COALESCE($7, evidence_url)
		WHERE id = $1 AND status = ANY($8)
	`, id, string(update.Status), update.Error, update.StartedAt, update.CompletedAt, updatedAt, update.EvidenceURL, allowed)
	if err != nil {
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = q.QueryRow(ctx, `SELECT status FROM scans WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read scan status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, update.Status)
}

func (db *DB) GetScan(ctx context.Context, id uuid.UUID) (domain.Scan, error) {
	return getScan(ctx, db.Pool, id)
}

// GetScanWithCookies reads a scan and its cookies from one REPEATABLE READ
// snapshot, so a concurrent terminal write is seen either entirely or not at
// all.
func (db *DB) GetScanWithCookies(ctx context.Context, id uuid.UUID) (domain.Scan, []domain.CookieRecord, error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.Scan{}, nil, fmt.Errorf("failed to begin read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	scan, err := getScan(ctx, tx, id)
	if err != nil {
		return domain.Scan{}, nil, err
	}
	cookies, err := getCookies(ctx, tx, id)
	if err != nil {
		return domain.Scan{}, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Scan{}, nil, fmt.Errorf("failed to end read: %w", err)
	}
	return scan, cookies, nil
}

func getScan(ctx context.Context, q querier, id uuid.UUID) (domain.Scan, error) {
	s, err := scanRow(q.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Scan{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Scan{}, fmt.Errorf("failed to get scan: %w", err)
	}
	return s, nil
}

func (db *DB) ListScans(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.Scan, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	return collectScans(rows)
}

func (db *DB) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Scan, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending scans: %w", err)
	}
	return collectScans(rows)
}

func collectScans(rows pgx.Rows) ([]domain.Scan, error) {
	defer rows.Close()
	out := []domain.Scan{}
	for rows.Next() {
		s, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) GetCookies(ctx context.Context, scanID uuid.UUID) ([]domain.CookieRecord, error) {
	return getCookies(ctx, db.Pool, scanID)
}

func getCookies(ctx context.Context, q querier, scanID uuid.UUID) ([]domain.CookieRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT `+cookieColumns+`
		FROM scanned_cookies
		WHERE scan_id = $1
		ORDER BY category, name
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cookies: %w", err)
	}
	defer rows.Close()

	out := []domain.CookieRecord{}
	for rows.Next() {
		var c domain.CookieRecord
		if err := rows.Scan(&c.ID, &c.ScanID, &c.Name, &c.Domain, &c.Path, &c.Value, &c.Expiration,
			&c.Secure, &c.HTTPOnly, &c.SameSite, &c.Source, &c.Category, &c.Description, &c.FirstParty); err != nil {
			return nil, fmt.Errorf("failed to scan cookie: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
