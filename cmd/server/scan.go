package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"cookiescan/internal/adapters/browser"
	"cookiescan/internal/adapters/memory"
	"cookiescan/internal/domain"
	"cookiescan/internal/ports"
	"cookiescan/internal/services/scanner"
	"cookiescan/internal/workers/scanrunner"
)

// pendingJobs holds submitted jobs until the caller runs them.
type pendingJobs struct {
	mu   sync.Mutex
	jobs []ports.ScanJob
}

func (p *pendingJobs) Submit(job ports.ScanJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *pendingJobs) drain() []ports.ScanJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.jobs
	p.jobs = nil
	return out
}

type scanResult struct {
	Scan    domain.Scan           `json:"scan"`
	Cookies []domain.CookieRecord `json:"cookies"`
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <url>",
		Short: "Scan one URL without a database and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(false)
			if err != nil {
				return err
			}
			engine := browser.New(browserOptions(cfg.Browser.NavigationTimeout, cfg.Browser.NetworkIdleTimeout,
				cfg.Browser.ScrollPause, cfg.Browser.SettleDelay, cfg.Browser.ExecPath), logger)

			res, err := scanOnce(cmd.Context(), engine, logger, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Scan.Status == domain.StatusFailed {
				return fmt.Errorf("scan failed: %s", *res.Scan.Error)
			}
			return nil
		},
	}
}

// scanOnce runs a single scan to completion against an in-memory gateway.
func scanOnce(ctx context.Context, engine ports.CaptureEngine, logger *slog.Logger, target string) (scanResult, error) {
	jobs := &pendingJobs{}
	svc := scanner.New(memory.New(), engine, jobs, scanner.WithLogger(logger))

	scan, err := svc.Create(ctx, domain.UnassignedTenant, target)
	if err != nil {
		return scanResult{}, err
	}
	for _, job := range jobs.drain() {
		if err := scanrunner.ProcessInline(ctx, svc, job); err != nil {
			return scanResult{}, err
		}
	}

	final, cookies, err := svc.Get(ctx, domain.UnassignedTenant, scan.ID)
	if err != nil {
		return scanResult{}, err
	}
	if cookies == nil {
		cookies = []domain.CookieRecord{}
	}
	return scanResult{Scan: final, Cookies: cookies}, nil
}
