package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"change/internal/log"
)

// Syncer is one domain of the sync engine.
type Syncer interface {
	Sync(ctx context.Context, year, month int) error
	RetryDirty(ctx context.Context) (int, error)
	Years(ctx context.Context) ([]int, error)
	SyncEnabled() bool
}

// Report summarizes a startup pass for one domain.
type Report struct {
	Domain  string
	Synced  int
	Failed  int
	Retried int
}

type domain struct {
	name   string
	syncer Syncer
}

// SyncWorker reconciles every known month when the application loads. It
// is triggered explicitly and never runs on a timer.
type SyncWorker struct {
	domains []domain
	logger  *slog.Logger
}

func NewSyncWorker(logger *slog.Logger) *SyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncWorker{logger: logger}
}

// Register adds a domain to the startup pass.
func (w *SyncWorker) Register(name string, s Syncer) *SyncWorker {
	w.domains = append(w.domains, domain{name: name, syncer: s})
	return w
}

// StartupSync syncs the twelve months of each year for every registered
// domain, then retries whatever is still dirty. With no years given, each
// domain uses the years it knows locally or remotely. Domains run
// concurrently; failures are collected, not fatal.
func (w *SyncWorker) StartupSync(ctx context.Context, years ...int) ([]Report, error) {
	start := time.Now()
	reports := make([]Report, len(w.domains))
	errs := make([]error, len(w.domains))

	g, ctx := errgroup.WithContext(ctx)
	for i, d := range w.domains {
		i, d := i, d
		g.Go(func() error {
			reports[i], errs[i] = w.syncDomain(ctx, d, years)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	total := Report{}
	for _, r := range reports {
		total.Synced += r.Synced
		total.Failed += r.Failed
		total.Retried += r.Retried
	}
	w.logger.InfoContext(ctx, "Startup sync completed",
		log.FieldOperation, log.OpStartup,
		"synced", total.Synced,
		"errors", total.Failed,
		"retried", total.Retried,
		log.FieldDuration, time.Since(start).Milliseconds())

	return reports, errors.Join(errs...)
}

func (w *SyncWorker) syncDomain(ctx context.Context, d domain, years []int) (Report, error) {
	report := Report{Domain: d.name}
	if !d.syncer.SyncEnabled() {
		w.logger.InfoContext(ctx, "Sync disabled, skipping startup pass", log.FieldDomain, d.name)
		return report, nil
	}

	if len(years) == 0 {
		known, err := d.syncer.Years(ctx)
		if err != nil {
			return report, fmt.Errorf("%s: list years: %w", d.name, err)
		}
		years = known
	}
	if len(years) == 0 {
		w.logger.InfoContext(ctx, "No years to sync", log.FieldDomain, d.name)
	}

	var errs []error
	for _, year := range years {
		for month := 0; month < 12; month++ {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := d.syncer.Sync(ctx, year, month); err != nil {
				fields := log.NewFields().WithOperation(log.OpSync).WithDocument(d.name, year, month).WithError(err)
				w.logger.ErrorContext(ctx, "Failed to sync month during startup", fields.ToSlice()...)
				errs = append(errs, fmt.Errorf("%s %04d-%02d: %w", d.name, year, month+1, err))
				report.Failed++
				continue
			}
			report.Synced++
		}
	}

	retried, err := d.syncer.RetryDirty(ctx)
	report.Retried = retried
	if err != nil {
		w.logger.ErrorContext(ctx, "Dirty documents still pending",
			log.FieldDomain, d.name, log.FieldCount, retried, log.FieldError, err)
		errs = append(errs, fmt.Errorf("%s: retry dirty: %w", d.name, err))
	}

	w.logger.InfoContext(ctx, "Domain startup sync finished",
		log.FieldDomain, d.name,
		"synced", report.Synced,
		"errors", report.Failed,
		"retried", report.Retried)
	return report, errors.Join(errs...)
}
