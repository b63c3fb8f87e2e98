// Package localcache keeps documents on the device, partitioned by domain
// and year. Every call runs in its own transaction.
package localcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"change/internal/core"
	"change/internal/storage"
)

// CurrentVersion is the partition layout written by this build.
const CurrentVersion = 1

type partitionKey struct {
	domain core.Domain
	year   int
}

// Store is the registry of partitions. It replaces any process-wide list of
// opened caches: callers share one Store.
type Store struct {
	db     *storage.DB
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	known map[partitionKey]int
}

func New(db *storage.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		known:  make(map[partitionKey]int),
	}
}

// CreatePartition registers the (domain, year) partition at version. An
// existing partition at a lower version is upgraded; a higher one is kept.
func (s *Store) CreatePartition(ctx context.Context, domain core.Domain, year, version int) error {
	if !domain.IsValid() {
		return fmt.Errorf("%w: unknown domain %q", core.ErrLocalTransaction, domain)
	}
	if err := core.ValidateYear(year); err != nil {
		return err
	}

	err := storage.WithTx(ctx, s.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Insert("partitions").
			Columns("domain", "year", "version", "created_at").
			Values(string(domain), year, version, s.now().UTC().Format(time.RFC3339)).
			Suffix("ON CONFLICT(domain, year) DO UPDATE SET version = MAX(version, excluded.version)").
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: create partition %s/%d: %w", core.ErrLocalTransaction, domain, year, err)
	}

	s.mu.Lock()
	if s.known[partitionKey{domain, year}] < version {
		s.known[partitionKey{domain, year}] = version
	}
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "Partition ready", "domain", domain, "year", year, "version", version)
	return nil
}

// ensure creates the partition on first use.
func (s *Store) ensure(ctx context.Context, domain core.Domain, year int) error {
	s.mu.Lock()
	_, ok := s.known[partitionKey{domain, year}]
	s.mu.Unlock()
	if ok {
		return nil
	}
	return s.CreatePartition(ctx, domain, year, CurrentVersion)
}

// Version returns the stored version of a partition, or 0 when it does not exist.
func (s *Store) Version(ctx context.Context, domain core.Domain, year int) (int, error) {
	query, args, err := sq.Select("version").From("partitions").
		Where(sq.Eq{"domain": string(domain), "year": year}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var version int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: partition version: %w", core.ErrLocalTransaction, err)
	}
	return version, nil
}

// Years lists the years that have a partition for domain, ascending.
func (s *Store) Years(ctx context.Context, domain core.Domain) ([]int, error) {
	query, args, err := sq.Select("year").From("partitions").
		Where(sq.Eq{"domain": string(domain)}).
		OrderBy("year").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list partitions: %w", core.ErrLocalTransaction, err)
	}
	defer rows.Close()

	var years []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, fmt.Errorf("%w: scan partition: %w", core.ErrLocalTransaction, err)
		}
		years = append(years, y)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list partitions: %w", core.ErrLocalTransaction, err)
	}
	sort.Ints(years)
	return years, nil
}

// DropPartition removes a partition together with its records.
func (s *Store) DropPartition(ctx context.Context, domain core.Domain, year int) error {
	err := storage.WithTx(ctx, s.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		for _, table := range []string{"records", "partitions"} {
			query, args, err := sq.Delete(table).Where(sq.Eq{"domain": string(domain), "year": year}).ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: drop partition %s/%d: %w", core.ErrLocalTransaction, domain, year, err)
	}

	s.mu.Lock()
	delete(s.known, partitionKey{domain, year})
	s.mu.Unlock()
	return nil
}
