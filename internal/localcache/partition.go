package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"change/internal/core"
	"change/internal/storage"
)

// Record is anything the cache can hold. The index methods feed the two
// secondary indexes.
type Record interface {
	RecordKey() string
	IndexDate() string
	IndexCategory() string
}

// Index names a secondary index of a partition.
type Index string

const (
	IndexByDate     Index = "date_key"
	IndexByCategory Index = "category_key"
)

// Range selects index keys. An empty bound is unbounded.
type Range struct {
	Lower, Upper         string
	LowerOpen, UpperOpen bool
}

// Only matches a single index key.
func Only(key string) Range { return Range{Lower: key, Upper: key} }

// Bound matches keys between lower and upper.
func Bound(lower, upper string, lowerOpen, upperOpen bool) Range {
	return Range{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

func (r Range) where(col string) sq.And {
	cond := sq.And{}
	if r.Lower != "" {
		if r.LowerOpen {
			cond = append(cond, sq.Gt{col: r.Lower})
		} else {
			cond = append(cond, sq.GtOrEq{col: r.Lower})
		}
	}
	if r.Upper != "" {
		if r.UpperOpen {
			cond = append(cond, sq.Lt{col: r.Upper})
		} else {
			cond = append(cond, sq.LtOrEq{col: r.Upper})
		}
	}
	return cond
}

// Partition is the typed view of one (domain, year) partition.
type Partition[T Record] struct {
	store  *Store
	domain core.Domain
	year   int
}

// Open returns the partition for domain and year, creating it when missing.
func Open[T Record](ctx context.Context, s *Store, domain core.Domain, year int) (*Partition[T], error) {
	if err := s.ensure(ctx, domain, year); err != nil {
		return nil, err
	}
	return &Partition[T]{store: s, domain: domain, year: year}, nil
}

func (p *Partition[T]) Domain() core.Domain { return p.domain }
func (p *Partition[T]) Year() int           { return p.year }

func (p *Partition[T]) scope() sq.Eq {
	return sq.Eq{"domain": string(p.domain), "year": p.year}
}

func (p *Partition[T]) fail(op string, err error) error {
	return fmt.Errorf("%w: %s %s/%d: %w", core.ErrLocalTransaction, op, p.domain, p.year, err)
}

func (p *Partition[T]) tx(ctx context.Context, op string, fn func(ctx context.Context, tx storage.DBTX) error) error {
	if err := storage.WithTx(ctx, p.store.db.DB, fn); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return err
		}
		return p.fail(op, err)
	}
	return nil
}

// Insert stores value under key, replacing any previous value. An empty
// key means value.RecordKey(). The used key is returned.
func (p *Partition[T]) Insert(ctx context.Context, key string, value T) (string, error) {
	if key == "" {
		key = value.RecordKey()
	}
	err := p.tx(ctx, "insert", func(ctx context.Context, tx storage.DBTX) error {
		return p.put(ctx, tx, key, value)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (p *Partition[T]) put(ctx context.Context, tx storage.DBTX, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	query, args, err := sq.Replace("records").
		Columns("domain", "year", "record_key", "date_key", "category_key", "value").
		Values(string(p.domain), p.year, key, value.IndexDate(), value.IndexCategory(), data).
		ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

// Get returns the value stored under key or an error wrapping core.ErrNotFound.
func (p *Partition[T]) Get(ctx context.Context, key string) (T, error) {
	var out T
	err := p.tx(ctx, "get", func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Select("value").From("records").
			Where(p.scope()).Where(sq.Eq{"record_key": key}).
			ToSql()
		if err != nil {
			return err
		}
		var data []byte
		err = tx.QueryRowContext(ctx, query, args...).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s/%d key %s: %w", p.domain, p.year, key, core.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

// GetAll returns every record of the partition ordered by date index.
func (p *Partition[T]) GetAll(ctx context.Context) ([]T, error) {
	return p.GetAllByIndex(ctx, IndexByDate, Range{})
}

// GetAllByIndex returns records whose index key falls in r, ordered by that key.
func (p *Partition[T]) GetAllByIndex(ctx context.Context, idx Index, r Range) ([]T, error) {
	var out []T
	err := p.tx(ctx, "get by index", func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Select("value").From("records").
			Where(p.scope()).Where(r.where(string(idx))).
			OrderBy(string(idx), "record_key").
			ToSql()
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

// Count returns the number of records in the partition.
func (p *Partition[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := p.tx(ctx, "count", func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Select("COUNT(*)").From("records").Where(p.scope()).ToSql()
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n, err
}

// Delete removes key. Deleting a missing key is not an error.
func (p *Partition[T]) Delete(ctx context.Context, key string) error {
	return p.tx(ctx, "delete", func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Delete("records").Where(p.scope()).Where(sq.Eq{"record_key": key}).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
}

// DeleteByIndex removes every record in r and returns how many went away.
func (p *Partition[T]) DeleteByIndex(ctx context.Context, idx Index, r Range) (int64, error) {
	var n int64
	err := p.tx(ctx, "delete by index", func(ctx context.Context, tx storage.DBTX) error {
		var err error
		n, err = p.deleteRange(ctx, tx, idx, r)
		return err
	})
	return n, err
}

func (p *Partition[T]) deleteRange(ctx context.Context, tx storage.DBTX, idx Index, r Range) (int64, error) {
	query, args, err := sq.Delete("records").Where(p.scope()).Where(r.where(string(idx))).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Clear removes every record of the partition.
func (p *Partition[T]) Clear(ctx context.Context) error {
	return p.tx(ctx, "clear", func(ctx context.Context, tx storage.DBTX) error {
		_, err := p.deleteRange(ctx, tx, IndexByDate, Range{})
		return err
	})
}

// PutAll upserts values keyed by their RecordKey in one transaction.
func (p *Partition[T]) PutAll(ctx context.Context, values []T) error {
	return p.tx(ctx, "put all", func(ctx context.Context, tx storage.DBTX) error {
		for _, v := range values {
			if err := p.put(ctx, tx, v.RecordKey(), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceByIndex swaps every record in r for values atomically.
func (p *Partition[T]) ReplaceByIndex(ctx context.Context, idx Index, r Range, values []T) error {
	return p.tx(ctx, "replace", func(ctx context.Context, tx storage.DBTX) error {
		if _, err := p.deleteRange(ctx, tx, idx, r); err != nil {
			return err
		}
		for _, v := range values {
			if err := p.put(ctx, tx, v.RecordKey(), v); err != nil {
				return err
			}
		}
		return nil
	})
}
