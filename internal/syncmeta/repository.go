// Package syncmeta persists what the device knows about remote documents:
// their ids, last seen modification times, dirty bits and folder ids.
package syncmeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/sync/singleflight"

	"change/internal/cache"
	"change/internal/core"
	"change/internal/storage"
)

// timeLayout is fixed-width so stored values compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FileInfo is the sync record of one logical document.
type FileInfo struct {
	Name              string
	RemoteID          string
	ModifiedTime      time.Time // last known remote modification
	LocalModifiedTime time.Time
	Dirty             bool
	Deleted           bool
}

type Repository struct {
	db      *storage.DB
	logger  *slog.Logger
	folders *cache.LRU[string, string]

	// resolving is shared by every domain using this repository, so two
	// domains resolving the same folder path do not both create it.
	resolving singleflight.Group
}

// New builds a repository. Folder ids are fronted by an in-process LRU.
func New(db *storage.DB, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		db:      db,
		logger:  logger,
		folders: cache.NewLRU[string, string](256, time.Hour),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func wrap(op, name string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", core.ErrLocalTransaction, op, name, err)
}

// Get returns the record for name or an error wrapping core.ErrNotFound.
func (r *Repository) Get(ctx context.Context, name string) (FileInfo, error) {
	query, args, err := sq.Select("name", "remote_id", "modified_at", "local_modified_at", "dirty", "deleted").
		From("remote_files").
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return FileInfo{}, err
	}

	info, err := scanInfo(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return FileInfo{}, fmt.Errorf("file info %s: %w", name, core.ErrNotFound)
	}
	if err != nil {
		return FileInfo{}, wrap("get file info", name, err)
	}
	return info, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (FileInfo, error) {
	var (
		info                FileInfo
		modified, localTime string
	)
	if err := row.Scan(&info.Name, &info.RemoteID, &modified, &localTime, &info.Dirty, &info.Deleted); err != nil {
		return FileInfo{}, err
	}
	var err error
	if info.ModifiedTime, err = parseTime(modified); err != nil {
		return FileInfo{}, err
	}
	if info.LocalModifiedTime, err = parseTime(localTime); err != nil {
		return FileInfo{}, err
	}
	return info, nil
}

// Put overwrites the whole record.
func (r *Repository) Put(ctx context.Context, info FileInfo) error {
	return r.upsert(ctx, "put file info", info.Name, map[string]any{
		"remote_id":         info.RemoteID,
		"modified_at":       formatTime(info.ModifiedTime),
		"local_modified_at": formatTime(info.LocalModifiedTime),
		"dirty":             info.Dirty,
		"deleted":           info.Deleted,
	})
}

// MarkDirty records a local mutation made at "at" that the remote has not seen.
func (r *Repository) MarkDirty(ctx context.Context, name string, at time.Time) error {
	return r.upsert(ctx, "mark dirty", name, map[string]any{
		"local_modified_at": formatTime(at),
		"dirty":             true,
		"deleted":           false,
	})
}

// MarkDeleted leaves a tombstone: the document is gone locally and the
// remote copy still has to be removed.
func (r *Repository) MarkDeleted(ctx context.Context, name string, at time.Time) error {
	return r.upsert(ctx, "mark deleted", name, map[string]any{
		"local_modified_at": formatTime(at),
		"dirty":             true,
		"deleted":           true,
	})
}

// MarkClean records a pull: local now equals the remote at modified.
func (r *Repository) MarkClean(ctx context.Context, name, remoteID string, modified time.Time) error {
	return r.upsert(ctx, "mark clean", name, map[string]any{
		"remote_id":   remoteID,
		"modified_at": formatTime(modified),
		"dirty":       false,
		"deleted":     false,
	})
}

// MarkSeen refreshes the remote id and modification time after a remote
// read without touching the dirty bit.
func (r *Repository) MarkSeen(ctx context.Context, name, remoteID string, modified time.Time) error {
	return r.upsert(ctx, "mark seen", name, map[string]any{
		"remote_id":   remoteID,
		"modified_at": formatTime(modified),
	})
}

// MarkPushed records a successful push of the local state as of localAsOf.
// The dirty bit stays set when a newer local mutation landed meanwhile.
func (r *Repository) MarkPushed(ctx context.Context, name, remoteID string, modified, localAsOf time.Time) error {
	err := storage.WithTx(ctx, r.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Insert("remote_files").
			Columns("name", "remote_id", "modified_at", "local_modified_at", "dirty", "deleted").
			Values(name, remoteID, formatTime(modified), formatTime(localAsOf), false, false).
			Suffix(`ON CONFLICT(name) DO UPDATE SET
				remote_id = excluded.remote_id,
				modified_at = excluded.modified_at,
				deleted = 0,
				dirty = CASE WHEN local_modified_at <= ? THEN 0 ELSE dirty END`, formatTime(localAsOf)).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return wrap("mark pushed", name, err)
	}
	return nil
}

func (r *Repository) upsert(ctx context.Context, op, name string, set map[string]any) error {
	err := storage.WithTx(ctx, r.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		cols := []string{"name"}
		vals := []any{name}
		update := sq.Update("remote_files").Where(sq.Eq{"name": name})
		for _, col := range []string{"remote_id", "modified_at", "local_modified_at", "dirty", "deleted"} {
			v, ok := set[col]
			if !ok {
				continue
			}
			cols = append(cols, col)
			vals = append(vals, v)
			update = update.Set(col, v)
		}

		query, args, err := update.ToSql()
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n > 0 {
			return nil
		}

		query, args, err = sq.Insert("remote_files").Columns(cols...).Values(vals...).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return wrap(op, name, err)
	}
	return nil
}
