package syncmeta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"change/internal/core"
	"change/internal/storage"
)

// Delete drops the record for name. Missing records are ignored.
func (r *Repository) Delete(ctx context.Context, name string) error {
	err := storage.WithTx(ctx, r.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Delete("remote_files").Where(sq.Eq{"name": name}).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return wrap("delete file info", name, err)
	}
	return nil
}

// Dirty lists every record with unconfirmed local changes, tombstones included.
func (r *Repository) Dirty(ctx context.Context) ([]FileInfo, error) {
	query, args, err := sq.Select("name", "remote_id", "modified_at", "local_modified_at", "dirty", "deleted").
		From("remote_files").
		Where(sq.Eq{"dirty": true}).
		OrderBy("name").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list dirty", "", err)
	}
	defer rows.Close()

	var out []FileInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, wrap("scan dirty", "", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list dirty", "", err)
	}

	r.logger.DebugContext(ctx, "Listed dirty documents", "count", len(out))
	return out, nil
}

// Folder returns the remote id cached for a logical folder path such as
// "Change!/Planning/2024", or an error wrapping core.ErrNotFound.
func (r *Repository) Folder(ctx context.Context, path string) (string, error) {
	if id, ok := r.folders.Get(path); ok {
		return id, nil
	}

	query, args, err := sq.Select("remote_id").From("remote_folders").Where(sq.Eq{"path": path}).ToSql()
	if err != nil {
		return "", err
	}

	var id string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("folder %s: %w", path, core.ErrNotFound)
	}
	if err != nil {
		return "", wrap("get folder", path, err)
	}

	r.folders.Set(path, id)
	return id, nil
}

// ResolveFolder returns the cached id of path, calling resolve to find or
// create it on a miss. Concurrent calls for the same path and create flag
// share one resolve. An empty id from resolve is returned but not cached.
func (r *Repository) ResolveFolder(ctx context.Context, path string, create bool, resolve func(context.Context) (string, error)) (string, error) {
	if id, err := r.Folder(ctx, path); err == nil || !errors.Is(err, core.ErrNotFound) {
		return id, err
	}

	key := "find:" + path
	if create {
		key = "create:" + path
	}
	v, err, _ := r.resolving.Do(key, func() (any, error) {
		// A caller that finished just before this one may have stored it.
		if id, err := r.Folder(ctx, path); err == nil || !errors.Is(err, core.ErrNotFound) {
			return id, err
		}
		id, err := resolve(ctx)
		if err != nil || id == "" {
			return "", err
		}
		if err := r.PutFolder(ctx, path, id); err != nil {
			return "", err
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// PutFolder remembers the remote id of a folder path.
func (r *Repository) PutFolder(ctx context.Context, path, id string) error {
	err := storage.WithTx(ctx, r.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Replace("remote_folders").Columns("path", "remote_id").Values(path, id).ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return wrap("put folder", path, err)
	}
	r.folders.Set(path, id)
	return nil
}

// ForgetFolder drops path and everything below it, for when a cached id
// turned out to be stale.
func (r *Repository) ForgetFolder(ctx context.Context, path string) error {
	err := storage.WithTx(ctx, r.db.DB, func(ctx context.Context, tx storage.DBTX) error {
		query, args, err := sq.Delete("remote_folders").
			Where(sq.Or{sq.Eq{"path": path}, sq.Like{"path": path + "/%"}}).
			ToSql()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return wrap("forget folder", path, err)
	}
	r.folders.DeleteFunc(func(k string) bool { return k == path || strings.HasPrefix(k, path+"/") })
	return nil
}
