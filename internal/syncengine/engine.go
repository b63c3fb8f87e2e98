// Package syncengine keeps the local cache and the remote drive in step.
// Every mutation lands in the local cache first; the remote copy follows
// when sync is enabled, and dirty bits record whatever could not be pushed.
package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"change/internal/core"
	"change/internal/docstore"
	"change/internal/drive"
	"change/internal/localcache"
	"change/internal/log"
	"change/internal/notify"
	"change/internal/syncmeta"
)

// Outcome reports what happened to the remote side of a mutation. The local
// write already succeeded when an Outcome is returned.
type Outcome struct {
	RemoteID string
	Dirty    bool
	Err      error
}

// State is the sync state of one document.
type State int

const (
	StateLocalOnly State = iota
	StateSynced
	StateConflicted
)

func (s State) String() string {
	switch s {
	case StateLocalOnly:
		return "local-only"
	case StateSynced:
		return "synced"
	case StateConflicted:
		return "conflicted-pending"
	default:
		return "unknown"
	}
}

// Side names the copy that wins a conflict.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

// ResolveConflict picks the more recently modified copy. Equal times go to
// the remote copy, the one shared across devices.
func ResolveConflict(local, remote time.Time) Side {
	if local.After(remote) {
		return SideLocal
	}
	return SideRemote
}

// Deps are the collaborators shared by both persistence types.
type Deps struct {
	Cache *localcache.Store
	Meta  *syncmeta.Repository
	// Files is the remote drive; nil keeps everything local.
	Files    drive.FileStore
	Notifier notify.Notifier
	Logger   *slog.Logger
	// AppRoot overrides docstore.DefaultAppRoot.
	AppRoot string
}

type options struct {
	now func() time.Time
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// idSource hands out millisecond timestamps, bumped to stay unique.
type idSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func (g *idSource) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.now().UnixMilli()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

// syncer holds the reconciliation shared by plannings and spendings. D is
// the remote document of one month.
type syncer[D any] struct {
	domain   core.Domain
	cache    *localcache.Store
	meta     *syncmeta.Repository
	remote   *docstore.Store[D]
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	enabled  atomic.Bool

	// loadLocal returns the local document of a month and whether it has data.
	loadLocal func(ctx context.Context, year, month int) (D, bool, error)
	// saveLocal replaces the local document of a month.
	saveLocal func(ctx context.Context, year, month int, doc D) error
	// emptyIsDocument is set when a month without data still has a remote
	// representation worth pushing.
	emptyIsDocument bool
}

func newSyncer[D any](deps Deps, layout docstore.Layout, o options) *syncer[D] {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &syncer[D]{
		domain:   layout.Domain,
		cache:    deps.Cache,
		meta:     deps.Meta,
		notifier: notifier,
		logger:   logger.With("domain", layout.Domain.String()),
		now:      o.now,
	}
	if deps.Files != nil {
		var dsOpts []docstore.Option
		if deps.AppRoot != "" {
			dsOpts = append(dsOpts, docstore.WithAppRoot(deps.AppRoot))
		}
		dsOpts = append(dsOpts, docstore.WithClock(o.now))
		s.remote = docstore.New[D](deps.Files, deps.Meta, layout, logger, dsOpts...)
		s.enabled.Store(true)
	}
	return s
}

// SetSyncEnabled turns remote mirroring on or off. Dirty bits keep being
// recorded while it is off, so turning it back on pushes what was missed.
func (s *syncer[D]) SetSyncEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// SyncEnabled reports whether mutations are mirrored remotely.
func (s *syncer[D]) SyncEnabled() bool {
	return s.remote != nil && s.enabled.Load()
}

func (s *syncer[D]) report(ctx context.Context, kind notify.Kind, year, month int, msg string, err error) {
	n := notify.New(kind, s.domain.String(), year, month, msg, err)
	if nerr := s.notifier.Notify(ctx, n); nerr != nil {
		s.logger.DebugContext(ctx, "Notice not delivered", "kind", string(kind), log.FieldError, nerr)
	}
}

// fail reports a remote failure and hands err back.
func (s *syncer[D]) fail(ctx context.Context, op string, year, month int, err error) error {
	s.logger.WarnContext(ctx, "Remote sync failed",
		log.FieldOperation, op, log.FieldYear, year, log.FieldMonth, month, log.FieldError, err)
	if errors.Is(err, core.ErrAuthRequired) {
		s.report(ctx, notify.KindAuthRequired, year, month, "Sign in to synchronize", err)
	} else {
		s.report(ctx, notify.KindSyncFailed, year, month, "Synchronization failed", err)
	}
	return err
}

// markDirty records a local mutation when a remote exists, enabled or not.
func (s *syncer[D]) markDirty(ctx context.Context, year, month int) (time.Time, error) {
	at := s.now()
	if s.remote == nil {
		return at, nil
	}
	return at, s.meta.MarkDirty(ctx, s.remote.Name(year, month), at)
}

// commit pushes doc after a local mutation recorded at "at".
func (s *syncer[D]) commit(ctx context.Context, year, month int, doc D, at time.Time) Outcome {
	if s.remote == nil {
		return Outcome{}
	}
	if !s.SyncEnabled() {
		return Outcome{Dirty: true}
	}
	id, err := s.remote.Push(ctx, year, month, doc, at)
	if err != nil {
		return Outcome{Dirty: true, Err: s.fail(ctx, log.OpPush, year, month, err)}
	}
	return Outcome{RemoteID: id}
}

// removeRemote deletes the remote copy of a month, or leaves a tombstone
// when sync is off or the delete fails.
func (s *syncer[D]) removeRemote(ctx context.Context, year, month int) Outcome {
	if s.remote == nil {
		return Outcome{}
	}
	if !s.SyncEnabled() {
		if err := s.meta.MarkDeleted(ctx, s.remote.Name(year, month), s.now()); err != nil {
			return Outcome{Dirty: true, Err: err}
		}
		return Outcome{Dirty: true}
	}
	if err := s.remote.Delete(ctx, year, month); err != nil {
		return Outcome{Dirty: true, Err: s.fail(ctx, log.OpDelete, year, month, err)}
	}
	return Outcome{}
}

// Sync reconciles one month:
//   - a tombstone retries the remote delete;
//   - no remote file and local data pushes;
//   - local dirty and remote changed is a conflict, resolved by time;
//   - local dirty alone pushes;
//   - remote changed alone pulls.
func (s *syncer[D]) Sync(ctx context.Context, year, month int) error {
	if !s.SyncEnabled() {
		return nil
	}
	if err := core.ValidateMonth(month); err != nil {
		return err
	}

	info, err := s.remote.Info(ctx, year, month)
	if err != nil {
		return err
	}
	if info.Deleted && info.Dirty {
		s.logger.InfoContext(ctx, "Retrying remote delete", log.FieldYear, year, log.FieldMonth, month)
		if err := s.remote.Delete(ctx, year, month); err != nil {
			return s.fail(ctx, log.OpDelete, year, month, err)
		}
		return nil
	}

	remote, exists, err := s.remote.Stat(ctx, year, month)
	if err != nil {
		return s.fail(ctx, log.OpStat, year, month, err)
	}
	local, hasLocal, err := s.loadLocal(ctx, year, month)
	if err != nil {
		return err
	}

	if !exists {
		if hasLocal {
			return s.push(ctx, year, month, local, info)
		}
		return nil
	}

	changed := info.ModifiedTime.IsZero() || remote.ModifiedTime.After(info.ModifiedTime)
	switch {
	case info.Dirty && changed:
		side := ResolveConflict(info.LocalModifiedTime, remote.ModifiedTime)
		s.logger.InfoContext(ctx, "Resolving conflict",
			log.FieldYear, year, log.FieldMonth, month,
			"local_modified", info.LocalModifiedTime, "remote_modified", remote.ModifiedTime,
			"local_wins", side == SideLocal)
		if side == SideLocal && (hasLocal || s.emptyIsDocument) {
			return s.push(ctx, year, month, local, info)
		}
		return s.pull(ctx, year, month)
	case info.Dirty:
		if !hasLocal && !s.emptyIsDocument {
			return s.pull(ctx, year, month)
		}
		return s.push(ctx, year, month, local, info)
	case changed:
		return s.pull(ctx, year, month)
	}
	return nil
}

func (s *syncer[D]) push(ctx context.Context, year, month int, doc D, info syncmeta.FileInfo) error {
	at := info.LocalModifiedTime
	if !info.Dirty || at.IsZero() {
		var err error
		if at, err = s.markDirty(ctx, year, month); err != nil {
			return err
		}
	}

	s.report(ctx, notify.KindSyncStarted, year, month, "Pushing local changes", nil)
	if _, err := s.remote.Push(ctx, year, month, doc, at); err != nil {
		return s.fail(ctx, log.OpPush, year, month, err)
	}
	s.report(ctx, notify.KindSyncFinished, year, month, "Local changes pushed", nil)
	return nil
}

// pull overwrites the local month with the remote copy.
func (s *syncer[D]) pull(ctx context.Context, year, month int) error {
	s.report(ctx, notify.KindSyncStarted, year, month, "Started synchronization", nil)
	doc, remote, err := s.remote.Read(ctx, year, month)
	if err != nil {
		return s.fail(ctx, log.OpPull, year, month, err)
	}
	if err := s.saveLocal(ctx, year, month, doc); err != nil {
		return err
	}
	if err := s.meta.MarkClean(ctx, s.remote.Name(year, month), remote.ID, remote.ModifiedTime); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Pulled remote document", log.FieldYear, year, log.FieldMonth, month, log.FieldRemoteID, remote.ID)
	s.report(ctx, notify.KindSyncFinished, year, month, "Finished synchronization", nil)
	return nil
}

// trySync syncs before a read; failures were already reported and the read
// goes on with local data.
func (s *syncer[D]) trySync(ctx context.Context, year, month int) {
	if err := s.Sync(ctx, year, month); err != nil {
		s.logger.DebugContext(ctx, "Reading local copy after failed sync", log.FieldYear, year, log.FieldMonth, month, log.FieldError, err)
	}
}

// DocumentState reports the sync state of one month.
func (s *syncer[D]) DocumentState(ctx context.Context, year, month int) (State, error) {
	if !s.SyncEnabled() {
		return StateLocalOnly, nil
	}
	info, err := s.remote.Info(ctx, year, month)
	if err != nil {
		return StateLocalOnly, err
	}
	if info.Dirty && !info.Deleted {
		remote, exists, err := s.remote.Stat(ctx, year, month)
		if err != nil {
			return StateSynced, err
		}
		if exists && (info.ModifiedTime.IsZero() || remote.ModifiedTime.After(info.ModifiedTime)) {
			return StateConflicted, nil
		}
	}
	return StateSynced, nil
}

// ChangedTime returns the last known remote modification of a month, zero
// when it was never synced.
func (s *syncer[D]) ChangedTime(ctx context.Context, year, month int) (time.Time, error) {
	if s.remote == nil {
		return time.Time{}, nil
	}
	info, err := s.remote.Info(ctx, year, month)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModifiedTime, nil
}

// RetryDirty syncs every dirty document of this domain and returns how
// many were attempted.
func (s *syncer[D]) RetryDirty(ctx context.Context) (int, error) {
	if !s.SyncEnabled() {
		return 0, nil
	}
	dirty, err := s.meta.Dirty(ctx)
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, info := range dirty {
		year, month, ok := s.remote.Parse(info.Name)
		if !ok {
			continue
		}
		n++
		if err := s.Sync(ctx, year, month); err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// years merges local partitions with remote year folders.
func (s *syncer[D]) years(ctx context.Context) ([]int, error) {
	local, err := s.cache.Years(ctx, s.domain)
	if err != nil {
		return nil, err
	}
	if !s.SyncEnabled() {
		return local, nil
	}
	remote, err := s.remote.Years(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Listing remote years failed", log.FieldError, err)
		return local, nil
	}
	return mergeYears(local, remote), nil
}

func mergeYears(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var next int
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			next, i = a[i], i+1
		case i >= len(a) || b[j] < a[i]:
			next, j = b[j], j+1
		default:
			next, i, j = a[i], i+1, j+1
		}
		if len(out) == 0 || out[len(out)-1] != next {
			out = append(out, next)
		}
	}
	return out
}
