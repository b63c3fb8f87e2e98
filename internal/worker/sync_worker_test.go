package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"change/internal/core"
	"change/internal/drive"
	"change/internal/drive/memory"
	"change/internal/localcache"
	"change/internal/log"
	"change/internal/storage"
	"change/internal/syncengine"
	"change/internal/syncmeta"
)

type fakeSyncer struct {
	mu       sync.Mutex
	synced   []string
	years    []int
	failOn   map[int]error
	dirty    int
	retryErr error
	disabled bool
}

func (f *fakeSyncer) Sync(_ context.Context, year, month int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, core.MonthKey(year, month))
	return f.failOn[month]
}

func (f *fakeSyncer) RetryDirty(context.Context) (int, error) { return f.dirty, f.retryErr }
func (f *fakeSyncer) Years(context.Context) ([]int, error)     { return f.years, nil }
func (f *fakeSyncer) SyncEnabled() bool                        { return !f.disabled }

func TestStartupSyncCoversEveryMonth(t *testing.T) {
	planning := &fakeSyncer{years: []int{2023, 2024}, dirty: 2}
	spending := &fakeSyncer{years: []int{2024}}

	w := NewSyncWorker(log.Discard()).
		Register("Planning", planning).
		Register("Spending", spending)

	reports, err := w.StartupSync(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, Report{Domain: "Planning", Synced: 24, Retried: 2}, reports[0])
	assert.Equal(t, Report{Domain: "Spending", Synced: 12}, reports[1])
	assert.Equal(t, "2023-01", planning.synced[0])
	assert.Equal(t, "2024-12", planning.synced[23])
}

func TestStartupSyncExplicitYears(t *testing.T) {
	s := &fakeSyncer{years: []int{2020}}
	reports, err := NewSyncWorker(nil).Register("Planning", s).StartupSync(context.Background(), 2025)
	require.NoError(t, err)
	assert.Equal(t, 12, reports[0].Synced)
	assert.Equal(t, "2025-01", s.synced[0])
}

func TestStartupSyncCollectsFailures(t *testing.T) {
	boom := errors.New("boom")
	s := &fakeSyncer{
		years:    []int{2024},
		failOn:   map[int]error{3: core.ErrAuthRequired, 7: boom},
		retryErr: boom,
	}
	reports, err := NewSyncWorker(log.Discard()).Register("Spending", s).StartupSync(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAuthRequired)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 10, reports[0].Synced)
	assert.Equal(t, 2, reports[0].Failed)
	assert.Len(t, s.synced, 12, "a failed month does not stop the pass")
}

func TestStartupSyncSkipsDisabledDomains(t *testing.T) {
	s := &fakeSyncer{years: []int{2024}, disabled: true}
	reports, err := NewSyncWorker(log.Discard()).Register("Planning", s).StartupSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Domain: "Planning"}, reports[0])
	assert.Empty(t, s.synced)
}

func TestStartupSyncCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSyncWorker(log.Discard()).
		Register("Planning", &fakeSyncer{years: []int{2024}}).
		StartupSync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartupSyncPushesOfflineEdits(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "change.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	online := false
	mem := memory.New(memory.WithAuthenticator(func(context.Context) error {
		if !online {
			return core.ErrAuthRequired
		}
		return nil
	}))
	files := drive.NewClient(mem, log.Discard())
	deps := syncengine.Deps{
		Cache:  localcache.New(db, log.Discard()),
		Meta:   syncmeta.New(db, log.Discard()),
		Files:  files,
		Logger: log.Discard(),
	}
	planning := syncengine.NewPlanningPersistence(deps, nil)

	p := core.NewPlanning(1, 2024, 4)
	out, err := planning.Store(ctx, p)
	require.NoError(t, err)
	require.True(t, out.Dirty)

	online = true
	reports, err := NewSyncWorker(log.Discard()).Register("Planning", planning).StartupSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, reports[0].Synced)

	info, err := deps.Meta.Get(ctx, "Change!/Planning/2024/Planning_2024_May.json")
	require.NoError(t, err)
	assert.False(t, info.Dirty)
	assert.NotEmpty(t, info.RemoteID)
}

// slowDrive adds latency to lookups and creations, widening the window in
// which two domains resolve the same folder.
type slowDrive struct {
	*memory.Store
	delay time.Duration
}

func (d slowDrive) List(ctx context.Context, q drive.Query) ([]drive.File, error) {
	time.Sleep(d.delay)
	return d.Store.List(ctx, q)
}

func (d slowDrive) CreateFile(ctx context.Context, name, parentID, mimeType string, data []byte) (drive.File, error) {
	time.Sleep(d.delay)
	return d.Store.CreateFile(ctx, name, parentID, mimeType, data)
}

func TestStartupSyncCreatesOneAppRoot(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "change.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mem := memory.New()
	deps := syncengine.Deps{
		Cache:  localcache.New(db, log.Discard()),
		Meta:   syncmeta.New(db, log.Discard()),
		Files:  drive.NewClient(slowDrive{Store: mem, delay: 20 * time.Millisecond}, log.Discard()),
		Logger: log.Discard(),
	}
	planning := syncengine.NewPlanningPersistence(deps, nil)
	spending := syncengine.NewSpendingPersistence(deps)
	planning.SetSyncEnabled(false)
	spending.SetSyncEnabled(false)

	_, err = planning.Store(ctx, core.NewPlanning(1, 2024, 0))
	require.NoError(t, err)
	_, err = spending.Store(ctx, core.Spending{
		Type:     core.StatementExpense,
		SpentOn:  time.Date(2024, time.January, 5, 12, 0, 0, 0, time.UTC),
		Category: "Food",
		Price:    decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)

	planning.SetSyncEnabled(true)
	spending.SetSyncEnabled(true)
	_, err = NewSyncWorker(log.Discard()).
		Register("Planning", planning).
		Register("Spending", spending).
		StartupSync(ctx, 2024)
	require.NoError(t, err)

	roots, err := mem.List(ctx, drive.Query{Name: "Change!", ParentID: drive.RootID, MimeType: drive.MimeFolder})
	require.NoError(t, err)
	require.Len(t, roots, 1)

	for _, domain := range []string{"Planning", "Spending"} {
		folders, err := mem.List(ctx, drive.Query{Name: domain, ParentID: roots[0].ID, MimeType: drive.MimeFolder})
		require.NoError(t, err)
		assert.Len(t, folders, 1, domain)
	}
}
