package syncengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
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
	"change/internal/notify"
	"change/internal/storage"
	"change/internal/syncmeta"
	"change/internal/templates"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recorder) Notify(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type countingFetcher struct {
	calls      atomic.Int32
	statements []core.Statement
	err        error
	gate       chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context) ([]core.Statement, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.statements, f.err
}

// world is a remote drive shared by several devices.
type world struct {
	clock  *clock
	mem    *memory.Store
	client *drive.Client
	online atomic.Bool
}

func newWorld() *world {
	w := &world{clock: &clock{t: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}}
	w.online.Store(true)
	w.mem = memory.New(
		memory.WithClock(w.clock.Now),
		memory.WithAuthenticator(func(context.Context) error {
			if !w.online.Load() {
				return core.ErrAuthRequired
			}
			return nil
		}),
	)
	w.client = drive.NewClient(w.mem, log.Discard())
	return w
}

// device is one installation with its own local database.
type device struct {
	planning *PlanningPersistence
	spending *SpendingPersistence
	meta     *syncmeta.Repository
	notices  *recorder
}

func newDevice(t *testing.T, w *world, files drive.FileStore, fetcher templates.Fetcher) *device {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "change.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	d := &device{meta: syncmeta.New(db, log.Discard()), notices: &recorder{}}
	deps := Deps{
		Cache:    localcache.New(db, log.Discard()),
		Meta:     d.meta,
		Files:    files,
		Notifier: d.notices,
		Logger:   log.Discard(),
	}
	d.planning = NewPlanningPersistence(deps, fetcher, WithClock(w.clock.Now))
	d.spending = NewSpendingPersistence(deps, WithClock(w.clock.Now))
	return d
}

// remoteFile returns the content at a path below the drive root, or nil.
func (w *world) remoteFile(t *testing.T, names ...string) []byte {
	t.Helper()
	ctx := context.Background()
	parent := ""
	for _, name := range names {
		id, err := w.client.Find(ctx, name, parent, "")
		require.NoError(t, err)
		if id == "" {
			return nil
		}
		parent = id
	}
	data, err := w.client.ReadFile(ctx, parent)
	require.NoError(t, err)
	return data
}

func planning(id int64, year, month int, names ...string) core.Planning {
	p := core.NewPlanning(id, year, month)
	for i, name := range names {
		p.Statements = append(p.Statements, core.Statement{ID: int64(i + 1), Name: name, Type: core.StatementExpense})
	}
	return p
}

func names(p core.Planning) []string {
	var out []string
	for _, s := range p.Statements {
		out = append(out, s.Name)
	}
	return out
}

func TestResolveConflictIsDeterministic(t *testing.T) {
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		assert.Equal(t, SideRemote, ResolveConflict(t0, t0))
	}
	assert.Equal(t, SideLocal, ResolveConflict(t0.Add(time.Millisecond), t0))
	assert.Equal(t, SideRemote, ResolveConflict(t0, t0.Add(time.Millisecond)))
}

func TestLocalWriteThenRead(t *testing.T) {
	ctx := context.Background()

	withGoals := planning(11, 2024, 3, "Rent", "Food")
	withGoals.Statements[0].Categories = []core.Category{{ID: 1, Name: "House", Goals: []core.Goal{
		core.GoalFromMonthly("rent", decimal.RequireFromString("900.50")),
		core.GoalFromYearly("insurance", decimal.RequireFromString("420")),
	}}}
	withGoals.Statements[1].Categories = []core.Category{{ID: 2, Name: "Groceries", Goals: []core.Goal{
		core.GoalFromDaily("market", decimal.RequireFromString("12.25")),
	}}}

	tests := map[string]core.Planning{
		"no goals":       planning(11, 2024, 3, "Rent", "Food"),
		"with goals":     withGoals,
		"nil statements": {ID: 12, Year: 2024, Month: 3},
	}
	for _, synced := range []bool{false, true} {
		for doc, want := range tests {
			name := "local only/" + doc
			if synced {
				name = "synced/" + doc
			}
			t.Run(name, func(t *testing.T) {
				w := newWorld()
				var files drive.FileStore
				if synced {
					files = w.client
				}
				d := newDevice(t, w, files, nil)

				out, err := d.planning.Store(ctx, want)
				require.NoError(t, err)
				require.NoError(t, out.Err)

				got, err := d.planning.Read(ctx, 2024, 3)
				require.NoError(t, err)
				assert.True(t, want.Equal(got), "stored %+v, read %+v", want, got)
			})
		}
	}
}

func TestSpendingWriteThenRead(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	d := newDevice(t, w, w.client, nil)

	want := spent(0, time.June, 3, "Food", "12.50")
	out, err := d.spending.Store(ctx, want)
	require.NoError(t, err)
	require.NoError(t, out.Err)

	got, err := d.spending.Read(ctx, 2024, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	want.ID = got[0].ID
	assert.True(t, want.Equal(got[0]), "stored %+v, read %+v", want, got[0])
	assert.Equal(t, "12.5", got[0].Price.String())
}

func TestReadSeedsFromTemplate(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	fetcher := &countingFetcher{statements: []core.Statement{
		{ID: 1, Name: "Salary", Type: core.StatementIncome},
		{ID: 2, Name: "Housing", Type: core.StatementExpense, Categories: []core.Category{{
			ID: 1, Name: "Rent", Goals: []core.Goal{core.GoalFromMonthly("Rent", decimal.NewFromInt(900))},
		}}},
	}}
	d := newDevice(t, w, nil, fetcher)

	got, err := d.planning.Read(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year)
	assert.Equal(t, 0, got.Month)
	assert.Equal(t, []string{"Salary", "Housing"}, names(got))
	assert.True(t, decimal.NewFromInt(10800).Equal(got.Goals(core.StatementExpense)[0].Yearly))

	// Persisted locally: a second read does not seed again.
	again, err := d.planning.Read(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
	assert.EqualValues(t, 1, fetcher.calls.Load())

	months, err := d.planning.Months(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, months)
}

func TestReadWithoutAnySourceIsEmpty(t *testing.T) {
	w := newWorld()
	d := newDevice(t, w, nil, &countingFetcher{err: core.ErrNotFound})

	got, err := d.planning.Read(context.Background(), 2025, 6)
	require.NoError(t, err)
	assert.Empty(t, got.Statements)
	assert.NotZero(t, got.ID)
	assert.Equal(t, 6, got.Month)
}

func TestFallbackChainOrder(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	fetcher := &countingFetcher{statements: []core.Statement{{ID: 1, Name: "Template", Type: core.StatementIncome}}}
	d := newDevice(t, w, nil, fetcher)

	_, err := d.planning.Store(ctx, planning(1, 2024, 1, "Feb 2024"))
	require.NoError(t, err)
	_, err = d.planning.Store(ctx, planning(2, 2024, 6, "Jul 2024"))
	require.NoError(t, err)
	_, err = d.planning.Store(ctx, planning(3, 2023, 11, "Dec 2023"))
	require.NoError(t, err)
	_, err = d.planning.Store(ctx, planning(4, 2023, 4, "May 2023"))
	require.NoError(t, err)

	// Latest earlier month of the same year.
	got, err := d.planning.Read(ctx, 2024, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"Feb 2024"}, names(got))
	assert.NotEqual(t, int64(1), got.ID)

	// Nothing earlier in 2024: the nearest previous year.
	got, err = d.planning.Read(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Dec 2023"}, names(got))

	// Only later years exist.
	got, err = d.planning.Read(ctx, 2022, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Dec 2023"}, names(got))
	assert.Equal(t, 2022, got.Year)

	assert.Zero(t, fetcher.calls.Load())
}

func TestTemplateFetchIsSingleFlight(t *testing.T) {
	w := newWorld()
	fetcher := &countingFetcher{
		statements: []core.Statement{{ID: 1, Name: "Template", Type: core.StatementIncome}},
		gate:       make(chan struct{}),
	}
	d := newDevice(t, w, nil, fetcher)

	var wg sync.WaitGroup
	results := make([][]core.Statement, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.planning.defaultStatements(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.EqualValues(t, 1, fetcher.calls.Load())
	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, "Template", r[0].Name)
	}
}

func TestPullsRemoteChanges(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newDevice(t, w, w.client, nil)
	b := newDevice(t, w, w.client, nil)

	_, err := a.planning.Store(ctx, planning(1, 2024, 0, "Rent"))
	require.NoError(t, err)

	got, err := b.planning.Read(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rent"}, names(got))
	t1, err := b.planning.ChangedTime(ctx, 2024, 0)
	require.NoError(t, err)
	assert.False(t, t1.IsZero())

	w.clock.Advance(time.Minute)
	_, err = a.planning.Store(ctx, planning(1, 2024, 0, "Rent", "Gym"))
	require.NoError(t, err)

	got, err = b.planning.Read(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rent", "Gym"}, names(got))
	t2, err := b.planning.ChangedTime(ctx, 2024, 0)
	require.NoError(t, err)
	assert.True(t, t2.After(t1))

	info, err := b.meta.Get(ctx, "Change!/Planning/2024/Planning_2024_Jan.json")
	require.NoError(t, err)
	assert.False(t, info.Dirty)
	assert.Contains(t, b.notices.kinds(), notify.KindSyncFinished)
}

func TestStoreWithoutTokenStaysDirty(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	d := newDevice(t, w, w.client, nil)
	w.online.Store(false)

	out, err := d.planning.Store(ctx, planning(1, 2024, 2, "Rent"))
	require.NoError(t, err, "the local write succeeded")
	assert.True(t, out.Dirty)
	assert.Empty(t, out.RemoteID)
	assert.ErrorIs(t, out.Err, core.ErrAuthRequired)
	assert.Contains(t, d.notices.kinds(), notify.KindAuthRequired)

	got, err := d.planning.Read(ctx, 2024, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Rent"}, names(got))

	w.online.Store(true)
	require.NoError(t, d.planning.Sync(ctx, 2024, 2))
	info, err := d.meta.Get(ctx, "Change!/Planning/2024/Planning_2024_Mar.json")
	require.NoError(t, err)
	assert.False(t, info.Dirty)
	assert.NotEmpty(t, info.RemoteID)
	assert.NotNil(t, w.remoteFile(t, "Change!", "Planning", "2024", "Planning_2024_Mar.json"))
}

func TestConflictResolution(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newDevice(t, w, w.client, nil)
	b := newDevice(t, w, w.client, nil)

	_, err := a.planning.Store(ctx, planning(1, 2024, 0, "A1"))
	require.NoError(t, err)
	_, err = b.planning.Read(ctx, 2024, 0)
	require.NoError(t, err)

	// b edits offline, then a pushes a newer edit: remote wins.
	w.clock.Advance(time.Minute)
	w.online.Store(false)
	out, err := b.planning.Store(ctx, planning(1, 2024, 0, "B1"))
	require.NoError(t, err)
	require.True(t, out.Dirty)
	w.online.Store(true)

	w.clock.Advance(time.Minute)
	_, err = a.planning.Store(ctx, planning(1, 2024, 0, "A2"))
	require.NoError(t, err)

	state, err := b.planning.DocumentState(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, StateConflicted, state)

	require.NoError(t, b.planning.Sync(ctx, 2024, 0))
	got, err := b.planning.Read(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, names(got))

	// a pushes, then b edits offline later: local wins.
	w.clock.Advance(time.Minute)
	_, err = a.planning.Store(ctx, planning(1, 2024, 0, "A3"))
	require.NoError(t, err)
	w.clock.Advance(time.Minute)
	w.online.Store(false)
	_, err = b.planning.Store(ctx, planning(1, 2024, 0, "B4"))
	require.NoError(t, err)
	w.online.Store(true)

	require.NoError(t, b.planning.Sync(ctx, 2024, 0))
	var remote core.Planning
	require.NoError(t, json.Unmarshal(w.remoteFile(t, "Change!", "Planning", "2024", "Planning_2024_Jan.json"), &remote))
	assert.Equal(t, []string{"B4"}, names(remote))

	state, err = b.planning.DocumentState(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, StateSynced, state)

	got, err = a.planning.Read(ctx, 2024, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"B4"}, names(got))
}

func TestDeleteLeavesTombstoneUntilRetried(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	d := newDevice(t, w, w.client, nil)

	_, err := d.planning.Store(ctx, planning(1, 2024, 1, "Rent"))
	require.NoError(t, err)

	w.online.Store(false)
	out, err := d.planning.Delete(ctx, 2024, 1)
	require.NoError(t, err)
	assert.True(t, out.Dirty)
	assert.ErrorIs(t, out.Err, core.ErrAuthRequired)

	months, err := d.planning.Months(ctx, 2024)
	require.NoError(t, err)
	assert.Empty(t, months, "the local delete is not rolled back")

	w.online.Store(true)
	assert.NotNil(t, w.remoteFile(t, "Change!", "Planning", "2024", "Planning_2024_Feb.json"))
	n, err := d.planning.RetryDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, w.remoteFile(t, "Change!", "Planning", "2024", "Planning_2024_Feb.json"))

	_, err = d.meta.Get(ctx, "Change!/Planning/2024/Planning_2024_Feb.json")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDisabledSyncAccruesDirtyBits(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	d := newDevice(t, w, w.client, nil)
	d.planning.SetSyncEnabled(false)
	assert.False(t, d.planning.SyncEnabled())

	out, err := d.planning.Store(ctx, planning(1, 2024, 5, "Rent"))
	require.NoError(t, err)
	assert.Equal(t, Outcome{Dirty: true}, out)
	assert.Zero(t, w.mem.Stats().Creates)

	state, err := d.planning.DocumentState(ctx, 2024, 5)
	require.NoError(t, err)
	assert.Equal(t, StateLocalOnly, state)

	d.planning.SetSyncEnabled(true)
	n, err := d.planning.RetryDirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, w.remoteFile(t, "Change!", "Planning", "2024", "Planning_2024_Jun.json"))
}

func TestYearsMergeRemote(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newDevice(t, w, w.client, nil)
	b := newDevice(t, w, w.client, nil)

	_, err := a.planning.Store(ctx, planning(1, 2022, 0, "Old"))
	require.NoError(t, err)
	_, err = b.planning.Store(ctx, planning(2, 2024, 0, "New"))
	require.NoError(t, err)

	years, err := b.planning.Years(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2022, 2024}, years)

	b.planning.SetSyncEnabled(false)
	years, err = b.planning.Years(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{2024}, years)
}

func TestMergeYears(t *testing.T) {
	assert.Equal(t, []int{2020, 2021, 2023, 2024}, mergeYears([]int{2021, 2023, 2024}, []int{2020, 2023}))
	assert.Equal(t, []int{2024}, mergeYears(nil, []int{2024}))
	assert.Empty(t, mergeYears(nil, nil))
}

func TestInvalidPeriod(t *testing.T) {
	w := newWorld()
	d := newDevice(t, w, nil, nil)
	_, err := d.planning.Read(context.Background(), 2024, 12)
	assert.ErrorIs(t, err, core.ErrInvalidMonth)
	_, err = d.planning.Store(context.Background(), planning(1, 1900, 0))
	assert.ErrorIs(t, err, core.ErrInvalidYear)
}

func TestIDsAreUnique(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := &idSource{now: func() time.Time { return fixed }}
	first := ids.next()
	assert.Equal(t, fixed.UnixMilli(), first)
	assert.Equal(t, first+1, ids.next())
}
