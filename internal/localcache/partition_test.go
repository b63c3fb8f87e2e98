package localcache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"change/internal/core"
	"change/internal/log"
	"change/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, log.Discard())
}

func spending(id int64, day int, month time.Month, category string) core.Spending {
	return core.Spending{
		ID:          id,
		Type:        core.StatementExpense,
		SpentOn:     time.Date(2024, month, day, 12, 0, 0, 0, time.UTC),
		Category:    category,
		Description: "item",
		Price:       decimal.RequireFromString("9.99"),
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := Open[core.Planning](ctx, s, core.DomainPlanning, 2024)
	require.NoError(t, err)

	in := core.Planning{ID: 42, Year: 2024, Month: 3, Statements: []core.Statement{{
		ID: 1, Name: "House", Type: core.StatementExpense,
		Categories: []core.Category{{ID: 2, Name: "Rent", Goals: []core.Goal{
			core.GoalFromMonthly("rent", decimal.NewFromInt(600)),
		}}},
	}}}

	key, err := p.Insert(ctx, "", in)
	require.NoError(t, err)
	assert.Equal(t, "42", key)

	out, err := p.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Month, out.Month)
	require.Len(t, out.Statements, 1)
	assert.Equal(t, "Rent", out.Statements[0].Categories[0].Name)
	assert.True(t, out.Goals(core.StatementExpense)[0].Monthly.Equal(decimal.NewFromInt(600)))

	_, err = p.Get(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestGetAllByIndexMonthRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := Open[core.Spending](ctx, s, core.DomainSpending, 2024)
	require.NoError(t, err)

	require.NoError(t, p.PutAll(ctx, []core.Spending{
		spending(1, 28, time.February, "Food"),
		spending(2, 1, time.March, "Food"),
		spending(3, 31, time.March, "Rent"),
		spending(4, 1, time.April, "Food"),
	}))

	march := Bound(core.MonthKey(2024, 2), core.MonthKey(2024, 3), false, true)
	got, err := p.GetAllByIndex(ctx, IndexByDate, march)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, int64(3), got[1].ID)

	food, err := p.GetAllByIndex(ctx, IndexByCategory, Only("Food"))
	require.NoError(t, err)
	assert.Len(t, food, 3)

	n, err := p.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestReplaceByIndexIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := Open[core.Spending](ctx, s, core.DomainSpending, 2024)
	require.NoError(t, err)
	require.NoError(t, p.PutAll(ctx, []core.Spending{
		spending(1, 2, time.March, "Food"),
		spending(2, 3, time.March, "Food"),
		spending(3, 3, time.May, "Food"),
	}))

	march := Bound(core.MonthKey(2024, 2), core.MonthKey(2024, 3), false, true)
	require.NoError(t, p.ReplaceByIndex(ctx, IndexByDate, march, []core.Spending{spending(9, 10, time.March, "Fun")}))

	all, err := p.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(9), all[0].ID)
	assert.Equal(t, int64(3), all[1].ID)
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := Open[core.Spending](ctx, s, core.DomainSpending, 2024)
	require.NoError(t, err)
	require.NoError(t, p.PutAll(ctx, []core.Spending{
		spending(1, 2, time.March, "Food"),
		spending(2, 3, time.April, "Food"),
	}))

	require.NoError(t, p.Delete(ctx, "1"))
	require.NoError(t, p.Delete(ctx, "1"), "deleting twice is fine")

	n, err := p.DeleteByIndex(ctx, IndexByCategory, Only("Food"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = p.Insert(ctx, "x", spending(5, 1, time.June, "Food"))
	require.NoError(t, err)
	require.NoError(t, p.Clear(ctx))

	count, err := p.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPartitionsAreIsolatedAndListed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p2023, err := Open[core.Planning](ctx, s, core.DomainPlanning, 2023)
	require.NoError(t, err)
	_, err = Open[core.Planning](ctx, s, core.DomainPlanning, 2025)
	require.NoError(t, err)
	_, err = Open[core.Spending](ctx, s, core.DomainSpending, 2020)
	require.NoError(t, err)

	_, err = p2023.Insert(ctx, "", core.NewPlanning(1, 2023, 0))
	require.NoError(t, err)

	p2025, err := Open[core.Planning](ctx, s, core.DomainPlanning, 2025)
	require.NoError(t, err)
	n, err := p2025.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	years, err := s.Years(ctx, core.DomainPlanning)
	require.NoError(t, err)
	assert.Equal(t, []int{2023, 2025}, years)

	require.NoError(t, s.DropPartition(ctx, core.DomainPlanning, 2023))
	years, err = s.Years(ctx, core.DomainPlanning)
	require.NoError(t, err)
	assert.Equal(t, []int{2025}, years)
}

func TestCreatePartitionVersionOnlyGrows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreatePartition(ctx, core.DomainPlanning, 2024, 3))
	require.NoError(t, s.CreatePartition(ctx, core.DomainPlanning, 2024, 2))

	v, err := s.Version(ctx, core.DomainPlanning, 2024)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = s.Version(ctx, core.DomainSpending, 2024)
	require.NoError(t, err)
	assert.Zero(t, v)

	err = s.CreatePartition(ctx, core.Domain("Other"), 2024, 1)
	assert.ErrorIs(t, err, core.ErrLocalTransaction)
}
