package syncengine

import (
	"context"
	"fmt"
	"time"

	"change/internal/core"
	"change/internal/docstore"
	"change/internal/localcache"
)

// SpendingPersistence is the entry point for spendings. The remote document
// of a month is the list of its spendings.
type SpendingPersistence struct {
	*syncer[[]core.Spending]
	ids *idSource
}

func NewSpendingPersistence(deps Deps, opts ...Option) *SpendingPersistence {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	s := &SpendingPersistence{
		syncer: newSyncer[[]core.Spending](deps, docstore.SpendingLayout, o),
		ids:    &idSource{now: o.now},
	}
	s.loadLocal = s.loadMonth
	s.saveLocal = s.saveMonth
	s.emptyIsDocument = true
	return s
}

func (s *SpendingPersistence) partition(ctx context.Context, year int) (*localcache.Partition[core.Spending], error) {
	return localcache.Open[core.Spending](ctx, s.cache, core.DomainSpending, year)
}

// monthRange selects the date keys of a 0-based month.
func monthRange(year, month int) localcache.Range {
	return localcache.Bound(core.MonthKey(year, month), core.MonthKey(year, month+1), false, true)
}

func (s *SpendingPersistence) loadMonth(ctx context.Context, year, month int) ([]core.Spending, bool, error) {
	part, err := s.partition(ctx, year)
	if err != nil {
		return nil, false, err
	}
	found, err := part.GetAllByIndex(ctx, localcache.IndexByDate, monthRange(year, month))
	if err != nil {
		return nil, false, err
	}
	if found == nil {
		found = []core.Spending{}
	}
	return found, len(found) > 0, nil
}

func (s *SpendingPersistence) saveMonth(ctx context.Context, year, month int, spendings []core.Spending) error {
	for _, sp := range spendings {
		if sp.Year() != year || sp.Month() != month {
			return fmt.Errorf("spending %d dated %s outside %04d-%02d: %w",
				sp.ID, sp.SpentOn.Format(time.DateOnly), year, month+1, core.ErrInvalidMonth)
		}
	}
	part, err := s.partition(ctx, year)
	if err != nil {
		return err
	}
	return part.ReplaceByIndex(ctx, localcache.IndexByDate, monthRange(year, month), spendings)
}

// Read returns the spendings of a month ordered by date, reconciling the
// remote copy first when sync is enabled. An empty month is not an error.
func (s *SpendingPersistence) Read(ctx context.Context, year, month int) ([]core.Spending, error) {
	if err := validPeriod(year, month); err != nil {
		return nil, err
	}
	s.trySync(ctx, year, month)
	spendings, _, err := s.loadMonth(ctx, year, month)
	return spendings, err
}

// ReadYear returns the local spendings of year grouped by 0-based month.
// Months without spendings are nil.
func (s *SpendingPersistence) ReadYear(ctx context.Context, year int) ([12][]core.Spending, error) {
	var out [12][]core.Spending
	if err := core.ValidateYear(year); err != nil {
		return out, err
	}
	part, err := s.partition(ctx, year)
	if err != nil {
		return out, err
	}
	all, err := part.GetAll(ctx)
	if err != nil {
		return out, err
	}
	for _, sp := range all {
		out[sp.Month()] = append(out[sp.Month()], sp)
	}
	return out, nil
}

// Store saves one spending locally and pushes its month.
func (s *SpendingPersistence) Store(ctx context.Context, spending core.Spending) (Outcome, error) {
	if err := spending.Validate(); err != nil {
		return Outcome{}, err
	}
	if spending.ID == 0 {
		spending.ID = s.ids.next()
	}
	year, month := spending.Year(), spending.Month()
	part, err := s.partition(ctx, year)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := part.Insert(ctx, "", spending); err != nil {
		return Outcome{}, err
	}
	return s.pushMonth(ctx, year, month)
}

// Delete removes one spending and pushes the rest of its month.
func (s *SpendingPersistence) Delete(ctx context.Context, spending core.Spending) (Outcome, error) {
	year, month := spending.Year(), spending.Month()
	part, err := s.partition(ctx, year)
	if err != nil {
		return Outcome{}, err
	}
	if err := part.Delete(ctx, spending.RecordKey()); err != nil {
		return Outcome{}, err
	}
	return s.pushMonth(ctx, year, month)
}

// ReplaceMonth swaps every spending of a month for spendings.
func (s *SpendingPersistence) ReplaceMonth(ctx context.Context, year, month int, spendings []core.Spending) (Outcome, error) {
	if err := validPeriod(year, month); err != nil {
		return Outcome{}, err
	}
	for i := range spendings {
		if err := spendings[i].Validate(); err != nil {
			return Outcome{}, err
		}
		if spendings[i].ID == 0 {
			spendings[i].ID = s.ids.next()
		}
	}
	if err := s.saveMonth(ctx, year, month, spendings); err != nil {
		return Outcome{}, err
	}
	return s.pushMonth(ctx, year, month)
}

// DeleteMonth removes a whole month locally and its remote file.
func (s *SpendingPersistence) DeleteMonth(ctx context.Context, year, month int) (Outcome, error) {
	if err := validPeriod(year, month); err != nil {
		return Outcome{}, err
	}
	part, err := s.partition(ctx, year)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := part.DeleteByIndex(ctx, localcache.IndexByDate, monthRange(year, month)); err != nil {
		return Outcome{}, err
	}
	return s.removeRemote(ctx, year, month), nil
}

func (s *SpendingPersistence) pushMonth(ctx context.Context, year, month int) (Outcome, error) {
	at, err := s.markDirty(ctx, year, month)
	if err != nil {
		return Outcome{}, err
	}
	spendings, _, err := s.loadMonth(ctx, year, month)
	if err != nil {
		return Outcome{}, err
	}
	return s.commit(ctx, year, month, spendings, at), nil
}

// Years lists the years with a local spending partition or a remote year
// folder. Reading any month creates its partition, so a listed year may
// hold no spendings.
func (s *SpendingPersistence) Years(ctx context.Context) ([]int, error) {
	return s.years(ctx)
}

// Months lists the months of year that have local spendings.
func (s *SpendingPersistence) Months(ctx context.Context, year int) ([]int, error) {
	byMonth, err := s.ReadYear(ctx, year)
	if err != nil {
		return nil, err
	}
	var months []int
	for m, spendings := range byMonth {
		if len(spendings) > 0 {
			months = append(months, m)
		}
	}
	return months, nil
}
