package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"change/internal/core"
	"change/internal/docstore"
	"change/internal/localcache"
	"change/internal/log"
	"change/internal/templates"
)

// PlanningPersistence is the entry point for plannings. One planning exists
// per month.
type PlanningPersistence struct {
	*syncer[core.Planning]

	templates templates.Fetcher
	ids       *idSource

	group      singleflight.Group
	templateMu sync.Mutex
	template   []core.Statement
}

// NewPlanningPersistence wires plannings to the local cache and, when
// deps.Files is set, to the remote drive. fetcher may be nil.
func NewPlanningPersistence(deps Deps, fetcher templates.Fetcher, opts ...Option) *PlanningPersistence {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	p := &PlanningPersistence{
		syncer:    newSyncer[core.Planning](deps, docstore.PlanningLayout, o),
		templates: fetcher,
		ids:       &idSource{now: o.now},
	}
	p.loadLocal = p.loadMonth
	p.saveLocal = p.saveMonth
	return p
}

func (p *PlanningPersistence) partition(ctx context.Context, year int) (*localcache.Partition[core.Planning], error) {
	return localcache.Open[core.Planning](ctx, p.cache, core.DomainPlanning, year)
}

func (p *PlanningPersistence) loadMonth(ctx context.Context, year, month int) (core.Planning, bool, error) {
	part, err := p.partition(ctx, year)
	if err != nil {
		return core.Planning{}, false, err
	}
	found, err := part.GetAllByIndex(ctx, localcache.IndexByDate, localcache.Only(core.MonthKey(year, month)))
	if err != nil {
		return core.Planning{}, false, err
	}
	switch len(found) {
	case 0:
		return core.Planning{}, false, nil
	case 1:
		return found[0], true, nil
	default:
		return core.Planning{}, false, fmt.Errorf("%w: %d plannings for %04d-%02d",
			core.ErrLocalTransaction, len(found), year, month+1)
	}
}

func (p *PlanningPersistence) saveMonth(ctx context.Context, year, month int, doc core.Planning) error {
	doc.Year, doc.Month = year, month
	if doc.Statements == nil {
		doc.Statements = []core.Statement{}
	}
	part, err := p.partition(ctx, year)
	if err != nil {
		return err
	}
	return part.ReplaceByIndex(ctx, localcache.IndexByDate, localcache.Only(core.MonthKey(year, month)), []core.Planning{doc})
}

// Read returns the planning of a month. With sync enabled the remote copy
// is reconciled first. A month without a planning is seeded, in order, from
// the latest earlier month of the same year, from the nearest other cached
// year, from the default template, or as an empty planning; the seed is
// stored locally.
func (p *PlanningPersistence) Read(ctx context.Context, year, month int) (core.Planning, error) {
	if err := validPeriod(year, month); err != nil {
		return core.Planning{}, err
	}
	p.trySync(ctx, year, month)

	planning, ok, err := p.loadMonth(ctx, year, month)
	if err != nil || ok {
		return planning, err
	}

	planning, source, err := p.seed(ctx, year, month)
	if err != nil {
		return core.Planning{}, err
	}
	if err := p.saveMonth(ctx, year, month, planning); err != nil {
		return core.Planning{}, err
	}
	p.logger.InfoContext(ctx, "Seeded planning", log.FieldYear, year, log.FieldMonth, month, "source", source)
	return planning, nil
}

func (p *PlanningPersistence) seed(ctx context.Context, year, month int) (core.Planning, string, error) {
	part, err := p.partition(ctx, year)
	if err != nil {
		return core.Planning{}, "", err
	}
	earlier, err := part.GetAllByIndex(ctx, localcache.IndexByDate,
		localcache.Bound("", core.MonthKey(year, month), false, true))
	if err != nil {
		return core.Planning{}, "", err
	}
	if len(earlier) > 0 {
		return earlier[len(earlier)-1].Rebase(p.ids.next(), year, month), "previous month", nil
	}

	if prev, ok, err := p.fromOtherYears(ctx, year); err != nil {
		return core.Planning{}, "", err
	} else if ok {
		return prev.Rebase(p.ids.next(), year, month), "other year", nil
	}

	if statements, ok := p.defaultStatements(ctx); ok {
		seed := core.Planning{Statements: statements}
		return seed.Rebase(p.ids.next(), year, month), "template", nil
	}
	return core.NewPlanning(p.ids.next(), year, month), "empty", nil
}

// fromOtherYears returns the latest planning of the nearest cached year,
// looking at earlier years before later ones.
func (p *PlanningPersistence) fromOtherYears(ctx context.Context, year int) (core.Planning, bool, error) {
	years, err := p.cache.Years(ctx, core.DomainPlanning)
	if err != nil {
		return core.Planning{}, false, err
	}
	var before, after []int
	for _, y := range years {
		switch {
		case y < year:
			before = append(before, y)
		case y > year:
			after = append(after, y)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(before)))

	for _, y := range append(before, after...) {
		part, err := p.partition(ctx, y)
		if err != nil {
			return core.Planning{}, false, err
		}
		all, err := part.GetAll(ctx)
		if err != nil {
			return core.Planning{}, false, err
		}
		if len(all) > 0 {
			return all[len(all)-1], true, nil
		}
	}
	return core.Planning{}, false, nil
}

// defaultStatements fetches the template once. Concurrent callers share the
// in-flight fetch; a failed fetch is retried by the next caller.
func (p *PlanningPersistence) defaultStatements(ctx context.Context) ([]core.Statement, bool) {
	if p.templates == nil {
		return nil, false
	}
	p.templateMu.Lock()
	cached := p.template
	p.templateMu.Unlock()
	if cached != nil {
		return cached, true
	}

	v, err, shared := p.group.Do("template", func() (any, error) {
		p.templateMu.Lock()
		done := p.template
		p.templateMu.Unlock()
		if done != nil {
			return done, nil
		}
		statements, err := p.templates.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.templateMu.Lock()
		p.template = statements
		p.templateMu.Unlock()
		return statements, nil
	})
	if err != nil {
		p.logger.WarnContext(ctx, "Default planning unavailable", log.FieldError, err)
		return nil, false
	}
	p.logger.DebugContext(ctx, "Default planning fetched", "shared", shared)
	return v.([]core.Statement), true
}

// Store writes the planning locally, replacing the one of its month, then
// pushes it when sync is enabled. A later Read returns a planning Equal to
// it; amounts may come back with a different decimal exponent and nil
// statements come back empty.
func (p *PlanningPersistence) Store(ctx context.Context, planning core.Planning) (Outcome, error) {
	if err := planning.Validate(); err != nil {
		return Outcome{}, err
	}
	if planning.ID == 0 {
		planning.ID = p.ids.next()
	}
	if err := p.saveMonth(ctx, planning.Year, planning.Month, planning); err != nil {
		return Outcome{}, err
	}
	at, err := p.markDirty(ctx, planning.Year, planning.Month)
	if err != nil {
		return Outcome{}, err
	}
	if planning.Statements == nil {
		planning.Statements = []core.Statement{}
	}
	return p.commit(ctx, planning.Year, planning.Month, planning, at), nil
}

// Delete removes the planning of a month locally and remotely. A failed
// remote delete leaves a tombstone for the next sync.
func (p *PlanningPersistence) Delete(ctx context.Context, year, month int) (Outcome, error) {
	if err := validPeriod(year, month); err != nil {
		return Outcome{}, err
	}
	part, err := p.partition(ctx, year)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := part.DeleteByIndex(ctx, localcache.IndexByDate, localcache.Only(core.MonthKey(year, month))); err != nil {
		return Outcome{}, err
	}
	return p.removeRemote(ctx, year, month), nil
}

// Years lists the years with a local planning partition or a remote year
// folder.
func (p *PlanningPersistence) Years(ctx context.Context) ([]int, error) {
	return p.years(ctx)
}

// Months lists the months of year that have a local planning.
func (p *PlanningPersistence) Months(ctx context.Context, year int) ([]int, error) {
	part, err := p.partition(ctx, year)
	if err != nil {
		return nil, err
	}
	all, err := part.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	months := make([]int, 0, len(all))
	for _, planning := range all {
		if len(months) == 0 || months[len(months)-1] != planning.Month {
			months = append(months, planning.Month)
		}
	}
	return months, nil
}

func validPeriod(year, month int) error {
	if err := core.ValidateYear(year); err != nil {
		return err
	}
	return core.ValidateMonth(month)
}
