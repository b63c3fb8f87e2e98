package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	daysPerMonth  = 30
	daysPerYear   = 365
	monthsPerYear = 12
)

// StatementType groups statements of a planning.
type StatementType string

const (
	StatementIncome  StatementType = "Income"
	StatementExpense StatementType = "Expense"
	StatementSaving  StatementType = "Saving"
)

// StatementTypes lists every statement type in display order.
var StatementTypes = []StatementType{StatementIncome, StatementExpense, StatementSaving}

func (t StatementType) IsValid() bool {
	switch t {
	case StatementIncome, StatementExpense, StatementSaving:
		return true
	default:
		return false
	}
}

type (
	// Goal is an amount put aside, expressed at three granularities.
	Goal struct {
		Name    string          `json:"name"`
		Daily   decimal.Decimal `json:"daily"`
		Monthly decimal.Decimal `json:"monthly"`
		Yearly  decimal.Decimal `json:"yearly"`
	}

	Category struct {
		ID    int64  `json:"id"`
		Name  string `json:"name"`
		Goals []Goal `json:"goals"`
	}

	Statement struct {
		ID         int64         `json:"id"`
		Name       string        `json:"name"`
		Type       StatementType `json:"type"`
		Categories []Category    `json:"categories"`
	}

	// Planning is the budget of a single month.
	Planning struct {
		ID         int64       `json:"id"`
		Year       int         `json:"year"`
		Month      int         `json:"month"`
		Statements []Statement `json:"statements"`
	}
)

func GoalFromDaily(name string, amount decimal.Decimal) Goal {
	return Goal{
		Name:    name,
		Daily:   amount,
		Monthly: amount.Mul(decimal.NewFromInt(daysPerMonth)),
		Yearly:  amount.Mul(decimal.NewFromInt(daysPerYear)),
	}
}

func GoalFromMonthly(name string, amount decimal.Decimal) Goal {
	return Goal{
		Name:    name,
		Daily:   amount.Div(decimal.NewFromInt(daysPerMonth)),
		Monthly: amount,
		Yearly:  amount.Mul(decimal.NewFromInt(monthsPerYear)),
	}
}

func GoalFromYearly(name string, amount decimal.Decimal) Goal {
	return Goal{
		Name:    name,
		Daily:   amount.Div(decimal.NewFromInt(daysPerYear)),
		Monthly: amount.Div(decimal.NewFromInt(monthsPerYear)),
		Yearly:  amount,
	}
}

// TotalDaily sums the daily amount of every goal in the category.
func (c Category) TotalDaily() decimal.Decimal {
	total := decimal.Zero
	for _, g := range c.Goals {
		total = total.Add(g.Daily)
	}
	return total
}

func (c Category) TotalMonthly() decimal.Decimal {
	total := decimal.Zero
	for _, g := range c.Goals {
		total = total.Add(g.Monthly)
	}
	return total
}

func (c Category) TotalYearly() decimal.Decimal {
	total := decimal.Zero
	for _, g := range c.Goals {
		total = total.Add(g.Yearly)
	}
	return total
}

// NewPlanning returns an empty planning for the given month.
func NewPlanning(id int64, year, month int) Planning {
	return Planning{ID: id, Year: year, Month: month, Statements: []Statement{}}
}

// Validate checks the planning period and statement types.
func (p Planning) Validate() error {
	if err := ValidateYear(p.Year); err != nil {
		return err
	}
	if err := ValidateMonth(p.Month); err != nil {
		return err
	}
	for _, s := range p.Statements {
		if !s.Type.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidType, s.Type)
		}
	}
	return nil
}

// Categories returns the categories of every statement of the given type.
func (p Planning) Categories(t StatementType) []Category {
	var out []Category
	for _, s := range p.Statements {
		if s.Type == t {
			out = append(out, s.Categories...)
		}
	}
	return out
}

func (p Planning) AllCategories() []Category {
	var out []Category
	for _, s := range p.Statements {
		out = append(out, s.Categories...)
	}
	return out
}

// Goals returns the goals of every category under statements of type t.
func (p Planning) Goals(t StatementType) []Goal {
	var out []Goal
	for _, c := range p.Categories(t) {
		out = append(out, c.Goals...)
	}
	return out
}

// Rebase returns a deep copy of p moved to another period, as used when a
// planning from a previous month seeds a new one.
func (p Planning) Rebase(id int64, year, month int) Planning {
	out := Planning{ID: id, Year: year, Month: month, Statements: make([]Statement, 0, len(p.Statements))}
	for _, s := range p.Statements {
		cs := make([]Category, 0, len(s.Categories))
		for _, c := range s.Categories {
			cs = append(cs, Category{ID: c.ID, Name: c.Name, Goals: append([]Goal(nil), c.Goals...)})
		}
		out.Statements = append(out.Statements, Statement{ID: s.ID, Name: s.Name, Type: s.Type, Categories: cs})
	}
	return out
}

// Equal compares amounts by value, so a planning read back from JSON equals
// the one stored even when decimal exponents differ. Nil and empty slices
// are equal.
func (p Planning) Equal(o Planning) bool {
	if p.ID != o.ID || p.Year != o.Year || p.Month != o.Month || len(p.Statements) != len(o.Statements) {
		return false
	}
	for i := range p.Statements {
		if !p.Statements[i].Equal(o.Statements[i]) {
			return false
		}
	}
	return true
}

func (s Statement) Equal(o Statement) bool {
	if s.ID != o.ID || s.Name != o.Name || s.Type != o.Type || len(s.Categories) != len(o.Categories) {
		return false
	}
	for i := range s.Categories {
		if !s.Categories[i].Equal(o.Categories[i]) {
			return false
		}
	}
	return true
}

func (c Category) Equal(o Category) bool {
	if c.ID != o.ID || c.Name != o.Name || len(c.Goals) != len(o.Goals) {
		return false
	}
	for i := range c.Goals {
		if !c.Goals[i].Equal(o.Goals[i]) {
			return false
		}
	}
	return true
}

func (g Goal) Equal(o Goal) bool {
	return g.Name == o.Name && g.Daily.Equal(o.Daily) && g.Monthly.Equal(o.Monthly) && g.Yearly.Equal(o.Yearly)
}
