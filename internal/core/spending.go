package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Spending is a single recorded expense or income.
type Spending struct {
	ID          int64           `json:"id"`
	Type        StatementType   `json:"type"`
	SpentOn     time.Time       `json:"spentOn"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
}

// Validate reports the first problem found in s.
func (s Spending) Validate() error {
	if s.SpentOn.IsZero() {
		return ErrInvalidMonth
	}
	if !s.Type.IsValid() {
		return ErrInvalidType
	}
	if strings.TrimSpace(s.Category) == "" {
		return ErrEmptyCategory
	}
	return nil
}

// Equal compares the price by value and the date as an instant.
func (s Spending) Equal(o Spending) bool {
	return s.ID == o.ID &&
		s.Type == o.Type &&
		s.SpentOn.Equal(o.SpentOn) &&
		s.Category == o.Category &&
		s.Description == o.Description &&
		s.Price.Equal(o.Price)
}

// Year and Month locate the spending's document. Month is 0-based.
func (s Spending) Year() int  { return s.SpentOn.Year() }
func (s Spending) Month() int { return int(s.SpentOn.Month()) - 1 }

// MonthBounds returns [start, end) of a 0-based month in loc.
func MonthBounds(year, month int, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(year, time.Month(month+1), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}
