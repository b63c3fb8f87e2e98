package core

import (
	"errors"
	"fmt"
	"strings"
)

// Domain names a logical document family. Each domain gets its own folder
// in the remote store and its own set of local partitions.
type Domain string

const (
	DomainPlanning Domain = "Planning"
	DomainSpending Domain = "Spending"
)

func (d Domain) String() string { return string(d) }

// IsValid reports whether d is one of the known domains.
func (d Domain) IsValid() bool {
	switch d {
	case DomainPlanning, DomainSpending:
		return true
	default:
		return false
	}
}

// MonthNames holds the short month names indexed by 0-based month.
var MonthNames = [12]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

var (
	ErrInvalidMonth  = errors.New("invalid month")
	ErrInvalidYear   = errors.New("invalid year")
	ErrInvalidType   = errors.New("invalid statement type")
	ErrEmptyName     = errors.New("empty name")
	ErrEmptyCategory = errors.New("empty category")
)

// ValidateMonth checks a 0-based month index.
func ValidateMonth(month int) error {
	if month < 0 || month > 11 {
		return fmt.Errorf("%w: %d", ErrInvalidMonth, month)
	}
	return nil
}

// ValidateYear rejects years that cannot name a partition.
func ValidateYear(year int) error {
	if year < 1970 || year > 9999 {
		return fmt.Errorf("%w: %d", ErrInvalidYear, year)
	}
	return nil
}

// MonthName returns the short name for a 0-based month, or "" when out of range.
func MonthName(month int) string {
	if ValidateMonth(month) != nil {
		return ""
	}
	return MonthNames[month]
}

// ParseMonthName is the inverse of MonthName. Matching is case-insensitive.
func ParseMonthName(name string) (int, error) {
	for i, n := range MonthNames {
		if strings.EqualFold(n, name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrInvalidMonth, name)
}
