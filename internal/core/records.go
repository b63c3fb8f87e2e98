package core

import (
	"fmt"
	"strconv"
)

// Layouts of the local index keys. Both sort lexicographically in time order.
const (
	MonthKeyLayout = "2006-01"
	DateKeyLayout  = "2006-01-02T15:04:05"
)

// MonthKey formats a 0-based month of year as an index key.
func MonthKey(year, month int) string {
	return fmt.Sprintf("%04d-%02d", year, month+1)
}

func (p Planning) RecordKey() string { return strconv.FormatInt(p.ID, 10) }
func (p Planning) IndexDate() string { return MonthKey(p.Year, p.Month) }

// IndexCategory is empty: a planning spans every statement type, so type
// filtering goes through Categories instead of the index.
func (p Planning) IndexCategory() string { return "" }

func (s Spending) RecordKey() string     { return strconv.FormatInt(s.ID, 10) }
func (s Spending) IndexDate() string     { return s.SpentOn.Format(DateKeyLayout) }
func (s Spending) IndexCategory() string { return s.Category }
