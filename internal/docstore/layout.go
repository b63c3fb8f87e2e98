// Package docstore maps monthly documents onto files of the remote drive,
// laid out as AppRoot/{Domain}/{Year}/{File}, and keeps their sync records.
package docstore

import (
	"fmt"
	"strconv"

	"change/internal/core"
)

// DefaultAppRoot is the name of the top-level application folder.
const DefaultAppRoot = "Change!"

// Layout names the remote files of one domain.
type Layout struct {
	Domain   core.Domain
	FileName func(year, month int) string
}

// PlanningLayout stores plannings as Planning/{year}/Planning_{year}_{Mon}.json.
var PlanningLayout = Layout{
	Domain: core.DomainPlanning,
	FileName: func(year, month int) string {
		return fmt.Sprintf("Planning_%d_%s.json", year, core.MonthName(month))
	},
}

// SpendingLayout stores spendings as Spending/{year}/{month}.json with a
// 0-based month.
var SpendingLayout = Layout{
	Domain: core.DomainSpending,
	FileName: func(_, month int) string {
		return strconv.Itoa(month) + ".json"
	},
}

func (l Layout) domainPath(root string) string {
	return root + "/" + l.Domain.String()
}

func (l Layout) yearPath(root string, year int) string {
	return l.domainPath(root) + "/" + strconv.Itoa(year)
}

// path is the logical name of a document; it keys the sync record.
func (l Layout) path(root string, year, month int) string {
	return l.yearPath(root, year) + "/" + l.FileName(year, month)
}
