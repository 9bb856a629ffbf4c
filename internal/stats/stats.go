// Package stats computes the dashboard aggregate statistics over a shift
// collection.
package stats

import (
	"cmp"
	"slices"
	"strconv"
	"time"

	"github.com/joescharf/rota/internal/models"
)

// Default window bounds, relative to now.
const (
	DefaultLookBack  = 7 * 24 * time.Hour
	DefaultLookAhead = 30 * 24 * time.Hour

	// MaxAssignees caps the assignee distribution.
	MaxAssignees = 8
)

// Night hours: a time of day at or after NightStartHour or before NightEndHour.
const (
	NightStartHour = 18
	NightEndHour   = 6
)

// Window is a closed interval on shift start times.
type Window struct {
	Start time.Time
	End   time.Time
}

// DefaultWindow returns now-7d .. now+30d.
func DefaultWindow(now time.Time) Window {
	return Window{Start: now.Add(-DefaultLookBack), End: now.Add(DefaultLookAhead)}
}

// Contains reports whether t lies in [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Calculator computes summaries. Times of day are read in Location.
type Calculator struct {
	Location *time.Location
}

// NewCalculator returns a Calculator using the local zone.
func NewCalculator() *Calculator {
	return &Calculator{Location: time.Local}
}

// Summarize computes the statistics for shifts starting inside w. A zero
// window is replaced by DefaultWindow(time.Now()).
func (c *Calculator) Summarize(shifts []models.Shift, w Window) *models.ShiftSummary {
	if w.Start.IsZero() && w.End.IsZero() {
		w = DefaultWindow(time.Now())
	}

	sum := &models.ShiftSummary{
		RoleDistribution:       []models.SummaryItem{},
		DepartmentDistribution: []models.SummaryItem{},
		AssigneeDistribution:   []models.SummaryItem{},
	}
	roles := map[string]int64{}
	departments := map[string]int64{}
	assignees := map[string]int64{}
	assigneeIDs := map[int64]struct{}{}

	for _, s := range shifts {
		if s.StartTime.IsZero() || !w.Contains(s.StartTime.Time) {
			continue
		}
		sum.TotalShifts++
		if c.isNight(s) {
			sum.NightShifts++
		}
		if s.AssigneeUserID != nil {
			sum.AssignedShifts++
			assigneeIDs[*s.AssigneeUserID] = struct{}{}
			assignees[assigneeLabel(s)]++
		}
		roles[string(s.RequiredRole)]++
		if label, ok := departmentLabel(s); ok {
			departments[label]++
		}
	}
	sum.UnassignedShifts = sum.TotalShifts - sum.AssignedShifts
	sum.TotalAssignees = int64(len(assigneeIDs))

	sum.RoleDistribution = byLabel(roles)
	sum.DepartmentDistribution = byCount(departments, 0)
	sum.AssigneeDistribution = byCount(assignees, MaxAssignees)
	return sum
}

func (c *Calculator) isNight(s models.Shift) bool {
	if nightHour(s.StartTime.In(c.loc()).Hour()) {
		return true
	}
	return !s.EndTime.IsZero() && nightHour(s.EndTime.In(c.loc()).Hour())
}

func (c *Calculator) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

func nightHour(h int) bool {
	return h >= NightStartHour || h < NightEndHour
}

func departmentLabel(s models.Shift) (string, bool) {
	switch {
	case s.DepartmentName != "":
		return s.DepartmentName, true
	case s.DepartmentID != 0:
		return "Department #" + strconv.FormatInt(s.DepartmentID, 10), true
	default:
		return "", false
	}
}

func assigneeLabel(s models.Shift) string {
	if s.AssigneeName != "" {
		return s.AssigneeName
	}
	return "User #" + strconv.FormatInt(*s.AssigneeUserID, 10)
}

func byLabel(m map[string]int64) []models.SummaryItem {
	items := toItems(m)
	slices.SortFunc(items, func(a, b models.SummaryItem) int { return cmp.Compare(a.Label, b.Label) })
	return items
}

// byCount sorts descending by value, ties by label, and keeps at most limit
// items when limit > 0.
func byCount(m map[string]int64, limit int) []models.SummaryItem {
	items := toItems(m)
	slices.SortFunc(items, func(a, b models.SummaryItem) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Label, b.Label)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func toItems(m map[string]int64) []models.SummaryItem {
	items := make([]models.SummaryItem, 0, len(m))
	for k, v := range m {
		items = append(items, models.SummaryItem{Label: k, Value: v})
	}
	return items
}
