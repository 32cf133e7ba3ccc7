package storage

import (
	"sort"
	"time"
)

// HourNone is the sentinel for "no qualifying event" in hour fields.
const HourNone = -1

// DayKeyFormat is the canonical key format for UTC calendar days.
const DayKeyFormat = "2006-01-02"

// DayStart truncates a time to the start of its UTC calendar day.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey returns the canonical day key for a time.
func DayKey(t time.Time) string {
	return DayStart(t).Format(DayKeyFormat)
}

// DailyUsageRecord is one package's reconciled usage for one UTC day.
// There is exactly one logical record per (package, day).
type DailyUsageRecord struct {
	Package      string    `json:"package"`
	DayStart     time.Time `json:"day_start"`
	DayEnd       time.Time `json:"day_end"`
	ForegroundMs int64     `json:"foreground_ms"`
	LaunchCount  int       `json:"launch_count"`
	FirstHour    int       `json:"first_hour"`
	LastHour     int       `json:"last_hour"`
	DayOfWeek    int       `json:"day_of_week"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// DayKey returns the record's day key.
func (r DailyUsageRecord) DayKey() string {
	return DayKey(r.DayStart)
}

// TodayUsage is the running accumulator row for one package on the
// current day. Rows are merge-added, never destructively overwritten,
// and cleared as a set at rollover.
type TodayUsage struct {
	Package      string `json:"package"`
	LaunchCount  int    `json:"launch_count"`
	ForegroundMs int64  `json:"foreground_ms"`
	FirstHour    int    `json:"first_hour"`
	LastHour     int    `json:"last_hour"`
	DayOfWeek    int    `json:"day_of_week"`
}

// Range is an inclusive [Low, High] envelope of typical values.
type Range struct {
	Low  int64 `json:"low"`
	High int64 `json:"high"`
}

// Mean returns the midpoint of the range.
func (r Range) Mean() int64 {
	return (r.Low + r.High) / 2
}

// AppProfile is the learned usage envelope for a single package.
// Profiles are regenerated wholesale, never partially patched.
type AppProfile struct {
	Package           string `json:"package"`
	ForegroundRangeMs Range  `json:"foreground_range_ms"`
	LaunchRange       Range  `json:"launch_range"`
	CommonHours       []int  `json:"common_hours"`
	CommonDays        []int  `json:"common_days"`
}

// HasCommonHour reports whether the hour is common for this app.
func (p AppProfile) HasCommonHour(hour int) bool {
	return containsInt(p.CommonHours, hour)
}

// BehaviourProfile is the learned statistical envelope of normal device
// use: per-app profiles plus a global activity envelope. It is owned by
// the profile generator and read-only everywhere else.
type BehaviourProfile struct {
	ID                    string       `json:"id"`
	GeneratedAt           time.Time    `json:"generated_at"`
	Apps                  []AppProfile `json:"apps"`
	AllowedInfrequentApps []string     `json:"allowed_infrequent_apps"`
	ActiveHours           []int        `json:"active_hours"`
	DailyTotalRangeMs     Range        `json:"daily_total_range_ms"`
}

// App returns the profile for a package, or nil if the app is unprofiled.
func (p *BehaviourProfile) App(pkg string) *AppProfile {
	for i := range p.Apps {
		if p.Apps[i].Package == pkg {
			return &p.Apps[i]
		}
	}
	return nil
}

// AllowsInfrequent reports whether a package is on the allow-list of
// known infrequent apps.
func (p *BehaviourProfile) AllowsInfrequent(pkg string) bool {
	for _, allowed := range p.AllowedInfrequentApps {
		if allowed == pkg {
			return true
		}
	}
	return false
}

// HasActiveHour reports whether the hour is globally typical.
func (p *BehaviourProfile) HasActiveHour(hour int) bool {
	return containsInt(p.ActiveHours, hour)
}

// SortedHours returns a sorted slice from an hour or weekday set.
func SortedHours(hours map[int]bool) []int {
	out := make([]int, 0, len(hours))
	for h := range hours {
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

func containsInt(values []int, v int) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
