package domain

import "time"

const (
	DefaultRefreshInterval   = 15 * time.Minute
	DefaultMaxDailyRefreshes = 100
	MinRefreshInterval       = 5 * time.Minute
	MaxRefreshInterval       = 2 * time.Hour
	RefreshLogSize           = 10
)

// DayLayout formats calendar days for ScheduledDate and ResetDate.
const DayLayout = "2006-01-02"

// TimelinePolicy gates projection refreshes. RefreshCount resets once per
// calendar day; the check runs on every read.
type TimelinePolicy struct {
	RefreshInterval          time.Duration `json:"refreshInterval"`
	MaxDailyRefreshes        int           `json:"maxDailyRefreshes"`
	BackgroundRefreshEnabled bool          `json:"backgroundRefreshEnabled"`
	LastRefresh              int64         `json:"lastRefresh"`
	RefreshCount             int           `json:"refreshCount"`
	ResetDate                string        `json:"resetDate"`
}

// DefaultPolicy returns the policy used before anything was persisted.
func DefaultPolicy(today string) TimelinePolicy {
	return TimelinePolicy{
		RefreshInterval:          DefaultRefreshInterval,
		MaxDailyRefreshes:        DefaultMaxDailyRefreshes,
		BackgroundRefreshEnabled: true,
		ResetDate:                today,
	}
}

// ResetIfStale zeroes the daily counter when ResetDate is not today. It
// reports whether a reset happened.
func (p *TimelinePolicy) ResetIfStale(today string) bool {
	if p.ResetDate == today {
		return false
	}
	p.RefreshCount = 0
	p.ResetDate = today
	return true
}

// ActivityMetrics feeds the adaptive interval. Times are epoch
// milliseconds; zero means never.
type ActivityMetrics struct {
	LastAppOpen           int64   `json:"lastAppOpen"`
	LastWidgetInteraction int64   `json:"lastWidgetInteraction"`
	CompletionRate        float64 `json:"completionRate"`
	Foreground            bool    `json:"foreground"`
}

// CompletionRate scores today's progress on a 0..2 scale where 1 means half
// of today's tasks are done. No tasks scores 1.
func CompletionRate(completed, total int) float64 {
	if total <= 0 {
		return 1
	}
	return 2 * float64(completed) / float64(total)
}

// AdaptiveInterval scales base by recent activity and clamps the result to
// [MinRefreshInterval, MaxRefreshInterval].
func AdaptiveInterval(base time.Duration, m ActivityMetrics, now time.Time) time.Duration {
	interval := float64(base)
	nowMs := now.UnixMilli()
	if m.LastAppOpen > 0 {
		since := time.Duration(nowMs-m.LastAppOpen) * time.Millisecond
		switch {
		case since < time.Hour:
			interval *= 0.5
		case since < 6*time.Hour:
			interval *= 0.75
		case since > 24*time.Hour:
			interval *= 2.0
		}
	}
	if m.LastWidgetInteraction > 0 && time.Duration(nowMs-m.LastWidgetInteraction)*time.Millisecond < 2*time.Hour {
		interval *= 0.75
	}
	interval /= clampFloat(m.CompletionRate, 0.5, 2.0)

	d := time.Duration(interval)
	if d < MinRefreshInterval {
		return MinRefreshInterval
	}
	if d > MaxRefreshInterval {
		return MaxRefreshInterval
	}
	return d
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RefreshLogEntry is one diagnostic record of a refresh attempt.
type RefreshLogEntry struct {
	At        int64         `json:"at"`
	Reason    string        `json:"reason"`
	Forced    bool          `json:"forced"`
	Succeeded bool          `json:"succeeded"`
	Interval  time.Duration `json:"interval"`
	Error     string        `json:"error,omitempty"`
}

// AppendRefreshLog appends e and keeps only the newest RefreshLogSize entries.
func AppendRefreshLog(entries []RefreshLogEntry, e RefreshLogEntry) []RefreshLogEntry {
	entries = append(entries, e)
	if n := len(entries); n > RefreshLogSize {
		entries = append([]RefreshLogEntry(nil), entries[n-RefreshLogSize:]...)
	}
	return entries
}
