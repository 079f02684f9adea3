// Package maintenance evaluates maintenance-window blackout periods. It is
// pure and deterministic: given the current UTC time and a shared window
// list, it reports whether a window is active right now and, if so, when it
// ends.
package maintenance

import "time"

const minutesPerDay = 24 * 60

// Window is a blackout window expressed as a minute-of-day start, shared
// across all windows in a duration.
type Window struct {
	Label        string
	StartMinutes int // 0-1439
}

// Result is the outcome of Evaluate.
type Result struct {
	Active   bool
	Window   *Window
	ResumeAt time.Time
}

// Evaluate reports whether now falls inside any window [start, start+duration)
// (UTC minute-of-day, wrapping across midnight). If durationMinutes <= 0,
// every window is treated as inactive.
func Evaluate(now time.Time, windows []Window, durationMinutes int) Result {
	if durationMinutes <= 0 {
		return Result{Active: false}
	}

	now = now.UTC()
	nowMinute := now.Hour()*60 + now.Minute()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for i := range windows {
		w := windows[i]
		start := w.StartMinutes % minutesPerDay
		end := start + durationMinutes // may exceed minutesPerDay (wraps)

		if within(nowMinute, start, end) {
			resumeMinute := end
			resumeDay := dayStart
			if resumeMinute >= minutesPerDay {
				// Window wraps past midnight; if we're in the pre-midnight
				// part, resume lands tomorrow. If we're in the post-midnight
				// part (nowMinute < start), resume is today (the tail of
				// yesterday's window).
				if nowMinute >= start {
					resumeDay = dayStart.AddDate(0, 0, 1)
				}
				resumeMinute -= minutesPerDay
			}
			resumeAt := resumeDay.Add(time.Duration(resumeMinute) * time.Minute)
			return Result{Active: true, Window: &w, ResumeAt: resumeAt}
		}
	}

	return Result{Active: false}
}

// within reports whether minute-of-day m falls in [start, end), where end
// may be >= minutesPerDay to represent a window that wraps past midnight,
// and m may need to be considered both as today's minute and as
// today's-minute-plus-a-day to catch the wrapped case.
func within(m, start, end int) bool {
	if m >= start && m < end {
		return true
	}
	if end > minutesPerDay && m < end-minutesPerDay {
		return true
	}
	return false
}
