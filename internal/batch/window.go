// Package batch computes the fixed-duration collection windows a DAP task is
// aggregated over and decides when a window is ready to be collected.
//
// Windows are whole UTC calendar days. A window starting on S with a duration
// of D days covers [S, S+D-1] inclusive, and windows anchored at the same
// partner start date tile the calendar with no gaps or overlaps.
package batch

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// Day is the unit every window duration must be a multiple of.
const Day = 24 * time.Hour

// Window is a single batch interval.
type Window struct {
	Start    civil.Date
	End      civil.Date
	Duration time.Duration
}

// String renders the window as "start..end".
func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.Start, w.End)
}

// Days returns the window length in whole days.
func (w Window) Days() int {
	return int(w.Duration / Day)
}

// Contains reports whether d falls inside the window, bounds included.
func (w Window) Contains(d civil.Date) bool {
	return !d.Before(w.Start) && !d.After(w.End)
}

// IntervalStart returns the window start as Unix seconds at UTC midnight,
// the value passed to the collector as --batch-interval-start.
func (w Window) IntervalStart() int64 {
	return w.Start.In(time.UTC).Unix()
}

// IntervalSeconds returns the duration passed as --batch-interval-duration.
func (w Window) IntervalSeconds() int64 {
	return int64(w.Duration / time.Second)
}

// DurationDays converts a window duration into a day count. The duration must
// be positive and an exact multiple of a day.
func DurationDays(d time.Duration) (int, error) {
	if d < Day {
		return 0, fmt.Errorf("window duration %s is shorter than one day", d)
	}
	if d%Day != 0 {
		return 0, fmt.Errorf("window duration %s is not a whole number of days", d)
	}
	return int(d / Day), nil
}

// CurrentBatchStart returns the start of the window containing processDate.
// It returns false when processDate is before partnerStart; no window exists
// yet in that case. durationDays must be positive.
func CurrentBatchStart(processDate, partnerStart civil.Date, durationDays int) (civil.Date, bool) {
	if durationDays <= 0 || processDate.Before(partnerStart) {
		return civil.Date{}, false
	}
	elapsed := processDate.DaysSince(partnerStart)
	k := elapsed / durationDays
	return partnerStart.AddDays(k * durationDays), true
}

// CurrentBatchEnd returns the inclusive last day of a window.
func CurrentBatchEnd(batchStart civil.Date, durationDays int) civil.Date {
	return batchStart.AddDays(durationDays - 1)
}

// ShouldCollect reports whether a window ending on batchEnd is collected on
// processDate. A window is collected exactly once, on its last day.
func ShouldCollect(processDate, batchEnd civil.Date) bool {
	return processDate == batchEnd
}

// Current returns the window containing processDate for a schedule anchored at
// partnerStart. It returns false when processDate precedes partnerStart.
func Current(processDate, partnerStart civil.Date, duration time.Duration) (Window, bool, error) {
	days, err := DurationDays(duration)
	if err != nil {
		return Window{}, false, err
	}
	start, ok := CurrentBatchStart(processDate, partnerStart, days)
	if !ok {
		return Window{}, false, nil
	}
	return Window{
		Start:    start,
		End:      CurrentBatchEnd(start, days),
		Duration: duration,
	}, true, nil
}

// Due reports whether w is collected on processDate.
func (w Window) Due(processDate civil.Date) bool {
	return ShouldCollect(processDate, w.End)
}
