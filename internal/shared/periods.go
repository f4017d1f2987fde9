package shared

import (
	"fmt"
	"time"
)

// Period statuses reused outside accounting module.
const (
	PeriodStatusOpen    = "open"
	PeriodStatusClosing = "closing"
	PeriodStatusClosed  = "closed"
)

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = NewError(KindStateConflict, "INVALID_PERIOD_TRANSITION", "period transition invalid")

// ValidatePeriodTransition checks transitions along open -> closing -> closed.
// Closed is terminal.
func ValidatePeriodTransition(current, target string) error {
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusClosing || target == PeriodStatusClosed {
			return nil
		}
	case PeriodStatusClosing:
		if target == PeriodStatusClosed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidPeriodTransition, current, target)
}

// DateOf truncates t to a UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WithinDates reports whether d lies in the inclusive [start, end] date range.
func WithinDates(d, start, end time.Time) bool {
	day := DateOf(d)
	return !day.Before(DateOf(start)) && !day.After(DateOf(end))
}
