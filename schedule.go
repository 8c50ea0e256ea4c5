package jobqueue

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultRepeatInterval = 60 * time.Second
	dailyInterval         = 24 * time.Hour
	monthlyInterval       = 30 * dailyInterval
)

// ResolveInterval turns a repeat spec into the fixed interval used for the
// whole life of a schedule.
//
// A positive Every wins. A Pattern is approximated: when its day-of-month
// field names a concrete day the schedule is monthly, otherwise daily.
// Without either the interval is one minute.
func ResolveInterval(spec RepeatSpec) time.Duration {
	if spec.Every > 0 {
		return spec.Every
	}
	if p := strings.TrimSpace(spec.Pattern); p != "" {
		if isMonthlyPattern(p) {
			return monthlyInterval
		}
		return dailyInterval
	}
	return defaultRepeatInterval
}

// isMonthlyPattern reports whether a 5 or 6 field cron pattern pins the
// day of month while leaving the month open.
func isMonthlyPattern(p string) bool {
	if strings.EqualFold(p, "@monthly") {
		return true
	}
	fields := strings.Fields(p)
	if len(fields) < 5 {
		return false
	}
	// optional leading seconds field
	if len(fields) == 6 {
		fields = fields[1:]
	}
	dom, month := fields[2], fields[3]
	return dom != "*" && dom != "?" && (month == "*" || month == "?")
}

// firstRunDelay is the wait before the first job of a schedule.
func firstRunDelay(spec RepeatSpec, interval time.Duration) time.Duration {
	if spec.Offset > 0 {
		return spec.Offset
	}
	return interval
}

// validatePattern checks a cron pattern with the standard 5-field parser.
// The interval heuristic does not depend on the result.
func validatePattern(p string) error {
	_, err := cron.ParseStandard(p)
	return err
}

// BackoffDelay returns the wait before retry number attempt (1-based).
//
// Fixed backoff returns the base delay every time. Exponential backoff
// returns base * 2^(attempt-1). A nil backoff means no wait, and any other
// type falls back to the base delay.
func BackoffDelay(b *Backoff, attempt int) time.Duration {
	if b == nil || b.Delay <= 0 {
		return 0
	}
	switch b.Type {
	case BackoffExponential:
		if attempt < 1 {
			attempt = 1
		}
		// keep the shift below the point where Duration overflows
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		return b.Delay * time.Duration(1<<shift)
	default:
		return b.Delay
	}
}
