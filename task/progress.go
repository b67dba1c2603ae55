package task

import "time"

// Percentage converts a completed/total step count into a percentage,
// clamped to [0,100]. A non-positive total yields 0.
func Percentage(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(completed) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ETA estimates the seconds remaining from the elapsed time and the
// completed/total ratio. It returns nil when no estimate is possible:
// nothing completed yet, or the work is already done.
func ETA(completed, total int, elapsed time.Duration) *float64 {
	if completed <= 0 || total <= 0 || Percentage(completed, total) >= 100 {
		return nil
	}
	remaining := elapsed.Seconds() / float64(completed) * float64(total-completed)
	return &remaining
}
