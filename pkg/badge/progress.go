package badge

import "math"

// ProgressBarWidth is the rendered width of the progress bar in pixels.
const ProgressBarWidth = 300

// Progress is a student's score against a course threshold.
type Progress struct {
	Score      float64
	MinPercent float64
	// Earned is true once a badge exists, even if the score later drops.
	Earned bool
}

// Qualifies reports whether the score meets the threshold.
func (p Progress) Qualifies() bool {
	return p.Score >= p.MinPercent
}

// BarPercent is the filled share of the bar, truncated and clamped to
// [0, 100].
func (p Progress) BarPercent() int {
	return clamp(truncate(p.Score), 0, 100)
}

// TickOffset is the threshold marker position in pixels from the left.
func (p Progress) TickOffset() int {
	return clamp(truncate(p.MinPercent*ProgressBarWidth/100), 0, ProgressBarWidth)
}

// Style is the bar styling: success once earned, danger otherwise.
func (p Progress) Style() string {
	if p.Earned {
		return "success"
	}

	return "danger"
}

func truncate(f float64) int {
	if math.IsNaN(f) {
		return 0
	}

	if math.IsInf(f, 1) || f > math.MaxInt32 {
		return math.MaxInt32
	}

	if math.IsInf(f, -1) || f < math.MinInt32 {
		return math.MinInt32
	}

	return int(f)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
