package mediaprobe

// PTSReport is the temporal-integrity verdict for one source. Live feeds
// advance monotonically; loops and frozen cards jump backward.
type PTSReport struct {
	OK        bool    `json:"ok"`
	Reason    string  `json:"reason,omitempty"` // set when !OK (e.g. too_few_pts)
	Count     int     `json:"pts_count"`
	Span      float64 `json:"pts_span"`
	Backward  int     `json:"backward_count"`
	Monotonic bool    `json:"is_monotonic"`
	// First few samples kept for debugging; never more than ten.
	Samples []float64 `json:"pts_samples,omitempty"`
}

// ReasonTooFewPTS marks an inconclusive check: not enough decodable frames
// to judge advancement.
const ReasonTooFewPTS = "too_few_pts"

// EvaluatePTS classifies a timestamp sample. Below minCount samples the
// check is inconclusive. A backward transition is any timestamp less than or
// equal to its predecessor; up to tolerance of them are forgiven (a single
// decoder artifact should not condemn a live feed).
func EvaluatePTS(pts []float64, minCount, tolerance int) PTSReport {
	if minCount <= 0 {
		minCount = 5
	}
	if len(pts) < minCount {
		return PTSReport{Reason: ReasonTooFewPTS, Count: len(pts)}
	}

	backward := 0
	lo, hi := pts[0], pts[0]
	for i := 1; i < len(pts); i++ {
		if pts[i] <= pts[i-1] {
			backward++
		}
		if pts[i] < lo {
			lo = pts[i]
		}
		if pts[i] > hi {
			hi = pts[i]
		}
	}

	samples := pts
	if len(samples) > 10 {
		samples = samples[:10]
	}
	return PTSReport{
		OK:        true,
		Count:     len(pts),
		Span:      round3(hi - lo),
		Backward:  backward,
		Monotonic: backward <= tolerance,
		Samples:   append([]float64(nil), samples...),
	}
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
