package callhistory

import "math"

// A call counts as successful only when the provider flagged success, the
// conversation ran longer than this floor, and it did not end in voicemail.
const successDurationFloorSec = 10

const voicemailReason = "voicemail"

// SummaryStats are per-period aggregates for reporting.
type SummaryStats struct {
	TotalCalls      int     `json:"total_calls"`
	SuccessfulCalls int     `json:"successful_calls"`
	SuccessRate     float64 `json:"success_rate"`
	TotalDurationS  float64 `json:"total_duration_sec"`
	TotalCost       float64 `json:"total_cost"`
}

// Summarize aggregates a call list. It is a pure function of its input:
// running it twice over the same records yields identical output.
func Summarize(records []CallRecord) SummaryStats {
	stats := SummaryStats{TotalCalls: len(records)}
	for _, r := range records {
		stats.TotalDurationS += r.DurationSec
		stats.TotalCost += r.Cost
		if IsSuccessful(r) {
			stats.SuccessfulCalls++
		}
	}
	if stats.TotalCalls > 0 {
		rate := float64(stats.SuccessfulCalls) / float64(stats.TotalCalls) * 100
		stats.SuccessRate = math.Round(rate*10) / 10
	}
	return stats
}

// IsSuccessful applies the success policy to one record.
func IsSuccessful(r CallRecord) bool {
	return r.Success && r.DurationSec > successDurationFloorSec && r.EndedReason != voicemailReason
}
