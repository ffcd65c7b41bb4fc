package round

import (
	"fmt"
	"math"
	"time"

	"go.dedis.ch/onet/v3/log"
)

// maxLatenciesStored bounds PhaseStatistics' rolling window, same idea as
// the teacher's MAX_LATENCY_STORED: old samples are dropped rather than
// growing the slice forever.
const maxLatenciesStored = 100

// PhaseStatistics tracks how long each phase takes, from the moment a
// server starts collecting client ciphertexts to the moment it pushes the
// reconstructed cleartext, and periodically logs a rolling summary.
type PhaseStatistics struct {
	period     time.Duration
	nextReport time.Time
	reportNo   int
	total      int

	started time.Time
	samples []int64 // milliseconds
}

// NewPhaseStatistics creates a tracker that reports a summary at most once
// per period.
func NewPhaseStatistics(period time.Duration) *PhaseStatistics {
	return &PhaseStatistics{period: period, nextReport: time.Now().Add(period)}
}

// StartPhase marks the beginning of a phase whose duration will be
// recorded the next time EndPhase is called.
func (s *PhaseStatistics) StartPhase() {
	s.started = time.Now()
}

// EndPhase records the elapsed time since the matching StartPhase and
// returns the latency-summary report string, or "" if the reporting
// period hasn't elapsed yet.
func (s *PhaseStatistics) EndPhase() string {
	if s.started.IsZero() {
		return ""
	}
	elapsed := time.Since(s.started).Milliseconds()
	s.started = time.Time{}

	s.samples = append(s.samples, elapsed)
	s.total++
	if len(s.samples) > maxLatenciesStored {
		s.samples = s.samples[len(s.samples)-maxLatenciesStored:]
	}

	now := time.Now()
	if now.Before(s.nextReport) {
		return ""
	}
	mean, interval := meanInt64(s.samples), confidenceInterval95(s.samples)
	str := fmt.Sprintf("[%v] phase latency %.2fms +- %.2fms (over %d samples, %d total)",
		s.reportNo, mean, interval, len(s.samples), s.total)
	log.Lvl1(str)
	s.nextReport = now.Add(s.period)
	s.reportNo++
	return str
}

func meanInt64(data []int64) float64 {
	if len(data) == 0 {
		return -1
	}
	var sum int64
	for _, v := range data {
		sum += v
	}
	return float64(sum) / float64(len(data))
}

func confidenceInterval95(data []int64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}
	mean := meanInt64(data)
	var variance float64
	for _, v := range data {
		diff := mean - float64(v)
		variance += diff * diff
	}
	variance /= float64(n)
	sigma := math.Sqrt(variance) / math.Sqrt(float64(n))
	return 1.96 * sigma
}
