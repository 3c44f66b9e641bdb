package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Thresholds bound acceptable behaviour of an observed operation.
type Thresholds struct {
	// MaxFailureRate is the highest tolerated share of faulty attempts.
	MaxFailureRate float64 `json:"max_failure_rate"`
	// MaxP99Latency is the highest tolerated 99th percentile latency.
	// Zero disables the latency check.
	MaxP99Latency time.Duration `json:"max_p99_latency_ns"`
	// MinAttempts is the sample size below which no advice is given.
	MinAttempts uint64 `json:"min_attempts"`
}

// DefaultThresholds are conservative starting points for lock operations.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFailureRate: 0.05,
		MaxP99Latency:  500 * time.Millisecond,
		MinAttempts:    100,
	}
}

// Advice is a recommendation derived from one operation's statistics.
type Advice struct {
	Target         string  `json:"target"`
	Operation      string  `json:"operation"`
	FailureRate    float64 `json:"failure_rate"`
	P99Latency     string  `json:"p99_latency"`
	Reason         string  `json:"reason"`
	Recommendation string  `json:"recommendation"`
}

// Advise compares the current snapshot against t and returns one Advice per
// operation crossing a threshold. It only reports; acting on the advice is a
// deployment decision.
func (m *Monitor) Advise(t Thresholds) []Advice {
	var out []Advice
	for _, s := range m.Snapshot() {
		if s.Attempts == 0 || s.Attempts < t.MinAttempts {
			continue
		}

		var reasons []string
		rate := s.FailureRate()
		if rate > t.MaxFailureRate {
			reasons = append(reasons, fmt.Sprintf("failure rate %.1f%% above %.1f%%", rate*100, t.MaxFailureRate*100))
		}
		if t.MaxP99Latency > 0 && s.P99Latency > t.MaxP99Latency {
			reasons = append(reasons, fmt.Sprintf("p99 latency %s above %s", s.P99Latency, t.MaxP99Latency))
		}
		if len(reasons) == 0 {
			continue
		}

		out = append(out, Advice{
			Target:         s.Target,
			Operation:      s.Operation,
			FailureRate:    rate,
			P99Latency:     s.P99Latency.String(),
			Reason:         strings.Join(reasons, "; "),
			Recommendation: recommend(s),
		})
	}
	return out
}

func recommend(s OperationStats) string {
	switch {
	case s.Target == "lock/object", s.Target == "lock/file":
		return "move contended resources to the redis lock strategy"
	case s.Target == "lock/redis":
		return "check redis capacity and lease settings; consider shorter critical sections"
	case s.Failures["lock_acquisition"] > 0:
		return "resources are contended; consider the redis lock strategy or longer acquisition timeouts"
	default:
		return "investigate the storage medium"
	}
}
