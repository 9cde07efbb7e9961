package metrics

import "time"

// Submission records a plot submission: created, existing or an error code.
func Submission(result string) {
	if !enabled {
		return
	}
	submissionTotal.WithLabelValues(result).Inc()
}

// VerifierCall records one call to the verification service.
func VerifierCall(outcome string) {
	if !enabled {
		return
	}
	verifierCallTotal.WithLabelValues(outcome).Inc()
}

// Claim records the result of a claim attempt.
func Claim(result string, took time.Duration) {
	if !enabled {
		return
	}
	claimTotal.WithLabelValues(result).Inc()
	claimDuration.Observe(took.Seconds())
}

// ConsistencyError records a confirmed claim that could not be persisted.
func ConsistencyError() {
	if !enabled {
		return
	}
	consistencyErrorTotal.Inc()
}

// SweepAction records how the reconciliation sweep handled one record.
func SweepAction(action string, n int) {
	if !enabled || n == 0 {
		return
	}
	sweepActionTotal.WithLabelValues(action).Add(float64(n))
}

// Sweep records the duration of one reconciliation sweep.
func Sweep(took time.Duration) {
	if !enabled {
		return
	}
	sweepDuration.Observe(took.Seconds())
}
