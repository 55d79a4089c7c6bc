package patterns

import (
	"math"
	"time"
)

// DecayConfidence applies exponential decay: confidence halves every
// halfLife of inactivity.
func DecayConfidence(confidence float64, elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return clamp(confidence)
	}
	return clamp(confidence * math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds()))
}

// Reinforce moves confidence toward 1 by weight of the remaining headroom.
// Repeated observations converge on 1 without exceeding it. Applications
// commute, so combined upserts reach the same value in any order.
func Reinforce(confidence, weight float64) float64 {
	return clamp(confidence + clamp(weight)*(1-clamp(confidence)))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
