package train

import (
	"math"
	"sort"
)

// Schedule is a milestone learning-rate decay schedule: the base rate
// is multiplied by Gamma once for every milestone epoch that has been
// reached.  The computation is a pure function of the epoch so resumed
// runs land on the same rate the uninterrupted run would use.
type Schedule struct {
	// Milestones are the epochs at which the rate decays
	Milestones []int
	// Gamma is the multiplicative decay factor applied per milestone
	Gamma float64
}

// LearningRate returns the scheduled rate for the given epoch
func (s Schedule) LearningRate(base float64, epoch int) float64 {

	passed := 0

	for _, m := range s.Milestones {
		if epoch >= m {
			passed++
		}
	}

	if passed == 0 {
		return base
	}

	return base * math.Pow(s.Gamma, float64(passed))
}

// Normalize sorts the milestones ascending so LearningRate behaves the
// same regardless of the order they were configured in
func (s *Schedule) Normalize() {
	sort.Ints(s.Milestones)
}
