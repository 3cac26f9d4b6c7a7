package train

import (
	"math"
	"testing"
)

func TestScheduleLearningRate(t *testing.T) {

	s := Schedule{Milestones: []int{60, 90}, Gamma: 0.1}

	cases := []struct {
		epoch int
		want  float64
	}{
		{0, 0.1},
		{59, 0.1},
		{60, 0.01},
		{89, 0.01},
		{90, 0.001},
		{200, 0.001},
	}

	for _, c := range cases {
		if got := s.LearningRate(0.1, c.epoch); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("epoch %d: expected %g, got %g", c.epoch, c.want, got)
		}
	}
}

func TestScheduleEmpty(t *testing.T) {

	s := Schedule{Gamma: 0.1}

	if got := s.LearningRate(0.25, 100); got != 0.25 {
		t.Errorf("expected base rate without milestones, got %g", got)
	}
}

func TestScheduleNormalize(t *testing.T) {

	s := Schedule{Milestones: []int{90, 60}, Gamma: 0.1}
	s.Normalize()

	if s.Milestones[0] != 60 || s.Milestones[1] != 90 {
		t.Errorf("expected sorted milestones, got %v", s.Milestones)
	}

	// the rate is a pure function of the epoch either way
	if got := s.LearningRate(1, 75); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("expected one decay at epoch 75, got %g", got)
	}
}
