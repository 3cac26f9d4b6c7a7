package train

import (
	"math"
	"testing"
)

func TestMeter(t *testing.T) {

	m := NewMeter()

	// two batches of different sizes weight the average by sample count
	m.Update(1.0, 2)
	m.Update(4.0, 6)

	if m.Val != 4.0 {
		t.Errorf("expected last value 4, got %f", m.Val)
	}

	if m.Count != 8 {
		t.Errorf("expected count 8, got %d", m.Count)
	}

	want := (1.0*2 + 4.0*6) / 8

	if math.Abs(m.Avg-want) > 1e-12 {
		t.Errorf("expected average %f, got %f", want, m.Avg)
	}

	m.Reset()

	if m.Val != 0 || m.Sum != 0 || m.Count != 0 || m.Avg != 0 {
		t.Errorf("expected zeroed meter after reset, got %+v", m)
	}
}
