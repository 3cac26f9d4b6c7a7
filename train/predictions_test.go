package train

import (
	"math"
	"testing"

	"github.com/poselab/go-posekd/postprocess"
)

func TestPredictionTableSetAt(t *testing.T) {

	p := NewPredictionTable(4, 2)

	kp := postprocess.KeypointSet{{10.25, 20.5}, {30, 40.75}}

	if err := p.Set(2, kp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := p.At(2)

	for i := range kp {
		if got[i] != kp[i] {
			t.Errorf("joint %d: expected %v, got %v", i, kp[i], got[i])
		}
	}

	if err := p.Set(4, kp); err == nil {
		t.Error("expected out of range index to error")
	}

	if err := p.Set(0, kp[:1]); err == nil {
		t.Error("expected wrong joint count to error")
	}
}

func TestPackedPredictionsRoundTrip(t *testing.T) {

	p := NewPredictionTable(2, 2)

	// quarter pixel coordinates are exactly representable in float16
	p.Set(0, postprocess.KeypointSet{{1.25, 2.75}, {63.5, 0}})
	p.Set(1, postprocess.KeypointSet{{100.25, 150}, {0, 0}})

	unpacked, err := p.Pack().Unpack()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		want := p.At(i)
		got := unpacked.At(i)

		for j := range want {
			if math.Abs(float64(got[j][0]-want[j][0])) > 0.25 ||
				math.Abs(float64(got[j][1]-want[j][1])) > 0.25 {
				t.Errorf("sample %d joint %d: expected %v, got %v",
					i, j, want[j], got[j])
			}
		}
	}
}

func TestPackedPredictionsSizeCheck(t *testing.T) {

	bad := PackedPredictions{Samples: 2, Joints: 2, Bits: make([]uint16, 3)}

	if _, err := bad.Unpack(); err == nil {
		t.Error("expected malformed packed table to error")
	}
}
