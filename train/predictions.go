package train

import (
	"fmt"

	posekd "github.com/poselab/go-posekd"
	"github.com/poselab/go-posekd/postprocess"
	"github.com/x448/float16"
)

var f16LookupTable [65536]float32

func init() {
	// precompute float16 lookup table for faster conversion to float32
	for i := range f16LookupTable {
		f16 := float16.Frombits(uint16(i))
		f16LookupTable[i] = f16.Float32()
	}
}

// PredictionTable holds decoded keypoint coordinates for every sample
// in the validation set, indexed by the sample's stable dataset index
// so writes from shuffled batches never collide
type PredictionTable struct {
	samples int
	joints  int
	coords  []float32 // [samples*joints*2]
}

// NewPredictionTable creates an empty table for the given dataset size
// and keypoint count
func NewPredictionTable(samples, joints int) *PredictionTable {
	return &PredictionTable{
		samples: samples,
		joints:  joints,
		coords:  make([]float32, samples*joints*2),
	}
}

// Samples returns the number of dataset samples in the table
func (p *PredictionTable) Samples() int {
	return p.samples
}

// Joints returns the number of keypoints per sample
func (p *PredictionTable) Joints() int {
	return p.joints
}

// Set stores the keypoints for the sample with the given dataset index
func (p *PredictionTable) Set(index int, kp postprocess.KeypointSet) error {

	if index < 0 || index >= p.samples {
		return fmt.Errorf("prediction index %d out of range [0-%d)", index, p.samples)
	}

	if len(kp) != p.joints {
		return fmt.Errorf("keypoint set of %d joints for table of %d: %w",
			len(kp), p.joints, posekd.ErrShapeMismatch)
	}

	off := index * p.joints * 2

	for i, c := range kp {
		p.coords[off+i*2] = c[0]
		p.coords[off+i*2+1] = c[1]
	}

	return nil
}

// At returns the keypoints stored for the sample with the given dataset
// index
func (p *PredictionTable) At(index int) postprocess.KeypointSet {

	kp := make(postprocess.KeypointSet, p.joints)
	off := index * p.joints * 2

	for i := range kp {
		kp[i] = [2]float32{p.coords[off+i*2], p.coords[off+i*2+1]}
	}

	return kp
}

// PackedPredictions is the compact float16 encoding of a prediction
// table persisted inside checkpoint records
type PackedPredictions struct {
	Samples int      `json:"samples"`
	Joints  int      `json:"joints"`
	Bits    []uint16 `json:"bits"`
}

// Pack encodes the table as float16 bit patterns.  Keypoint
// coordinates are small integers plus a quarter-pixel fraction, well
// within float16 precision.
func (p *PredictionTable) Pack() PackedPredictions {

	bits := make([]uint16, len(p.coords))

	for i, v := range p.coords {
		bits[i] = float16.Fromfloat32(v).Bits()
	}

	return PackedPredictions{
		Samples: p.samples,
		Joints:  p.joints,
		Bits:    bits,
	}
}

// Unpack decodes a packed table back into coordinate form
func (p PackedPredictions) Unpack() (*PredictionTable, error) {

	if len(p.Bits) != p.Samples*p.Joints*2 {
		return nil, fmt.Errorf("packed predictions hold %d values for %d samples x %d joints: %w",
			len(p.Bits), p.Samples, p.Joints, posekd.ErrShapeMismatch)
	}

	t := NewPredictionTable(p.Samples, p.Joints)

	for i, b := range p.Bits {
		t.coords[i] = f16LookupTable[b]
	}

	return t, nil
}
