// Package distill implements the mixed-supervision multi-stage
// distillation loss used to train a student heatmap network against a
// frozen teacher and, where available, ground-truth heatmaps.
package distill

import (
	"fmt"

	posekd "github.com/poselab/go-posekd"
)

// Params defines the distillation loss configuration
type Params struct {
	// Alpha is the distillation weight in [0,1] interpolating between
	// matching the teacher (1.0) and matching ground truth (0.0) on
	// labeled samples
	Alpha float64
	// UnlabeledWeight scales the teacher-only loss contributed by
	// unlabeled samples
	UnlabeledWeight float64
	// MaskThreshold separates the two supervision regimes: samples with
	// mask below it are treated as unlabeled
	MaskThreshold float32
}

// DefaultParams returns the standard loss configuration: alpha 0.5,
// unlabeled weight 1.0, mask threshold 0.1
func DefaultParams() Params {
	return Params{
		Alpha:           0.5,
		UnlabeledWeight: 1.0,
		MaskThreshold:   0.1,
	}
}

// Terms holds the total training loss and its named components.  Each
// component is normalized by the full batch size regardless of how many
// samples fall into its regime, keeping gradient scale stable across
// batches of differing label mix.
type Terms struct {
	// Total is the scalar loss passed to the optimizer
	Total float64
	// GroundTruth is the squared error of labeled samples against their
	// ground-truth heatmaps
	GroundTruth float64
	// Distill is the squared error of labeled samples against the
	// teacher output
	Distill float64
	// DistillUnlabeled is the squared error of unlabeled samples against
	// the teacher output
	DistillUnlabeled float64
}

// Loss computes the mixed-supervision distillation loss over a batch
type Loss struct {
	// Params are the loss configuration parameters
	Params Params
}

// New returns a loss instance for the given parameters
func New(p Params) *Loss {
	return &Loss{Params: p}
}

// check validates that every stage, the teacher output, the target and
// the mask agree on the batch shape
func (l *Loss) check(stages []*posekd.Tensor, teacher, target *posekd.Tensor,
	mask []float32) error {

	if len(stages) == 0 {
		return fmt.Errorf("no student output stages")
	}

	for i, s := range stages {
		if !s.SameShape(teacher) {
			return fmt.Errorf("stage %d %v vs teacher %v: %w",
				i, s.Shape(), teacher.Shape(), posekd.ErrShapeMismatch)
		}
	}

	if !teacher.SameShape(target) {
		return fmt.Errorf("teacher %v vs target %v: %w",
			teacher.Shape(), target.Shape(), posekd.ErrShapeMismatch)
	}

	if len(mask) != teacher.B {
		return fmt.Errorf("mask length %d for batch of %d: %w",
			len(mask), teacher.B, posekd.ErrShapeMismatch)
	}

	return nil
}

// labeled derives the {0,1} indicator vector from the mask threshold
// test, so the per-sample branch becomes a multiplicative weight rather
// than control flow inside the batch computation
func (l *Loss) labeled(mask []float32) []float64 {

	ind := make([]float64, len(mask))

	for i, m := range mask {
		if m >= l.Params.MaskThreshold {
			ind[i] = 1
		}
	}

	return ind
}

// Forward computes the total loss and its components.  For every stage
// and every sample: unlabeled samples accumulate the student/teacher
// squared error into the unlabeled distillation term; labeled samples
// accumulate the student/teacher error into the distillation term and
// the student/target error into the ground-truth term.  Every per-sample
// squared error is mean-reduced over the sample's C*H*W elements and
// divided by the full batch size.
func (l *Loss) Forward(stages []*posekd.Tensor, teacher, target *posekd.Tensor,
	mask []float32) (Terms, error) {

	if err := l.check(stages, teacher, target, mask); err != nil {
		return Terms{}, err
	}

	ind := l.labeled(mask)
	b := float64(teacher.B)

	var t Terms

	for _, s := range stages {
		for n := 0; n < s.B; n++ {
			toTeacher := sampleMSE(s.Sample(n), teacher.Sample(n)) / b

			t.DistillUnlabeled += (1 - ind[n]) * toTeacher
			t.Distill += ind[n] * toTeacher
			t.GroundTruth += ind[n] * sampleMSE(s.Sample(n), target.Sample(n)) / b
		}
	}

	t.Total = l.Params.Alpha*t.Distill +
		(1-l.Params.Alpha)*t.GroundTruth +
		l.Params.UnlabeledWeight*t.DistillUnlabeled

	return t, nil
}

// Gradients computes the loss terms together with the analytic gradient
// of the total loss with respect to each student output stage.  The
// loss is quadratic in the student outputs so the gradient is exact,
// this is the boundary consumed by the external parameter update.
func (l *Loss) Gradients(stages []*posekd.Tensor, teacher, target *posekd.Tensor,
	mask []float32) ([]*posekd.Tensor, Terms, error) {

	t, err := l.Forward(stages, teacher, target, mask)

	if err != nil {
		return nil, Terms{}, err
	}

	ind := l.labeled(mask)
	b := float64(teacher.B)
	elems := float64(teacher.SampleSize())

	// d/dy of mean((y-t)^2)/B is 2*(y-t)/(elems*B)
	scale := 2.0 / (elems * b)

	grads := make([]*posekd.Tensor, len(stages))

	for si, s := range stages {
		g := posekd.NewTensor(s.B, s.C, s.H, s.W)

		for n := 0; n < s.B; n++ {
			ys := s.Sample(n)
			ts := teacher.Sample(n)
			gs := target.Sample(n)
			dst := g.Sample(n)

			wTeacher := scale * (ind[n]*l.Params.Alpha +
				(1-ind[n])*l.Params.UnlabeledWeight)
			wTarget := scale * ind[n] * (1 - l.Params.Alpha)

			for i := range ys {
				dst[i] = float32(wTeacher*float64(ys[i]-ts[i]) +
					wTarget*float64(ys[i]-gs[i]))
			}
		}

		grads[si] = g
	}

	return grads, t, nil
}

// ValidationLoss sums the plain mean squared error of every student
// stage against the target over the whole batch, the unmasked loss
// reported during validation passes
func ValidationLoss(stages []*posekd.Tensor, target *posekd.Tensor) (float64, error) {

	if len(stages) == 0 {
		return 0, fmt.Errorf("no student output stages")
	}

	var loss float64

	for i, s := range stages {
		if !s.SameShape(target) {
			return 0, fmt.Errorf("stage %d %v vs target %v: %w",
				i, s.Shape(), target.Shape(), posekd.ErrShapeMismatch)
		}

		loss += sampleMSE(s.Data, target.Data)
	}

	return loss, nil
}

// sampleMSE returns the mean of element-wise squared differences
// between two equal length slices
func sampleMSE(a, b []float32) float64 {

	var sum float64

	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}

	return sum / float64(len(a))
}
