package postprocess

import (
	"fmt"
	"math"

	posekd "github.com/poselab/go-posekd"
)

// AccuracyParams defines the parameters for the PCK style keypoint
// accuracy metric
type AccuracyParams struct {
	// Threshold is the normalized peak distance below which a predicted
	// keypoint counts as correct
	Threshold float64
	// Joints is the subset of channel indices to score.  nil scores all
	// channels.
	Joints []int
}

// MPIIAccuracyParams returns accuracy parameters for MPII trained
// models: threshold 0.5 over the trusted joint subset
func MPIIAccuracyParams() AccuracyParams {
	return AccuracyParams{
		Threshold: 0.5,
		Joints:    posekd.MPIIScoredJoints(),
	}
}

// AccuracyResult holds the outcome of scoring one batch
type AccuracyResult struct {
	// Mean is the fraction of correct keypoints averaged over the scored
	// joints that had at least one valid target in the batch
	Mean float64
	// PerJoint is the per-joint fraction in Joints order, -1 for joints
	// with no valid target in the batch
	PerJoint []float64
	// Valid is false when every scored target channel in the batch was
	// degenerate (all zero), in which case Mean is reported as 0 rather
	// than a division by zero
	Valid bool
}

// Accuracy scores a predicted heatmap batch against a target heatmap
// batch.  A keypoint is correct when the Euclidean distance between the
// predicted and target peak locations, normalized by a reference scale
// of one tenth the heatmap width, falls below the threshold.  Channels
// whose target plane is all zero carry no annotation and are excluded
// from both numerator and denominator.
func Accuracy(pred, target *posekd.Tensor, p AccuracyParams) (AccuracyResult, error) {

	if !pred.SameShape(target) {
		return AccuracyResult{}, fmt.Errorf("accuracy: predicted %v vs target %v: %w",
			pred.Shape(), target.Shape(), posekd.ErrShapeMismatch)
	}

	joints := p.Joints

	if joints == nil {
		joints = make([]int, pred.C)

		for i := range joints {
			joints[i] = i
		}
	}

	// reference scale derived from the heatmap width
	norm := float64(pred.W) / 10.0

	res := AccuracyResult{
		PerJoint: make([]float64, len(joints)),
	}

	sum := 0.0
	scored := 0

	for i, c := range joints {

		if c < 0 || c >= pred.C {
			return AccuracyResult{}, fmt.Errorf("accuracy: joint index %d out of range for %d channels",
				c, pred.C)
		}

		matched := 0
		valid := 0

		for n := 0; n < pred.B; n++ {
			tx, ty, tmax := argMax2D(target.Plane(n, c), target.W)

			// a degenerate target plane means no visible keypoint for
			// this sample, skip it entirely
			if tmax <= 0 {
				continue
			}

			valid++

			px, py, _ := argMax2D(pred.Plane(n, c), pred.W)
			dist := math.Hypot(float64(px-tx), float64(py-ty)) / norm

			if dist < p.Threshold {
				matched++
			}
		}

		if valid == 0 {
			res.PerJoint[i] = -1
			continue
		}

		res.PerJoint[i] = float64(matched) / float64(valid)
		sum += res.PerJoint[i]
		scored++
	}

	if scored == 0 {
		// no channel had a valid target anywhere in the batch
		return res, nil
	}

	res.Mean = sum / float64(scored)
	res.Valid = true

	return res, nil
}
