// Package train drives training and validation epochs for the
// distillation trainer: learning-rate scheduling, running-average
// bookkeeping, best-accuracy tracking and checkpoint emission.
package train

import (
	posekd "github.com/poselab/go-posekd"
)

// Batch is one mini-batch delivered by the data pipeline
type Batch struct {
	// Input is the image batch
	Input *posekd.Tensor
	// Target is the ground-truth heatmap batch
	Target *posekd.Tensor
	// Centers are the per-sample crop centers in original-image space
	Centers [][2]float32
	// Scales are the per-sample crop scale factors
	Scales []float32
	// Indices are the stable dataset indices of each sample, used to
	// place predictions regardless of batch order
	Indices []int
	// Mask is the per-sample label mask, values below the loss mask
	// threshold mark unlabeled samples
	Mask []float32
}

// Loader is the external data pipeline boundary.  Batches are consumed
// strictly in the order delivered.
type Loader interface {
	// Reset rewinds the stream to the first batch
	Reset()
	// Next returns the next batch, or io.EOF when the epoch stream is
	// exhausted
	Next() (*Batch, error)
	// Len returns the total number of samples in the dataset
	Len() int
	// NumBatches returns the number of batches per epoch
	NumBatches() int
	// DecaySigma multiplies the Gaussian label smoothing sigma by the
	// given rate
	DecaySigma(rate float64)
}

// Trainable couples a student network with its external update rule.
// Forward produces the multi-stage outputs; Step consumes the scalar
// loss and the per-stage output gradients and performs one opaque
// parameter update.
type Trainable interface {
	posekd.Student

	// Step performs one parameter update from the given loss value and
	// per-stage output gradients
	Step(loss float64, grads []*posekd.Tensor) error
	// SetLearningRate pushes the scheduled learning rate to the
	// underlying optimizer
	SetLearningRate(lr float64)
	// Arch returns the architecture identifier recorded in checkpoints
	Arch() string
	// State serializes model parameters and optimizer state
	State() ([]byte, error)
	// Restore loads a previously serialized state
	Restore(state []byte) error
}
