// Package nn provides reference network backends behind the root
// Student and Scorer capability interfaces.  The convolutional pose
// architectures live outside this repository; the built-in backend is
// a compact trainable per-joint linear head used for smoke training,
// tests and as a wiring example for real backends.
package nn

import (
	"fmt"
	"sort"

	posekd "github.com/poselab/go-posekd"
	"github.com/poselab/go-posekd/train"
)

// Config describes the network geometry a backend is built for
type Config struct {
	// Stages is the number of supervision stages the student emits
	Stages int
	// Blocks is the per-stage depth hint, backend specific
	Blocks int
	// Joints is the number of keypoint channels
	Joints int
	// InputRes is the square input resolution
	InputRes int
	// OutputRes is the square heatmap resolution
	OutputRes int
	// LR is the initial learning rate
	LR float64
}

// Factory constructs a trainable backend for the given configuration
type Factory func(cfg Config) (train.Trainable, error)

var registry = map[string]Factory{}

// Register makes a backend available under the given architecture
// name
func Register(name string, f Factory) error {

	if _, exists := registry[name]; exists {
		return fmt.Errorf("architecture %q already registered", name)
	}

	registry[name] = f
	return nil
}

// New constructs the backend registered under the architecture name
func New(arch string, cfg Config) (train.Trainable, error) {

	f, ok := registry[arch]

	if !ok {
		return nil, fmt.Errorf("unknown architecture %q, have %v", arch, Archs())
	}

	return f(cfg)
}

// Archs returns the registered architecture names sorted
func Archs() []string {

	out := make([]string, 0, len(registry))

	for name := range registry {
		out = append(out, name)
	}

	sort.Strings(out)
	return out
}

// LoadScorer builds a frozen teacher scorer from a checkpoint record.
// The returned scorer exposes only inference, its parameters are never
// updated.
func LoadScorer(path string, cfg Config) (posekd.Scorer, error) {

	rec, err := train.LoadRecord(path)

	if err != nil {
		return nil, err
	}

	model, err := New(rec.Arch, cfg)

	if err != nil {
		return nil, err
	}

	if err := model.Restore(rec.ModelState); err != nil {
		return nil, fmt.Errorf("restore teacher state: %w", err)
	}

	return frozen{model: model}, nil
}

// frozen wraps a student network as a read-only scorer returning its
// final stage output
type frozen struct {
	model posekd.Student
}

// Infer runs a forward pass and returns the final stage heatmap
func (f frozen) Infer(img *posekd.Tensor) (*posekd.Tensor, error) {

	out, err := f.model.Forward(img)

	if err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("scorer produced no output stages")
	}

	return out[len(out)-1], nil
}
