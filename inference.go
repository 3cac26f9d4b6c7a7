package posekd

import (
	"fmt"
)

// Student is a network under training.  Forward produces one heatmap
// batch per supervision stage, ordered shallow to deep; the final stage
// is the network's best estimate.
type Student interface {
	Forward(img *Tensor) ([]*Tensor, error)
}

// Scorer is the capability interface of a frozen reference (teacher)
// network.  Implementations must be safe for concurrent use, the
// underlying parameters are immutable for the process lifetime.
type Scorer interface {
	Infer(img *Tensor) (*Tensor, error)
}

// FlipAggregator combines a network's output on an image with its output
// on the horizontally mirrored image, remapped back into the original
// coordinate frame.  Mirroring an image swaps anatomical left and right,
// so the remap needs both a width-axis reversal and a channel identity
// swap given by Pairs.  Used at evaluation time only.
type FlipAggregator struct {
	// Pairs holds the mirror-symmetric channel pairs to swap, e.g. the
	// left wrist channel index paired with the right wrist channel index
	Pairs [][2]int
}

// NewFlipAggregator returns a flip aggregator for the given symmetric
// channel pair table
func NewFlipAggregator(pairs [][2]int) *FlipAggregator {
	return &FlipAggregator{Pairs: pairs}
}

// Infer runs the network on the image batch and on its mirror and
// returns the element-wise sum of the direct final-stage output and the
// remapped mirrored final-stage output
func (f *FlipAggregator) Infer(net Student, img *Tensor) (*Tensor, error) {

	out, err := net.Forward(img)

	if err != nil {
		return nil, fmt.Errorf("direct forward pass: %w", err)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("network produced no output stages")
	}

	score := out[len(out)-1].Clone()

	back, err := f.Mirror(net, img)

	if err != nil {
		return nil, err
	}

	if err := score.Add(back); err != nil {
		return nil, err
	}

	return score, nil
}

// Mirror runs the network on the horizontally mirrored image batch and
// remaps its final-stage output back into the original coordinate
// frame.  Callers that already hold the direct output add the result to
// it instead of paying for a second direct forward pass through Infer.
func (f *FlipAggregator) Mirror(net Student, img *Tensor) (*Tensor, error) {

	out, err := net.Forward(FlipWidth(img))

	if err != nil {
		return nil, fmt.Errorf("mirrored forward pass: %w", err)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("network produced no output stages")
	}

	return FlipBack(out[len(out)-1], f.Pairs)
}

// FlipWidth returns a copy of the tensor mirrored along the width axis
func FlipWidth(t *Tensor) *Tensor {

	out := NewTensor(t.B, t.C, t.H, t.W)

	for n := 0; n < t.B; n++ {
		for c := 0; c < t.C; c++ {
			src := t.Plane(n, c)
			dst := out.Plane(n, c)

			for y := 0; y < t.H; y++ {
				row := y * t.W

				for x := 0; x < t.W; x++ {
					dst[row+x] = src[row+t.W-1-x]
				}
			}
		}
	}

	return out
}

// FlipBack remaps a heatmap batch produced from a mirrored image into
// the original coordinate frame: the width axis is reversed and each
// mirror-symmetric channel pair is swapped
func FlipBack(t *Tensor, pairs [][2]int) (*Tensor, error) {

	out := FlipWidth(t)

	for _, p := range pairs {
		a, b := p[0], p[1]

		if a < 0 || a >= t.C || b < 0 || b >= t.C {
			return nil, fmt.Errorf("flip pair [%d,%d] out of range for %d channels",
				a, b, t.C)
		}

		for n := 0; n < t.B; n++ {
			pa := out.Plane(n, a)
			pb := out.Plane(n, b)

			for i := range pa {
				pa[i], pb[i] = pb[i], pa[i]
			}
		}
	}

	return out, nil
}
