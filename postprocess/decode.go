package postprocess

import (
	"fmt"

	posekd "github.com/poselab/go-posekd"
	"gonum.org/v1/gonum/mat"
)

// ReferenceBoxSize is the side length in original-image pixels of a
// person box with scale factor 1.0, the MPII annotation convention
const ReferenceBoxSize = 200.0

// KeypointSet is an ordered sequence of (x,y) coordinates, one per
// keypoint channel
type KeypointSet [][2]float32

// Decode converts a heatmap batch into per-sample keypoint coordinates
// in heatmap space.  The integer peak is refined by a quarter-pixel
// shift toward the higher of the two neighbours along each axis,
// recovering sub-integer precision lost to heatmap discretization.
// An all-zero channel decodes to the sentinel coordinate (0,0).  The
// second return value holds the peak value per sample and channel;
// a non-positive value marks the channel as degenerate, which is the
// only reliable way to tell the sentinel from a genuine peak at the
// heatmap origin.
func Decode(hm *posekd.Tensor) ([]KeypointSet, [][]float32) {

	out := make([]KeypointSet, hm.B)
	peaks := make([][]float32, hm.B)

	for n := 0; n < hm.B; n++ {
		kps := make(KeypointSet, hm.C)
		vals := make([]float32, hm.C)

		for c := 0; c < hm.C; c++ {
			plane := hm.Plane(n, c)
			px, py, max := argMax2D(plane, hm.W)
			vals[c] = max

			if max <= 0 {
				// no signal in this channel, keep the sentinel
				continue
			}

			x := float32(px)
			y := float32(py)

			// quarter pixel refinement, only when the peak has neighbours
			// on both sides of each axis
			if px > 0 && px < hm.W-1 {
				x += 0.25 * sign(plane[py*hm.W+px+1]-plane[py*hm.W+px-1])
			}

			if py > 0 && py < hm.H-1 {
				y += 0.25 * sign(plane[(py+1)*hm.W+px]-plane[(py-1)*hm.W+px])
			}

			kps[c] = [2]float32{x, y}
		}

		out[n] = kps
		peaks[n] = vals
	}

	return out, peaks
}

// FinalPreds decodes a heatmap batch and maps the refined coordinates
// back into original-image space using the inverse of the per-sample
// center/scale normalization that produced the input crop.  Sentinel
// coordinates from degenerate channels are preserved untransformed.
func FinalPreds(hm *posekd.Tensor, centers [][2]float32, scales []float32) ([]KeypointSet, error) {

	if len(centers) != hm.B || len(scales) != hm.B {
		return nil, fmt.Errorf("final preds: %d centers and %d scales for batch of %d: %w",
			len(centers), len(scales), hm.B, posekd.ErrShapeMismatch)
	}

	coords, peaks := Decode(hm)

	for n := range coords {
		inv, err := cropTransform(centers[n], scales[n], hm.W, hm.H)

		if err != nil {
			return nil, err
		}

		for c, kp := range coords[n] {
			// degenerate channels keep the sentinel untransformed; the
			// peak value, not the coordinate, decides, so a real peak at
			// the heatmap origin is still remapped
			if peaks[n][c] <= 0 {
				continue
			}

			pt := mat.NewVecDense(3, []float64{float64(kp[0]), float64(kp[1]), 1})
			res := mat.NewVecDense(3, nil)
			res.MulVec(inv, pt)

			coords[n][c] = [2]float32{float32(res.AtVec(0)), float32(res.AtVec(1))}
		}
	}

	return coords, nil
}

// cropTransform builds the inverse of the affine transform that maps a
// point in original-image space into the w x h heatmap crop centered on
// center with the given scale factor
func cropTransform(center [2]float32, scale float32, w, h int) (*mat.Dense, error) {

	boxSize := ReferenceBoxSize * float64(scale)

	t := mat.NewDense(3, 3, []float64{
		float64(w) / boxSize, 0, float64(w) * (-float64(center[0])/boxSize + 0.5),
		0, float64(h) / boxSize, float64(h) * (-float64(center[1])/boxSize + 0.5),
		0, 0, 1,
	})

	inv := mat.NewDense(3, 3, nil)

	if err := inv.Inverse(t); err != nil {
		return nil, fmt.Errorf("crop transform not invertible for scale %f: %w", scale, err)
	}

	return inv, nil
}
