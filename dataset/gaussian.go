// Package dataset implements an MPII style annotated data pipeline for
// the distillation trainer: image loading and cropping, ground-truth
// label map rendering with a decaying sigma, and mixed labeled and
// unlabeled batch assembly.
package dataset

import (
	"fmt"
	"math"
)

// Label map distribution types
const (
	LabelGaussian = "Gaussian"
	LabelCauchy   = "Cauchy"
)

// DrawLabel renders a unit-peak 2-D label distribution of the given
// type centered at (cx,cy) into the plane.  Peaks entirely outside the
// plane are skipped, matching the visibility convention that an
// out-of-crop joint leaves its channel all zero.
func DrawLabel(plane []float32, w, h int, cx, cy float32, sigma float64,
	labelType string) error {

	switch labelType {
	case LabelGaussian:
		drawGaussian(plane, w, h, cx, cy, sigma)
	case LabelCauchy:
		drawCauchy(plane, w, h, cx, cy, sigma)
	default:
		return fmt.Errorf("unknown label type %q", labelType)
	}

	return nil
}

// drawGaussian writes exp(-d^2 / 2 sigma^2) in a window of three sigma
// around the peak
func drawGaussian(plane []float32, w, h int, cx, cy float32, sigma float64) {

	r := int(math.Ceil(3 * sigma))

	x0, x1, y0, y1, ok := window(w, h, cx, cy, r)

	if !ok {
		return
	}

	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx := float64(x) - float64(cx)
			dy := float64(y) - float64(cy)

			v := math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))

			if g := float32(v); g > plane[y*w+x] {
				plane[y*w+x] = g
			}
		}
	}
}

// drawCauchy writes sigma / (d^2 + sigma^2)^1.5, a heavier tailed
// alternative to the Gaussian label
func drawCauchy(plane []float32, w, h int, cx, cy float32, sigma float64) {

	r := int(math.Ceil(5 * sigma))

	x0, x1, y0, y1, ok := window(w, h, cx, cy, r)

	if !ok {
		return
	}

	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx := float64(x) - float64(cx)
			dy := float64(y) - float64(cy)

			v := sigma / math.Pow(dx*dx+dy*dy+sigma*sigma, 1.5)

			// scale so the peak value is 1
			v *= sigma * sigma

			if g := float32(v); g > plane[y*w+x] {
				plane[y*w+x] = g
			}
		}
	}
}

// window clamps a square of radius r around the peak to the plane
// bounds, reporting false when the peak lies fully outside
func window(w, h int, cx, cy float32, r int) (int, int, int, int, bool) {

	px := int(cx)
	py := int(cy)

	if px+r < 0 || px-r >= w || py+r < 0 || py-r >= h {
		return 0, 0, 0, 0, false
	}

	x0, x1 := px-r, px+r
	y0, y1 := py-r, py+r

	if x0 < 0 {
		x0 = 0
	}

	if y0 < 0 {
		y0 = 0
	}

	if x1 > w-1 {
		x1 = w - 1
	}

	if y1 > h-1 {
		y1 = h - 1
	}

	return x0, x1, y0, y1, true
}
