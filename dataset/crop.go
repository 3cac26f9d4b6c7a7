package dataset

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// ReferenceBoxSize is the side length in pixels of a person box with
// scale factor 1.0, the MPII annotation convention
const ReferenceBoxSize = 200.0

// Cropper extracts square person crops around an annotated center
// point and resizes them to the network input resolution
type Cropper struct {
	// res is the output side length in pixels
	res int
	// tempMat is a Mat reused during the crop process
	tempMat gocv.Mat
}

// NewCropper returns a cropper producing res x res crops
func NewCropper(res int) *Cropper {
	return &Cropper{
		res:     res,
		tempMat: gocv.NewMat(),
	}
}

// Close frees memory allocated during the crop process
func (c *Cropper) Close() error {
	return c.tempMat.Close()
}

// Crop extracts the square box of side scale*ReferenceBoxSize centered
// on center from src into dest, padding out-of-image regions with
// black and resizing to the configured resolution
func (c *Cropper) Crop(src gocv.Mat, dest *gocv.Mat, center [2]float32, scale float32) error {

	box := int(scale * ReferenceBoxSize)

	if box < 2 {
		return fmt.Errorf("degenerate crop box %d for scale %f", box, scale)
	}

	x0 := int(center[0]) - box/2
	y0 := int(center[1]) - box/2
	x1 := x0 + box
	y1 := y0 + box

	// clamp the box to the image and remember how much padding each
	// side needs
	padLeft, padTop, padRight, padBottom := 0, 0, 0, 0

	if x0 < 0 {
		padLeft = -x0
		x0 = 0
	}

	if y0 < 0 {
		padTop = -y0
		y0 = 0
	}

	if x1 > src.Cols() {
		padRight = x1 - src.Cols()
		x1 = src.Cols()
	}

	if y1 > src.Rows() {
		padBottom = y1 - src.Rows()
		y1 = src.Rows()
	}

	if x0 >= x1 || y0 >= y1 {
		return fmt.Errorf("crop box [%d,%d,%d,%d] lies outside image %dx%d",
			x0, y0, x1, y1, src.Cols(), src.Rows())
	}

	region := src.Region(image.Rect(x0, y0, x1, y1))
	defer region.Close()

	gocv.CopyMakeBorder(region, &c.tempMat, padTop, padBottom, padLeft, padRight,
		gocv.BorderConstant, color.RGBA{})

	gocv.Resize(c.tempMat, dest, image.Pt(c.res, c.res), 0, 0, gocv.InterpolationArea)

	return nil
}

// ToCrop maps a point in original-image space into crop space at the
// given output resolution, the forward form of the transform the
// decoder inverts
func ToCrop(pt, center [2]float32, scale float32, res int) [2]float32 {

	box := scale * ReferenceBoxSize
	f := float32(res) / box

	return [2]float32{
		(pt[0]-center[0])*f + float32(res)/2,
		(pt[1]-center[1])*f + float32(res)/2,
	}
}
