package render

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Font defines the parameters for rendering text captions on an image
type Font struct {
	Face      gocv.HersheyFont
	Scale     float64
	Color     color.RGBA
	Thickness int
	LineType  gocv.LineType
}

// DefaultFont returns default font settings
func DefaultFont() Font {
	return Font{
		Face:      gocv.FontHersheySimplex,
		Scale:     0.5,
		Color:     White,
		Thickness: 1,
		LineType:  gocv.LineAA,
	}
}

// Caption draws a text label at the given position
func (f Font) Caption(img *gocv.Mat, text string, at image.Point) {
	gocv.PutTextWithParams(img, text, at, f.Face, f.Scale, f.Color,
		f.Thickness, f.LineType, false)
}
