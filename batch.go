package posekd

import (
	"fmt"
	"gocv.io/x/gocv"
)

// Batch packs a set of gocv.Mat images into a single NCHW float32
// Tensor for use as a network input batch.  Mats are stored interleaved
// (HWC), the packer deinterleaves into channel planes and rescales
// pixel values into [0,1].
type Batch struct {
	tensor *Tensor
	// size of the batch
	size int
	// width is the input tensor size width
	width int
	// height is the input tensor size height
	height int
	// channels is the input tensor number of channels
	channels int
	// matCnt is a counter for how many Mats have been added with Add()
	matCnt int
}

// NewBatch creates a batch for the given input tensor shape and batch
// size
func NewBatch(batchSize, height, width, channels int) *Batch {
	return &Batch{
		size:     batchSize,
		height:   height,
		width:    width,
		channels: channels,
		tensor:   NewTensor(batchSize, channels, height, width),
	}
}

// Add a Mat to the batch
func (b *Batch) Add(img gocv.Mat) error {

	// check if batch is full
	if b.matCnt >= b.size {
		return fmt.Errorf("batch full")
	}

	if err := b.addAt(b.matCnt, img); err != nil {
		return err
	}

	// increment image counter
	b.matCnt++
	return nil
}

// AddAt adds a Mat to the batch at the specific index location
func (b *Batch) AddAt(idx int, img gocv.Mat) error {

	if idx < 0 || idx >= b.size {
		return fmt.Errorf("index %d out of range [0-%d)", idx, b.size)
	}

	return b.addAt(idx, img)
}

// addAt packs a Mat into the tensor at the specified index location
func (b *Batch) addAt(idx int, img gocv.Mat) error {

	// validate mat dimensions
	if img.Rows() != b.height || img.Cols() != b.width ||
		img.Channels() != b.channels {
		return fmt.Errorf("image %dx%dx%d does not match batch shape %dx%dx%d",
			img.Cols(), img.Rows(), img.Channels(),
			b.width, b.height, b.channels)
	}

	if !img.IsContinuous() {
		img = img.Clone()
	}

	switch img.Type() {
	case gocv.MatTypeCV32F, gocv.MatTypeCV32FC3:
		src, err := img.DataPtrFloat32()

		if err != nil {
			return fmt.Errorf("error getting float32 data from image: %w", err)
		}

		b.deinterleave(idx, src, 1.0)

	case gocv.MatTypeCV8U, gocv.MatTypeCV8UC3:
		src, err := img.DataPtrUint8()

		if err != nil {
			return fmt.Errorf("error getting uint8 data from image: %w", err)
		}

		buf := make([]float32, len(src))

		for i, v := range src {
			buf[i] = float32(v)
		}

		b.deinterleave(idx, buf, 1.0/255.0)

	default:
		return fmt.Errorf("unsupported mat type %d", img.Type())
	}

	return nil
}

// deinterleave copies HWC ordered pixel data into the NCHW tensor,
// scaling each value by the given factor
func (b *Batch) deinterleave(idx int, src []float32, scale float32) {

	for c := 0; c < b.channels; c++ {
		dst := b.tensor.Plane(idx, c)

		for y := 0; y < b.height; y++ {
			row := y * b.width

			for x := 0; x < b.width; x++ {
				dst[row+x] = src[(row+x)*b.channels+c] * scale
			}
		}
	}
}

// Tensor returns the packed input tensor
func (b *Batch) Tensor() *Tensor {
	return b.tensor
}

// Len returns the number of images added with Add()
func (b *Batch) Len() int {
	return b.matCnt
}

// Clear the batch so it can be reused again
func (b *Batch) Clear() {
	// just reset the counter, the tensor data will be overwritten when
	// Add() is called with new images
	b.matCnt = 0
}
