package posekd

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when tensors participating in the same
// computation disagree in shape.  Shape mismatches are programming or
// configuration defects and are never silently broadcast or truncated.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense 4-dimensional float32 array in NCHW layout
// [batch, channel, height, width].  It represents both input image
// batches (channel = color plane) and heatmap batches (channel =
// keypoint).
type Tensor struct {
	// Data is the backing array, len = B*C*H*W, row-major NCHW
	Data []float32
	// B is the batch size
	B int
	// C is the number of channels
	C int
	// H is the plane height
	H int
	// W is the plane width
	W int
}

// NewTensor creates a zero filled tensor of the given shape
func NewTensor(b, c, h, w int) *Tensor {
	return &Tensor{
		Data: make([]float32, b*c*h*w),
		B:    b,
		C:    c,
		H:    h,
		W:    w,
	}
}

// NewTensorData creates a tensor wrapping the given backing slice
func NewTensorData(b, c, h, w int, data []float32) (*Tensor, error) {

	if len(data) != b*c*h*w {
		return nil, fmt.Errorf("data length %d does not match shape [%d,%d,%d,%d]: %w",
			len(data), b, c, h, w, ErrShapeMismatch)
	}

	return &Tensor{Data: data, B: b, C: c, H: h, W: w}, nil
}

// Shape returns the tensor dimensions as [B,C,H,W]
func (t *Tensor) Shape() [4]int {
	return [4]int{t.B, t.C, t.H, t.W}
}

// SameShape reports whether the other tensor has identical dimensions
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.B == o.B && t.C == o.C && t.H == o.H && t.W == o.W
}

// PlaneSize returns the number of elements in a single 2-D plane
func (t *Tensor) PlaneSize() int {
	return t.H * t.W
}

// SampleSize returns the number of elements in a single sample
func (t *Tensor) SampleSize() int {
	return t.C * t.H * t.W
}

// Sample returns the backing slice for sample n
func (t *Tensor) Sample(n int) []float32 {
	sz := t.SampleSize()
	return t.Data[n*sz : (n+1)*sz]
}

// Plane returns the backing slice for channel c of sample n
func (t *Tensor) Plane(n, c int) []float32 {
	sz := t.PlaneSize()
	off := (n*t.C + c) * sz
	return t.Data[off : off+sz]
}

// At returns the element at [n,c,y,x]
func (t *Tensor) At(n, c, y, x int) float32 {
	return t.Data[((n*t.C+c)*t.H+y)*t.W+x]
}

// Set stores v at [n,c,y,x]
func (t *Tensor) Set(n, c, y, x int, v float32) {
	t.Data[((n*t.C+c)*t.H+y)*t.W+x] = v
}

// Clone returns a deep copy of the tensor
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Data: data, B: t.B, C: t.C, H: t.H, W: t.W}
}

// Add accumulates the other tensor element-wise into t
func (t *Tensor) Add(o *Tensor) error {

	if !t.SameShape(o) {
		return fmt.Errorf("add %v to %v: %w", o.Shape(), t.Shape(), ErrShapeMismatch)
	}

	for i, v := range o.Data {
		t.Data[i] += v
	}

	return nil
}

// String returns the tensor shape formatted as a string
func (t *Tensor) String() string {
	return fmt.Sprintf("tensor[%d,%d,%d,%d]", t.B, t.C, t.H, t.W)
}
