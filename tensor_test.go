package posekd

import (
	"errors"
	"testing"
)

func TestTensorIndexing(t *testing.T) {

	tn := NewTensor(2, 3, 4, 5)

	if len(tn.Data) != 2*3*4*5 {
		t.Fatalf("expected backing array of %d, got %d", 2*3*4*5, len(tn.Data))
	}

	tn.Set(1, 2, 3, 4, 7)

	if got := tn.At(1, 2, 3, 4); got != 7 {
		t.Errorf("expected At to read back 7, got %f", got)
	}

	// the plane view must alias the same element
	plane := tn.Plane(1, 2)

	if got := plane[3*5+4]; got != 7 {
		t.Errorf("expected plane view to alias element, got %f", got)
	}

	// the sample view covers all channels of sample 1
	sample := tn.Sample(1)

	if got := sample[(2*4+3)*5+4]; got != 7 {
		t.Errorf("expected sample view to alias element, got %f", got)
	}
}

func TestNewTensorData(t *testing.T) {

	data := make([]float32, 2*2*2*2)

	if _, err := NewTensorData(2, 2, 2, 2, data); err != nil {
		t.Errorf("expected matching data length to succeed, got %v", err)
	}

	_, err := NewTensorData(2, 2, 2, 3, data)

	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected shape mismatch error, got %v", err)
	}
}

func TestTensorClone(t *testing.T) {

	a := NewTensor(1, 1, 2, 2)
	a.Set(0, 0, 0, 0, 1)

	b := a.Clone()
	b.Set(0, 0, 0, 0, 9)

	if got := a.At(0, 0, 0, 0); got != 1 {
		t.Errorf("clone writes leaked into original, got %f", got)
	}
}

func TestTensorAdd(t *testing.T) {

	a := NewTensor(1, 1, 2, 2)
	b := NewTensor(1, 1, 2, 2)

	a.Set(0, 0, 0, 0, 1)
	b.Set(0, 0, 0, 0, 2)

	if err := a.Add(b); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	if got := a.At(0, 0, 0, 0); got != 3 {
		t.Errorf("expected accumulated value 3, got %f", got)
	}

	c := NewTensor(1, 1, 2, 3)

	if err := a.Add(c); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected shape mismatch error, got %v", err)
	}
}
