package render

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	posekd "github.com/poselab/go-posekd"
	"github.com/poselab/go-posekd/postprocess"
	"github.com/poselab/go-posekd/train"
)

// DebugWriter saves validation crops with their predicted skeleton
// drawn on top, one image per sample, named by dataset index
type DebugWriter struct {
	dir  string
	font Font
	log  *zap.Logger
}

// NewDebugWriter creates the output directory and returns a writer
func NewDebugWriter(dir string, log *zap.Logger) (*DebugWriter, error) {

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug dir: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &DebugWriter{dir: dir, font: DefaultFont(), log: log}, nil
}

// Hook returns the per-batch callback for the orchestrator
func (w *DebugWriter) Hook() train.DebugHook {
	return func(b *train.Batch, score *posekd.Tensor, _ []postprocess.KeypointSet) {
		if err := w.writeBatch(b, score); err != nil {
			w.log.Warn("write debug images", zap.Error(err))
		}
	}
}

// writeBatch renders every sample in the batch.  Predictions are
// decoded in heatmap space and scaled up to the crop resolution.
func (w *DebugWriter) writeBatch(b *train.Batch, score *posekd.Tensor) error {

	kps, _ := postprocess.Decode(score)
	scale := float32(b.Input.H) / float32(score.H)

	for i := 0; i < b.Input.B; i++ {
		img, err := sampleImage(b.Input, i)

		if err != nil {
			return err
		}

		Pose(&img, kps[i], scale, 2)
		w.font.Caption(&img, fmt.Sprintf("sample %d", b.Indices[i]),
			image.Pt(4, 16))

		path := filepath.Join(w.dir, fmt.Sprintf("val_%06d.png", b.Indices[i]))

		if ok := gocv.IMWrite(path, img); !ok {
			img.Close()
			return fmt.Errorf("write debug image %q", path)
		}

		img.Close()
	}

	return nil
}

// sampleImage converts one normalized planar sample back into an 8-bit
// interleaved Mat
func sampleImage(t *posekd.Tensor, n int) (gocv.Mat, error) {

	if t.C != 3 {
		return gocv.Mat{}, fmt.Errorf("sample has %d channels, want 3: %w",
			t.C, posekd.ErrShapeMismatch)
	}

	img := gocv.NewMatWithSize(t.H, t.W, gocv.MatTypeCV8UC3)
	data, err := img.DataPtrUint8()

	if err != nil {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("debug image buffer: %w", err)
	}

	for c := 0; c < t.C; c++ {
		plane := t.Plane(n, c)

		for i, v := range plane {
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}

			data[i*3+c] = uint8(v*255 + 0.5)
		}
	}

	return img, nil
}
