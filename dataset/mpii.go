package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	posekd "github.com/poselab/go-posekd"
	"github.com/poselab/go-posekd/train"
	"gocv.io/x/gocv"
)

// annotation is one person instance in the MPII annotation file
type annotation struct {
	// Image is the image file name relative to the image directory
	Image string `json:"img_paths"`
	// Center is the annotated person center in image space
	Center [2]float64 `json:"objpos"`
	// Scale is the person box scale factor, box side = scale * 200 px
	Scale float64 `json:"scale_provided"`
	// Joints holds one [x, y, visible] triple per keypoint
	Joints [][3]float64 `json:"joint_self"`
	// IsValidation is non-zero for validation split samples
	IsValidation float64 `json:"isValidation"`
}

// Params defines the data pipeline configuration
type Params struct {
	// AnnotationFile is the MPII style annotation JSON
	AnnotationFile string
	// ImageDir is the directory annotated image paths are relative to
	ImageDir string
	// UnlabeledDir optionally holds extra images without annotations,
	// included in training batches with label mask 0
	UnlabeledDir string
	// InputRes is the square network input resolution
	InputRes int
	// OutputRes is the square heatmap resolution
	OutputRes int
	// Sigma is the initial label smoothing sigma
	Sigma float64
	// LabelType selects the label distribution, Gaussian or Cauchy
	LabelType string
	// Train selects the training split, otherwise validation
	Train bool
	// BatchSize is the number of samples per mini-batch
	BatchSize int
	// Shuffle reorders samples at every epoch
	Shuffle bool
	// Seed feeds the shuffle generator
	Seed int64
	// CacheSize is the decoded image LRU capacity
	CacheSize int
}

// DefaultParams returns the standard MPII pipeline configuration:
// 256 px input, 64 px heatmaps, Gaussian labels with sigma 1
func DefaultParams() Params {
	return Params{
		InputRes:  256,
		OutputRes: 64,
		Sigma:     1,
		LabelType: LabelGaussian,
		BatchSize: 6,
		CacheSize: 512,
	}
}

// MPII is an annotated keypoint dataset implementing train.Loader.
// Training splits may mix labeled and unlabeled samples; validation
// splits are always fully labeled.
type MPII struct {
	params    Params
	anns      []annotation
	unlabeled []string
	numJoints int
	order     []int
	pos       int
	rng       *rand.Rand
	cache     *imageCache
	cropper   *Cropper
	pool      *posekd.BatchPool
	cropMat   gocv.Mat
	lastBatch *posekd.Batch

	// mu guards sigma, which the orchestrator decays between epochs
	mu    sync.Mutex
	sigma float64
}

// NewMPII loads the annotation file and prepares a loader for the
// selected split
func NewMPII(p Params) (*MPII, error) {

	if p.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", p.BatchSize)
	}

	if p.InputRes <= 0 || p.OutputRes <= 0 {
		return nil, fmt.Errorf("invalid resolution %dx%d", p.InputRes, p.OutputRes)
	}

	if p.LabelType != LabelGaussian && p.LabelType != LabelCauchy {
		return nil, fmt.Errorf("unknown label type %q", p.LabelType)
	}

	anns, err := loadAnnotations(p.AnnotationFile, p.Train)

	if err != nil {
		return nil, err
	}

	if len(anns) == 0 {
		return nil, fmt.Errorf("annotation file %q has no samples for this split",
			p.AnnotationFile)
	}

	numJoints := len(anns[0].Joints)

	for i, a := range anns {
		if len(a.Joints) != numJoints {
			return nil, fmt.Errorf("annotation %d has %d joints, expected %d",
				i, len(a.Joints), numJoints)
		}
	}

	var unlabeled []string

	if p.Train && p.UnlabeledDir != "" {
		unlabeled, err = listImages(p.UnlabeledDir)

		if err != nil {
			return nil, err
		}
	}

	cache, err := newImageCache(p.CacheSize)

	if err != nil {
		return nil, err
	}

	m := &MPII{
		params:    p,
		anns:      anns,
		unlabeled: unlabeled,
		numJoints: numJoints,
		rng:       rand.New(rand.NewSource(p.Seed)),
		cache:     cache,
		cropper:   NewCropper(p.InputRes),
		pool:      posekd.NewBatchPool(2, p.BatchSize, p.InputRes, p.InputRes, 3),
		cropMat:   gocv.NewMat(),
		sigma:     p.Sigma,
	}

	m.order = make([]int, m.Len())

	for i := range m.order {
		m.order[i] = i
	}

	return m, nil
}

// loadAnnotations reads the annotation JSON and keeps the requested
// split
func loadAnnotations(file string, train bool) ([]annotation, error) {

	f, err := os.Open(file)

	if err != nil {
		return nil, fmt.Errorf("open annotations %q: %w", file, err)
	}

	defer f.Close()

	var all []annotation

	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return nil, fmt.Errorf("decode annotations %q: %w", file, err)
	}

	var anns []annotation

	for _, a := range all {
		if (a.IsValidation == 0) == train {
			anns = append(anns, a)
		}
	}

	return anns, nil
}

// listImages returns the image files directly inside dir, sorted by
// name so dataset indices stay stable across runs
func listImages(dir string) ([]string, error) {

	entries, err := os.ReadDir(dir)

	if err != nil {
		return nil, fmt.Errorf("read unlabeled dir %q: %w", dir, err)
	}

	var out []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".bmp":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}

	return out, nil
}

// NumJoints returns the keypoint channel count
func (m *MPII) NumJoints() int {
	return m.numJoints
}

// Len returns the total number of samples in this split
func (m *MPII) Len() int {
	return len(m.anns) + len(m.unlabeled)
}

// NumBatches returns the number of mini-batches per epoch
func (m *MPII) NumBatches() int {
	return (m.Len() + m.params.BatchSize - 1) / m.params.BatchSize
}

// Sigma returns the current label smoothing sigma
func (m *MPII) Sigma() float64 {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sigma
}

// DecaySigma multiplies the label smoothing sigma by the given rate
func (m *MPII) DecaySigma(rate float64) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sigma *= rate
}

// Reset rewinds the stream and reshuffles when configured
func (m *MPII) Reset() {

	m.pos = 0

	if m.params.Shuffle {
		m.rng.Shuffle(len(m.order), func(i, j int) {
			m.order[i], m.order[j] = m.order[j], m.order[i]
		})
	}
}

// Close releases the image cache, the cropper and the batch pool
func (m *MPII) Close() {
	m.cache.Close()
	m.cropper.Close()
	m.cropMat.Close()
	m.pool.Close()
}

// Next assembles the next mini-batch, or returns io.EOF when the epoch
// stream is exhausted
func (m *MPII) Next() (*train.Batch, error) {

	total := m.Len()

	if m.pos >= total {
		return nil, io.EOF
	}

	// the previous pooled batch has been fully consumed once the
	// caller asks for the next one
	if m.lastBatch != nil {
		m.pool.Return(m.lastBatch)
		m.lastBatch = nil
	}

	n := total - m.pos

	if n > m.params.BatchSize {
		n = m.params.BatchSize
	}

	var batch *posekd.Batch

	if n == m.params.BatchSize {
		batch = m.pool.Get()
		m.lastBatch = batch
	} else {
		// short final batch, not pooled
		batch = posekd.NewBatch(n, m.params.InputRes, m.params.InputRes, 3)
	}

	target := posekd.NewTensor(n, m.numJoints, m.params.OutputRes, m.params.OutputRes)
	centers := make([][2]float32, n)
	scales := make([]float32, n)
	indices := make([]int, n)
	mask := make([]float32, n)

	sigma := m.Sigma()

	for j := 0; j < n; j++ {
		di := m.order[m.pos+j]
		indices[j] = di

		if di < len(m.anns) {
			if err := m.labeledSample(j, di, batch, target, sigma); err != nil {
				return nil, err
			}

			a := m.anns[di]
			centers[j] = [2]float32{float32(a.Center[0]), float32(a.Center[1])}
			scales[j] = boxScale(a.Scale)
			mask[j] = 1
		} else {
			c, s, err := m.unlabeledSample(j, di-len(m.anns), batch)

			if err != nil {
				return nil, err
			}

			centers[j] = c
			scales[j] = s
		}
	}

	m.pos += n

	return &train.Batch{
		Input:   batch.Tensor(),
		Target:  target,
		Centers: centers,
		Scales:  scales,
		Indices: indices,
		Mask:    mask,
	}, nil
}

// boxScale grows the annotated person box so crops include some
// context around the figure
func boxScale(scale float64) float32 {
	return float32(scale * 1.25)
}

// labeledSample crops an annotated image into batch slot j and renders
// its ground-truth label maps
func (m *MPII) labeledSample(j, di int, batch *posekd.Batch, target *posekd.Tensor,
	sigma float64) error {

	a := m.anns[di]

	img, err := m.cache.Get(filepath.Join(m.params.ImageDir, a.Image))

	if err != nil {
		return err
	}

	center := [2]float32{float32(a.Center[0]), float32(a.Center[1])}
	scale := boxScale(a.Scale)

	if err := m.cropper.Crop(img, &m.cropMat, center, scale); err != nil {
		return fmt.Errorf("crop %q: %w", a.Image, err)
	}

	if err := batch.AddAt(j, m.cropMat); err != nil {
		return err
	}

	for c, joint := range a.Joints {
		// joints at or below the origin are unannotated, their channel
		// stays all zero
		if joint[0] <= 0 || joint[1] <= 0 {
			continue
		}

		pt := ToCrop([2]float32{float32(joint[0]), float32(joint[1])},
			center, scale, m.params.OutputRes)

		if err := DrawLabel(target.Plane(j, c), target.W, target.H,
			pt[0], pt[1], sigma, m.params.LabelType); err != nil {
			return err
		}
	}

	return nil
}

// unlabeledSample crops an unannotated image into batch slot j using a
// whole-image person box
func (m *MPII) unlabeledSample(j, ui int, batch *posekd.Batch) ([2]float32, float32, error) {

	path := m.unlabeled[ui]

	img, err := m.cache.Get(path)

	if err != nil {
		return [2]float32{}, 0, err
	}

	center := [2]float32{float32(img.Cols()) / 2, float32(img.Rows()) / 2}
	scale := float32(img.Rows()) / ReferenceBoxSize

	if err := m.cropper.Crop(img, &m.cropMat, center, scale); err != nil {
		return [2]float32{}, 0, fmt.Errorf("crop %q: %w", path, err)
	}

	if err := batch.AddAt(j, m.cropMat); err != nil {
		return [2]float32{}, 0, err
	}

	return center, scale, nil
}
