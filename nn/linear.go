package nn

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"

	posekd "github.com/poselab/go-posekd"
	"github.com/poselab/go-posekd/train"
	"gonum.org/v1/gonum/mat"
)

func init() {
	if err := Register("linear", NewLinear); err != nil {
		panic(err)
	}
}

// RMSprop hyperparameters, matching the update rule the reference
// trainer uses
const (
	rmsRho = 0.99
	rmsEps = 1e-8
)

// Linear is a per-joint linear head: the input image is average-pooled
// down to the heatmap resolution and each stage predicts every joint
// channel as a learned linear combination of the pooled color planes
// plus a bias.  Parameters are updated with RMSprop from the output
// gradients supplied by the loss.
type Linear struct {
	cfg Config

	mu sync.Mutex

	// weights is one (joints x channels) matrix per stage
	weights []*mat.Dense
	// biases is one value per stage and joint
	biases [][]float64

	// RMSprop running squared-gradient caches, same shapes as the
	// parameters
	wCache []*mat.Dense
	bCache [][]float64

	lr float64

	// lastFeat holds the pooled features of the most recent forward
	// pass, consumed by the following Step
	lastFeat *posekd.Tensor
}

// NewLinear constructs the linear head backend
func NewLinear(cfg Config) (train.Trainable, error) {

	if cfg.Stages <= 0 || cfg.Joints <= 0 {
		return nil, fmt.Errorf("linear head needs stages and joints, got %d/%d",
			cfg.Stages, cfg.Joints)
	}

	if cfg.InputRes <= 0 || cfg.OutputRes <= 0 || cfg.InputRes%cfg.OutputRes != 0 {
		return nil, fmt.Errorf("input resolution %d must be a multiple of output resolution %d",
			cfg.InputRes, cfg.OutputRes)
	}

	l := &Linear{
		cfg:     cfg,
		weights: make([]*mat.Dense, cfg.Stages),
		biases:  make([][]float64, cfg.Stages),
		wCache:  make([]*mat.Dense, cfg.Stages),
		bCache:  make([][]float64, cfg.Stages),
		lr:      cfg.LR,
	}

	rng := rand.New(rand.NewSource(1))

	for s := 0; s < cfg.Stages; s++ {
		w := make([]float64, cfg.Joints*channels)

		for i := range w {
			w[i] = rng.NormFloat64() * 0.01
		}

		l.weights[s] = mat.NewDense(cfg.Joints, channels, w)
		l.wCache[s] = mat.NewDense(cfg.Joints, channels, nil)
		l.biases[s] = make([]float64, cfg.Joints)
		l.bCache[s] = make([]float64, cfg.Joints)
	}

	return l, nil
}

// channels is the number of pooled input color planes
const channels = 3

// Arch returns the architecture identifier
func (l *Linear) Arch() string {
	return "linear"
}

// SetLearningRate pushes the scheduled rate into the update rule
func (l *Linear) SetLearningRate(lr float64) {

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lr = lr
}

// Forward pools the image batch to the heatmap resolution and applies
// the per-stage linear heads
func (l *Linear) Forward(img *posekd.Tensor) ([]*posekd.Tensor, error) {

	if img.C != channels || img.H != l.cfg.InputRes || img.W != l.cfg.InputRes {
		return nil, fmt.Errorf("input %v does not match configured %dx%dx%d: %w",
			img.Shape(), channels, l.cfg.InputRes, l.cfg.InputRes,
			posekd.ErrShapeMismatch)
	}

	feat := avgPool(img, l.cfg.InputRes/l.cfg.OutputRes)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastFeat = feat

	out := make([]*posekd.Tensor, l.cfg.Stages)

	for s := 0; s < l.cfg.Stages; s++ {
		hm := posekd.NewTensor(img.B, l.cfg.Joints, feat.H, feat.W)

		for n := 0; n < img.B; n++ {
			for c := 0; c < l.cfg.Joints; c++ {
				dst := hm.Plane(n, c)
				bias := float32(l.biases[s][c])

				for i := range dst {
					dst[i] = bias
				}

				for ch := 0; ch < channels; ch++ {
					w := float32(l.weights[s].At(c, ch))
					src := feat.Plane(n, ch)

					for i := range dst {
						dst[i] += w * src[i]
					}
				}
			}
		}

		out[s] = hm
	}

	return out, nil
}

// Step consumes the per-stage output gradients from the most recent
// forward pass and applies one RMSprop update
func (l *Linear) Step(_ float64, grads []*posekd.Tensor) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastFeat == nil {
		return fmt.Errorf("step without a preceding forward pass")
	}

	if len(grads) != l.cfg.Stages {
		return fmt.Errorf("%d gradient stages for %d stage model: %w",
			len(grads), l.cfg.Stages, posekd.ErrShapeMismatch)
	}

	feat := l.lastFeat

	for s, g := range grads {
		if g.C != l.cfg.Joints || g.H != feat.H || g.W != feat.W || g.B != feat.B {
			return fmt.Errorf("gradient stage %d %v does not match features %v: %w",
				s, g.Shape(), feat.Shape(), posekd.ErrShapeMismatch)
		}

		for c := 0; c < l.cfg.Joints; c++ {
			var db float64
			dw := make([]float64, channels)

			for n := 0; n < g.B; n++ {
				gp := g.Plane(n, c)

				for _, gv := range gp {
					db += float64(gv)
				}

				for ch := 0; ch < channels; ch++ {
					fp := feat.Plane(n, ch)

					var sum float64

					for i, gv := range gp {
						sum += float64(gv) * float64(fp[i])
					}

					dw[ch] += sum
				}
			}

			for ch := 0; ch < channels; ch++ {
				cache := rmsRho*l.wCache[s].At(c, ch) + (1-rmsRho)*dw[ch]*dw[ch]
				l.wCache[s].Set(c, ch, cache)

				w := l.weights[s].At(c, ch) - l.lr*dw[ch]/(math.Sqrt(cache)+rmsEps)
				l.weights[s].Set(c, ch, w)
			}

			cache := rmsRho*l.bCache[s][c] + (1-rmsRho)*db*db
			l.bCache[s][c] = cache
			l.biases[s][c] -= l.lr * db / (math.Sqrt(cache) + rmsEps)
		}
	}

	return nil
}

// linearState is the serialized parameter and optimizer state
type linearState struct {
	Stages  int         `json:"stages"`
	Joints  int         `json:"joints"`
	Weights [][]float64 `json:"weights"`
	Biases  [][]float64 `json:"biases"`
	WCache  [][]float64 `json:"w_cache"`
	BCache  [][]float64 `json:"b_cache"`
}

// State serializes the parameters and RMSprop caches
func (l *Linear) State() ([]byte, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	st := linearState{
		Stages:  l.cfg.Stages,
		Joints:  l.cfg.Joints,
		Weights: make([][]float64, l.cfg.Stages),
		Biases:  make([][]float64, l.cfg.Stages),
		WCache:  make([][]float64, l.cfg.Stages),
		BCache:  make([][]float64, l.cfg.Stages),
	}

	for s := 0; s < l.cfg.Stages; s++ {
		st.Weights[s] = append([]float64(nil), l.weights[s].RawMatrix().Data...)
		st.WCache[s] = append([]float64(nil), l.wCache[s].RawMatrix().Data...)
		st.Biases[s] = append([]float64(nil), l.biases[s]...)
		st.BCache[s] = append([]float64(nil), l.bCache[s]...)
	}

	return json.Marshal(st)
}

// Restore loads a state produced by State
func (l *Linear) Restore(state []byte) error {

	var st linearState

	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("decode linear state: %w", err)
	}

	if st.Stages != l.cfg.Stages || st.Joints != l.cfg.Joints {
		return fmt.Errorf("state geometry %d/%d does not match model %d/%d: %w",
			st.Stages, st.Joints, l.cfg.Stages, l.cfg.Joints,
			posekd.ErrShapeMismatch)
	}

	if len(st.Weights) != l.cfg.Stages || len(st.Biases) != l.cfg.Stages ||
		len(st.WCache) != l.cfg.Stages || len(st.BCache) != l.cfg.Stages {
		return fmt.Errorf("state has %d/%d/%d/%d stage arrays for a %d stage model: %w",
			len(st.Weights), len(st.Biases), len(st.WCache), len(st.BCache),
			l.cfg.Stages, posekd.ErrShapeMismatch)
	}

	// every stage is checked before any parameter is replaced, so a bad
	// state never leaves the model half restored
	for s := 0; s < l.cfg.Stages; s++ {
		if len(st.Weights[s]) != l.cfg.Joints*channels ||
			len(st.WCache[s]) != l.cfg.Joints*channels ||
			len(st.Biases[s]) != l.cfg.Joints ||
			len(st.BCache[s]) != l.cfg.Joints {
			return fmt.Errorf("state stage %d has wrong parameter count: %w",
				s, posekd.ErrShapeMismatch)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for s := 0; s < l.cfg.Stages; s++ {
		l.weights[s] = mat.NewDense(l.cfg.Joints, channels, st.Weights[s])
		l.wCache[s] = mat.NewDense(l.cfg.Joints, channels, st.WCache[s])
		l.biases[s] = st.Biases[s]
		l.bCache[s] = st.BCache[s]
	}

	return nil
}

// avgPool reduces each plane by a factor k with non-overlapping mean
// pooling
func avgPool(t *posekd.Tensor, k int) *posekd.Tensor {

	if k == 1 {
		return t.Clone()
	}

	oh := t.H / k
	ow := t.W / k
	out := posekd.NewTensor(t.B, t.C, oh, ow)
	inv := 1.0 / float32(k*k)

	for n := 0; n < t.B; n++ {
		for c := 0; c < t.C; c++ {
			src := t.Plane(n, c)
			dst := out.Plane(n, c)

			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					var sum float32

					for dy := 0; dy < k; dy++ {
						row := (y*k + dy) * t.W

						for dx := 0; dx < k; dx++ {
							sum += src[row+x*k+dx]
						}
					}

					dst[y*ow+x] = sum * inv
				}
			}
		}
	}

	return out
}
