package distill

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	posekd "github.com/poselab/go-posekd"
)

// randTensor fills a tensor with deterministic pseudo random values
func randTensor(rng *rand.Rand, b, c, h, w int) *posekd.Tensor {

	t := posekd.NewTensor(b, c, h, w)

	for i := range t.Data {
		t.Data[i] = rng.Float32()
	}

	return t
}

func approxEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}

func TestLossAllLabeled(t *testing.T) {

	rng := rand.New(rand.NewSource(1))
	loss := New(DefaultParams())

	stages := []*posekd.Tensor{
		randTensor(rng, 2, 3, 4, 4),
		randTensor(rng, 2, 3, 4, 4),
	}

	teacher := randTensor(rng, 2, 3, 4, 4)
	target := randTensor(rng, 2, 3, 4, 4)

	terms, err := loss.Forward(stages, teacher, target, []float32{1, 1})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if terms.DistillUnlabeled != 0 {
		t.Errorf("expected no unlabeled term for a fully labeled batch, got %f",
			terms.DistillUnlabeled)
	}

	want := 0.5*terms.Distill + 0.5*terms.GroundTruth

	if !approxEqual(terms.Total, want, 1e-12) {
		t.Errorf("expected total %f, got %f", want, terms.Total)
	}
}

func TestLossAllUnlabeled(t *testing.T) {

	rng := rand.New(rand.NewSource(2))
	loss := New(DefaultParams())

	stages := []*posekd.Tensor{randTensor(rng, 2, 3, 4, 4)}
	teacher := randTensor(rng, 2, 3, 4, 4)
	target := randTensor(rng, 2, 3, 4, 4)

	terms, err := loss.Forward(stages, teacher, target, []float32{0, 0.05})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if terms.GroundTruth != 0 || terms.Distill != 0 {
		t.Errorf("expected no labeled terms, got gt=%f kd=%f",
			terms.GroundTruth, terms.Distill)
	}

	if !approxEqual(terms.Total, terms.DistillUnlabeled, 1e-12) {
		t.Errorf("expected total to equal the unlabeled term, got %f vs %f",
			terms.Total, terms.DistillUnlabeled)
	}
}

// TestLossMixedBatch follows the two sample scenario: the student
// matches the teacher exactly, and the labeled sample's target differs
// from the student by delta in every element.  The ground truth term
// must come out as delta^2/2 since it is normalized by the full batch
// size.
func TestLossMixedBatch(t *testing.T) {

	const delta = 0.3

	loss := New(DefaultParams())

	teacher := posekd.NewTensor(2, 2, 4, 4)

	for i := range teacher.Data {
		teacher.Data[i] = 0.5
	}

	student := teacher.Clone()
	target := teacher.Clone()

	// shift every element of the labeled sample's target
	for _, i := range []int{1} {
		s := target.Sample(i)

		for j := range s {
			s[j] += delta
		}
	}

	terms, err := loss.Forward([]*posekd.Tensor{student}, teacher, target,
		[]float32{0, 1})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if terms.Distill != 0 || terms.DistillUnlabeled != 0 {
		t.Errorf("expected zero distillation terms, got kd=%f unkd=%f",
			terms.Distill, terms.DistillUnlabeled)
	}

	want := delta * delta / 2

	if !approxEqual(terms.GroundTruth, want, 1e-6) {
		t.Errorf("expected ground truth term %f, got %f", want, terms.GroundTruth)
	}

	if !approxEqual(terms.Total, 0.5*want, 1e-6) {
		t.Errorf("expected total %f, got %f", 0.5*want, terms.Total)
	}
}

// TestLossPermutationInvariance verifies that reordering the samples
// together with the mask leaves every term unchanged
func TestLossPermutationInvariance(t *testing.T) {

	rng := rand.New(rand.NewSource(3))
	loss := New(DefaultParams())

	stage := randTensor(rng, 3, 2, 4, 4)
	teacher := randTensor(rng, 3, 2, 4, 4)
	target := randTensor(rng, 3, 2, 4, 4)
	mask := []float32{1, 0, 1}

	terms, err := loss.Forward([]*posekd.Tensor{stage}, teacher, target, mask)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// rotate samples 0,1,2 -> 2,0,1
	perm := []int{2, 0, 1}

	pStage := posekd.NewTensor(3, 2, 4, 4)
	pTeacher := posekd.NewTensor(3, 2, 4, 4)
	pTarget := posekd.NewTensor(3, 2, 4, 4)
	pMask := make([]float32, 3)

	for dst, src := range perm {
		copy(pStage.Sample(dst), stage.Sample(src))
		copy(pTeacher.Sample(dst), teacher.Sample(src))
		copy(pTarget.Sample(dst), target.Sample(src))
		pMask[dst] = mask[src]
	}

	pTerms, err := loss.Forward([]*posekd.Tensor{pStage}, pTeacher, pTarget, pMask)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !approxEqual(terms.Total, pTerms.Total, 1e-9) ||
		!approxEqual(terms.GroundTruth, pTerms.GroundTruth, 1e-9) ||
		!approxEqual(terms.Distill, pTerms.Distill, 1e-9) ||
		!approxEqual(terms.DistillUnlabeled, pTerms.DistillUnlabeled, 1e-9) {
		t.Errorf("permuted terms differ: %+v vs %+v", terms, pTerms)
	}
}

// TestLossGradients checks the analytic gradient against a central
// finite difference on a handful of elements
func TestLossGradients(t *testing.T) {

	rng := rand.New(rand.NewSource(4))
	loss := New(Params{Alpha: 0.7, UnlabeledWeight: 1.0, MaskThreshold: 0.1})

	stages := []*posekd.Tensor{
		randTensor(rng, 2, 2, 3, 3),
		randTensor(rng, 2, 2, 3, 3),
	}

	teacher := randTensor(rng, 2, 2, 3, 3)
	target := randTensor(rng, 2, 2, 3, 3)
	mask := []float32{1, 0}

	grads, _, err := loss.Gradients(stages, teacher, target, mask)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const eps = 1e-3

	for si := range stages {
		for _, idx := range []int{0, 7, 17, 35} {
			orig := stages[si].Data[idx]

			stages[si].Data[idx] = orig + eps
			plus, err := loss.Forward(stages, teacher, target, mask)

			if err != nil {
				t.Fatal(err)
			}

			stages[si].Data[idx] = orig - eps
			minus, err := loss.Forward(stages, teacher, target, mask)

			if err != nil {
				t.Fatal(err)
			}

			stages[si].Data[idx] = orig

			numeric := (plus.Total - minus.Total) / (2 * eps)
			analytic := float64(grads[si].Data[idx])

			if !approxEqual(numeric, analytic, 1e-4) {
				t.Errorf("stage %d element %d: numeric gradient %f vs analytic %f",
					si, idx, numeric, analytic)
			}
		}
	}
}

func TestValidationLoss(t *testing.T) {

	target := posekd.NewTensor(2, 1, 2, 2)

	stage := target.Clone()

	loss, err := ValidationLoss([]*posekd.Tensor{stage, stage}, target)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if loss != 0 {
		t.Errorf("expected zero loss for identical stages, got %f", loss)
	}

	// every element off by 0.5 gives a mean squared error of 0.25 per
	// stage
	off := target.Clone()

	for i := range off.Data {
		off.Data[i] += 0.5
	}

	loss, err = ValidationLoss([]*posekd.Tensor{off, off}, target)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !approxEqual(loss, 0.5, 1e-6) {
		t.Errorf("expected summed loss 0.5, got %f", loss)
	}
}

func TestLossShapeChecks(t *testing.T) {

	loss := New(DefaultParams())

	stage := posekd.NewTensor(2, 1, 2, 2)
	teacher := posekd.NewTensor(2, 1, 2, 3)
	target := posekd.NewTensor(2, 1, 2, 2)

	_, err := loss.Forward([]*posekd.Tensor{stage}, teacher, target, []float32{1, 1})

	if !errors.Is(err, posekd.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch error, got %v", err)
	}

	teacher = posekd.NewTensor(2, 1, 2, 2)

	_, err = loss.Forward([]*posekd.Tensor{stage}, teacher, target, []float32{1})

	if !errors.Is(err, posekd.ErrShapeMismatch) {
		t.Errorf("expected mask length error, got %v", err)
	}

	if _, err := loss.Forward(nil, teacher, target, []float32{1, 1}); err == nil {
		t.Error("expected empty stage list to error")
	}
}
