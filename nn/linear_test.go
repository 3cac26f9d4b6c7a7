package nn

import (
	"testing"

	posekd "github.com/poselab/go-posekd"
	"github.com/poselab/go-posekd/distill"
)

func testNetConfig() Config {
	return Config{
		Stages:    2,
		Joints:    2,
		InputRes:  16,
		OutputRes: 4,
		LR:        0.01,
	}
}

func TestRegistry(t *testing.T) {

	if _, err := New("linear", testNetConfig()); err != nil {
		t.Errorf("expected built-in backend to construct: %v", err)
	}

	if _, err := New("resnet", testNetConfig()); err == nil {
		t.Error("expected unknown architecture to error")
	}

	found := false

	for _, a := range Archs() {
		if a == "linear" {
			found = true
		}
	}

	if !found {
		t.Errorf("expected linear in registered archs, got %v", Archs())
	}
}

func TestLinearConfigValidation(t *testing.T) {

	cfg := testNetConfig()
	cfg.Stages = 0

	if _, err := NewLinear(cfg); err == nil {
		t.Error("expected zero stages to error")
	}

	cfg = testNetConfig()
	cfg.InputRes = 15

	if _, err := NewLinear(cfg); err == nil {
		t.Error("expected non-divisible resolutions to error")
	}
}

func TestLinearForwardShapes(t *testing.T) {

	model, err := NewLinear(testNetConfig())

	if err != nil {
		t.Fatal(err)
	}

	img := posekd.NewTensor(3, 3, 16, 16)

	out, err := model.Forward(img)

	if err != nil {
		t.Fatalf("unexpected forward error: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("expected 2 output stages, got %d", len(out))
	}

	for i, s := range out {
		if s.B != 3 || s.C != 2 || s.H != 4 || s.W != 4 {
			t.Errorf("stage %d: unexpected shape %v", i, s.Shape())
		}
	}

	// a mismatched input is rejected
	if _, err := model.Forward(posekd.NewTensor(1, 3, 8, 8)); err == nil {
		t.Error("expected mismatched input resolution to error")
	}
}

// TestLinearTraining drives the backend with the distillation loss
// gradients and checks the loss actually falls
func TestLinearTraining(t *testing.T) {

	model, err := NewLinear(testNetConfig())

	if err != nil {
		t.Fatal(err)
	}

	loss := distill.New(distill.DefaultParams())

	img := posekd.NewTensor(2, 3, 16, 16)

	for i := range img.Data {
		img.Data[i] = float32(i%7) / 7
	}

	// teacher and target agree on a constant heatmap
	target := posekd.NewTensor(2, 2, 4, 4)

	for i := range target.Data {
		target.Data[i] = 0.5
	}

	teacher := target.Clone()
	mask := []float32{1, 1}

	var first, last float64

	for step := 0; step < 200; step++ {
		out, err := model.Forward(img)

		if err != nil {
			t.Fatal(err)
		}

		grads, terms, err := loss.Gradients(out, teacher, target, mask)

		if err != nil {
			t.Fatal(err)
		}

		if step == 0 {
			first = terms.Total
		}

		last = terms.Total

		if err := model.Step(terms.Total, grads); err != nil {
			t.Fatal(err)
		}
	}

	if last >= first {
		t.Errorf("expected loss to fall, got %f -> %f", first, last)
	}
}

func TestLinearStateRoundTrip(t *testing.T) {

	model, err := NewLinear(testNetConfig())

	if err != nil {
		t.Fatal(err)
	}

	img := posekd.NewTensor(1, 3, 16, 16)

	for i := range img.Data {
		img.Data[i] = float32(i%5) / 5
	}

	before, err := model.Forward(img)

	if err != nil {
		t.Fatal(err)
	}

	state, err := model.State()

	if err != nil {
		t.Fatalf("unexpected state error: %v", err)
	}

	restored, err := NewLinear(testNetConfig())

	if err != nil {
		t.Fatal(err)
	}

	if err := restored.Restore(state); err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}

	after, err := restored.Forward(img)

	if err != nil {
		t.Fatal(err)
	}

	for s := range before {
		for i := range before[s].Data {
			if before[s].Data[i] != after[s].Data[i] {
				t.Fatalf("stage %d element %d differs after restore: %f vs %f",
					s, i, before[s].Data[i], after[s].Data[i])
			}
		}
	}
}

// TestLinearRestoreMalformedState feeds truncated and misshapen state
// blobs to Restore, every one must come back as an error
func TestLinearRestoreMalformedState(t *testing.T) {

	model, err := NewLinear(testNetConfig())

	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		state string
	}{
		{"not json", `garbage`},
		{"wrong geometry", `{"stages":3,"joints":2}`},
		{"missing caches", `{"stages":2,"joints":2,
			"weights":[[0,0,0,0,0,0],[0,0,0,0,0,0]],
			"biases":[[0,0],[0,0]]}`},
		{"fewer weight stages than stages", `{"stages":2,"joints":2,
			"weights":[[0,0,0,0,0,0]],
			"biases":[[0,0],[0,0]],
			"w_cache":[[0,0,0,0,0,0],[0,0,0,0,0,0]],
			"b_cache":[[0,0],[0,0]]}`},
		{"short cache row", `{"stages":2,"joints":2,
			"weights":[[0,0,0,0,0,0],[0,0,0,0,0,0]],
			"biases":[[0,0],[0,0]],
			"w_cache":[[0,0],[0,0,0,0,0,0]],
			"b_cache":[[0,0],[0,0]]}`},
	}

	for _, c := range cases {
		if err := model.Restore([]byte(c.state)); err == nil {
			t.Errorf("%s: expected restore to error", c.name)
		}
	}

	// the model still works after the rejected restores
	if _, err := model.Forward(posekd.NewTensor(1, 3, 16, 16)); err != nil {
		t.Errorf("model unusable after rejected restore: %v", err)
	}
}

func TestLinearStepWithoutForward(t *testing.T) {

	model, err := NewLinear(testNetConfig())

	if err != nil {
		t.Fatal(err)
	}

	if err := model.Step(0, nil); err == nil {
		t.Error("expected step without forward to error")
	}
}
