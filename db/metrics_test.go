package db

import (
	"path/filepath"
	"testing"

	"github.com/poselab/go-posekd/train"
)

func TestMetricsUpsert(t *testing.T) {

	m, err := OpenMetrics(filepath.Join(t.TempDir(), "metrics.db"), "linear")

	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	defer m.Close()

	if err := m.LogEpoch(train.EpochMetrics{Epoch: 1, LR: 0.1, ValAcc: 0.4}); err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}

	// logging the same epoch again after a resume replaces the row
	if err := m.LogEpoch(train.EpochMetrics{Epoch: 1, LR: 0.1, ValAcc: 0.6, IsBest: true}); err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}

	if err := m.LogEpoch(train.EpochMetrics{Epoch: 2, LR: 0.01, ValAcc: 0.5}); err != nil {
		t.Fatalf("unexpected log error: %v", err)
	}

	hist, err := m.History()

	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}

	if len(hist) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(hist))
	}

	if hist[0].Epoch != 1 || hist[0].ValAcc != 0.6 || !hist[0].IsBest {
		t.Errorf("expected updated epoch 1 row, got %+v", hist[0])
	}

	if hist[1].Epoch != 2 || hist[1].LR != 0.01 {
		t.Errorf("unexpected epoch 2 row: %+v", hist[1])
	}
}

func TestMetricsSeparateRuns(t *testing.T) {

	path := filepath.Join(t.TempDir(), "metrics.db")

	a, err := OpenMetrics(path, "run-a")

	if err != nil {
		t.Fatal(err)
	}

	defer a.Close()

	b, err := OpenMetrics(path, "run-b")

	if err != nil {
		t.Fatal(err)
	}

	defer b.Close()

	if err := a.LogEpoch(train.EpochMetrics{Epoch: 1}); err != nil {
		t.Fatal(err)
	}

	if err := b.LogEpoch(train.EpochMetrics{Epoch: 1}); err != nil {
		t.Fatal(err)
	}

	hist, err := a.History()

	if err != nil {
		t.Fatal(err)
	}

	if len(hist) != 1 {
		t.Errorf("expected runs to be isolated, got %d rows", len(hist))
	}
}
