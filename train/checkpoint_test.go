package train

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poselab/go-posekd/postprocess"
)

func testRecord(epoch int, best float64) *Record {

	preds := NewPredictionTable(1, 1)
	preds.Set(0, postprocess.KeypointSet{{1, 2}})

	return &Record{
		Epoch:       epoch,
		Arch:        "linear",
		ModelState:  []byte(`{"w":1}`),
		BestAcc:     best,
		Predictions: preds.Pack(),
		CreatedAt:   time.Now(),
	}
}

func TestStoreSaveLoad(t *testing.T) {

	store, err := NewStore(filepath.Join(t.TempDir(), "ckpt"))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.Save(testRecord(3, 0.8), false); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	rec, err := store.Load(store.LatestPath())

	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if rec.Epoch != 3 || rec.BestAcc != 0.8 || rec.Arch != "linear" {
		t.Errorf("record fields lost in round trip: %+v", rec)
	}

	if string(rec.ModelState) != `{"w":1}` {
		t.Errorf("model state lost in round trip: %s", rec.ModelState)
	}

	// not saved as best, the best path must not exist
	if _, err := os.Stat(store.BestPath()); !os.IsNotExist(err) {
		t.Error("expected no best checkpoint for a non-best save")
	}
}

func TestStoreBestCopy(t *testing.T) {

	store, err := NewStore(t.TempDir())

	if err != nil {
		t.Fatal(err)
	}

	if err := store.Save(testRecord(1, 0.5), true); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	best, err := store.Load(store.BestPath())

	if err != nil {
		t.Fatalf("unexpected best load error: %v", err)
	}

	if best.Epoch != 1 || best.BestAcc != 0.5 {
		t.Errorf("best copy differs from saved record: %+v", best)
	}

	// a later non-best save must leave the best copy untouched
	if err := store.Save(testRecord(2, 0.5), false); err != nil {
		t.Fatal(err)
	}

	best, err = store.Load(store.BestPath())

	if err != nil {
		t.Fatal(err)
	}

	if best.Epoch != 1 {
		t.Errorf("expected best copy to stay at epoch 1, got %d", best.Epoch)
	}
}

func TestStoreLoadMissing(t *testing.T) {

	store, err := NewStore(t.TempDir())

	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Load(filepath.Join(store.Dir(), "nope.json"))

	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("expected ErrCheckpointNotFound, got %v", err)
	}
}

func TestStorePredictionsRoundTrip(t *testing.T) {

	store, err := NewStore(t.TempDir())

	if err != nil {
		t.Fatal(err)
	}

	preds := NewPredictionTable(2, 1)
	preds.Set(0, postprocess.KeypointSet{{10, 20}})
	preds.Set(1, postprocess.KeypointSet{{30, 40}})

	if err := store.SavePredictions(preds); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	loaded, err := store.LoadPredictions()

	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if loaded.Samples() != 2 || loaded.Joints() != 1 {
		t.Fatalf("table geometry lost: %d x %d", loaded.Samples(), loaded.Joints())
	}

	if got := loaded.At(1); got[0] != [2]float32{30, 40} {
		t.Errorf("expected (30,40), got %v", got[0])
	}
}
