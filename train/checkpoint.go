package train

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrCheckpointNotFound is returned when a resume or teacher checkpoint
// path does not exist
var ErrCheckpointNotFound = errors.New("checkpoint not found")

const (
	latestFile = "checkpoint.json"
	bestFile   = "model_best.json"
	predsFile  = "preds.json"
)

// Record is the persisted training state emitted after every epoch
type Record struct {
	// Epoch is the number of completed epochs
	Epoch int `json:"epoch"`
	// Arch is the student architecture identifier
	Arch string `json:"arch"`
	// ModelState is the opaque serialized model parameters and
	// optimizer state
	ModelState []byte `json:"model_state"`
	// BestAcc is the best validation accuracy observed so far,
	// monotonically non-decreasing across resumes
	BestAcc float64 `json:"best_acc"`
	// Predictions holds the validation predictions from this epoch
	Predictions PackedPredictions `json:"predictions"`
	// CreatedAt is the record creation time
	CreatedAt time.Time `json:"created_at"`
}

// Store persists checkpoint records and prediction tables under a
// single directory
type Store struct {
	dir string
}

// NewStore creates the checkpoint directory if needed and returns a
// store rooted at it
func NewStore(dir string) (*Store, error) {

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the checkpoint directory
func (s *Store) Dir() string {
	return s.dir
}

// LatestPath returns the path the most recent record is written to
func (s *Store) LatestPath() string {
	return filepath.Join(s.dir, latestFile)
}

// BestPath returns the path the best record is copied to
func (s *Store) BestPath() string {
	return filepath.Join(s.dir, bestFile)
}

// Save writes the record as the latest checkpoint and, when isBest is
// set, copies it to the best-model path.  The write goes through a
// temporary file and rename so an interrupted save leaves the previous
// checkpoint intact as a valid resume point.
func (s *Store) Save(rec *Record, isBest bool) error {

	if err := writeJSON(s.LatestPath(), rec); err != nil {
		return err
	}

	if isBest {
		if err := copyFile(s.LatestPath(), s.BestPath()); err != nil {
			return fmt.Errorf("copy best checkpoint: %w", err)
		}
	}

	return nil
}

// Load reads a checkpoint record from the given path
func (s *Store) Load(path string) (*Record, error) {
	return LoadRecord(path)
}

// LoadRecord reads a checkpoint record from the given path
func LoadRecord(path string) (*Record, error) {

	f, err := os.Open(path)

	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%q: %w", path, ErrCheckpointNotFound)
		}

		return nil, fmt.Errorf("open checkpoint: %w", err)
	}

	defer f.Close()

	var rec Record

	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint %q: %w", path, err)
	}

	return &rec, nil
}

// SavePredictions writes the prediction table on its own, used by
// evaluate-only runs
func (s *Store) SavePredictions(p *PredictionTable) error {
	return writeJSON(filepath.Join(s.dir, predsFile), p.Pack())
}

// LoadPredictions reads back a prediction table written with
// SavePredictions
func (s *Store) LoadPredictions() (*PredictionTable, error) {

	f, err := os.Open(filepath.Join(s.dir, predsFile))

	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("predictions: %w", ErrCheckpointNotFound)
		}

		return nil, err
	}

	defer f.Close()

	var packed PackedPredictions

	if err := json.NewDecoder(f).Decode(&packed); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}

	return packed.Unpack()
}

// writeJSON marshals v into path atomically via a temp file rename
func writeJSON(path string, v any) error {

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")

	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}

	enc := json.NewEncoder(tmp)

	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	return nil
}

// copyFile duplicates src to dst
func copyFile(src, dst string) error {

	in, err := os.Open(src)

	if err != nil {
		return err
	}

	defer in.Close()

	out, err := os.Create(dst)

	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
