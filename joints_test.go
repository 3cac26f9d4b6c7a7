package posekd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMPIITables(t *testing.T) {

	if len(MPIIJointNames) != 16 {
		t.Fatalf("expected 16 joint names, got %d", len(MPIIJointNames))
	}

	for _, p := range MPIIFlipPairs() {
		if p[0] < 0 || p[0] >= 16 || p[1] < 0 || p[1] >= 16 {
			t.Errorf("flip pair %v out of joint range", p)
		}
	}

	for _, j := range MPIIScoredJoints() {
		if j < 0 || j >= 16 {
			t.Errorf("scored joint %d out of range", j)
		}
	}
}

func TestLoadFlipPairs(t *testing.T) {

	file := filepath.Join(t.TempDir(), "pairs.txt")

	content := "# mirror symmetric joints\n0 5\n1 4\n\n2 3\n"

	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	pairs, err := LoadFlipPairs(file)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][2]int{{0, 5}, {1, 4}, {2, 3}}

	if len(pairs) != len(want) {
		t.Fatalf("expected %d pairs, got %d", len(want), len(pairs))
	}

	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pair %d: expected %v, got %v", i, want[i], pairs[i])
		}
	}
}

func TestLoadFlipPairsInvalid(t *testing.T) {

	file := filepath.Join(t.TempDir(), "pairs.txt")

	if err := os.WriteFile(file, []byte("0 5 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFlipPairs(file); err == nil {
		t.Error("expected malformed line to error")
	}

	if _, err := LoadFlipPairs(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected missing file to error")
	}
}
