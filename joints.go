package posekd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MPIIJointNames are the 16 MPII body joints in channel order
var MPIIJointNames = []string{
	"right_ankle", "right_knee", "right_hip", "left_hip",
	"left_knee", "left_ankle", "pelvis", "thorax",
	"upper_neck", "head_top", "right_wrist", "right_elbow",
	"right_shoulder", "left_shoulder", "left_elbow", "left_wrist",
}

// MPIIFlipPairs returns the mirror-symmetric channel pairs for the MPII
// joint ordering, used to remap heatmaps produced from a horizontally
// mirrored image
func MPIIFlipPairs() [][2]int {
	return [][2]int{
		{0, 5}, {1, 4}, {2, 3},
		{10, 15}, {11, 14}, {12, 13},
	}
}

// MPIIScoredJoints returns the default subset of trusted MPII joint
// channels scored by the accuracy metric: ankles, knees, hips, elbows
// and wrists.  Trunk joints and shoulders are excluded.
func MPIIScoredJoints() []int {
	return []int{0, 1, 2, 3, 4, 5, 10, 11, 14, 15}
}

// LoadFlipPairs reads mirror-symmetric channel pairs from the given text
// file.  It should contain one pair per line as two whitespace separated
// channel indices.  Blank lines and lines starting with # are skipped.
func LoadFlipPairs(file string) ([][2]int, error) {

	// open the file
	f, err := os.Open(file)

	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	defer f.Close()

	// create a scanner to read the file.
	scanner := bufio.NewScanner(f)

	var pairs [][2]int

	// read and parse each line
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)

		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid flip pair line %q", line)
		}

		a, err := strconv.Atoi(fields[0])

		if err != nil {
			return nil, fmt.Errorf("invalid channel index %q: %w", fields[0], err)
		}

		b, err := strconv.Atoi(fields[1])

		if err != nil {
			return nil, fmt.Errorf("invalid channel index %q: %w", fields[1], err)
		}

		pairs = append(pairs, [2]int{a, b})
	}

	// check for errors during scanning
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	return pairs, nil
}
