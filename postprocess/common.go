package postprocess

// argMax2D locates the coordinate of the maximum value in a single
// H*W plane.  Returns the x,y coordinate and the maximum value.
func argMax2D(plane []float32, w int) (int, int, float32) {

	maxIdx := 0
	maxVal := plane[0]

	for i, v := range plane {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}

	return maxIdx % w, maxIdx / w, maxVal
}

// sign returns -1, 0 or 1 depending on the sign of v
func sign(v float32) float32 {

	if v > 0 {
		return 1
	}

	if v < 0 {
		return -1
	}

	return 0
}
