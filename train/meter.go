package train

// Meter accumulates a scalar metric and its sample-weighted running
// mean across a batch stream.  Reset at epoch boundaries.
type Meter struct {
	// Val is the most recently observed value
	Val float64
	// Sum is the weighted sum of observed values
	Sum float64
	// Count is the total sample weight
	Count int
	// Avg is the running sample-weighted mean
	Avg float64
}

// NewMeter returns a zeroed meter
func NewMeter() *Meter {
	return &Meter{}
}

// Reset clears the meter back to its initial state
func (m *Meter) Reset() {
	*m = Meter{}
}

// Update records a value observed over n samples
func (m *Meter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n

	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}
