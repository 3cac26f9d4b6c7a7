package train

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressBar renders a single line per-batch progress display with
// elapsed time, ETA and running metric averages
type ProgressBar struct {
	out       io.Writer
	desc      string
	total     int
	current   int
	width     int
	startTime time.Time
}

// NewProgressBar creates a progress bar writing to out
func NewProgressBar(out io.Writer, desc string, total int) *ProgressBar {
	return &ProgressBar{
		out:       out,
		desc:      desc,
		total:     total,
		width:     30,
		startTime: time.Now(),
	}
}

// MetricKV is one named metric rendered at the end of the progress line
type MetricKV struct {
	Name  string
	Value float64
}

// Update advances the bar to the given batch and redraws it
func (pb *ProgressBar) Update(current int, metrics []MetricKV) {

	pb.current = current

	frac := float64(pb.current) / float64(pb.total)

	if frac > 1 {
		frac = 1
	}

	filled := int(frac * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	line := fmt.Sprintf("\r%s (%d/%d) |%s| %s", pb.desc, pb.current, pb.total,
		bar, formatDuration(elapsed))

	if pb.current > 0 && pb.current < pb.total {
		eta := time.Duration(float64(elapsed) / frac * (1 - frac))
		line += fmt.Sprintf("<%s", formatDuration(eta))
	}

	for _, m := range metrics {
		line += fmt.Sprintf(" | %s: %.6f", m.Name, m.Value)
	}

	fmt.Fprint(pb.out, line)
}

// Finish completes the bar and moves to the next line
func (pb *ProgressBar) Finish() {
	fmt.Fprintln(pb.out)
}

// formatDuration renders a duration as mm:ss
func formatDuration(d time.Duration) string {

	secs := int(d.Seconds())

	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
