package pds

import (
	"fmt"
	"io"
	"time"
)

// minSustainedThroughput and its measurement window implement spec.md
// §4.3's repo-export guard: "abort if < 1 KB/s for 60 s".
const (
	minSustainedThroughputBytesPerSec = 1024
	throughputWindow                  = 60 * time.Second
)

// throughputGuard wraps a response body reader, aborting the transfer if
// the sustained rate over throughputWindow drops below
// minSustainedThroughputBytesPerSec. It measures from the start of the
// transfer rather than a true sliding window, which is adequate for a
// single long-lived repo download and far cheaper than a ring buffer.
type throughputGuard struct {
	r         io.Reader
	op        string
	start     time.Time
	totalRead int64
}

func newThroughputGuard(r io.Reader, op string) *throughputGuard {
	return &throughputGuard{r: r, op: op, start: time.Now()}
}

func (g *throughputGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.totalRead += int64(n)

	if elapsed := time.Since(g.start); elapsed >= throughputWindow {
		rate := float64(g.totalRead) / elapsed.Seconds()
		if rate < minSustainedThroughputBytesPerSec {
			return n, fmt.Errorf("pds: %s: sustained throughput %.0f B/s below minimum %d B/s over %s", g.op, rate, minSustainedThroughputBytesPerSec, elapsed)
		}
	}
	return n, err
}
