// Package stats tracks request latency percentiles.
package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Recorder aggregates request timings into an HDR histogram. Values are
// recorded in microseconds from 1us to 5 minutes.
type Recorder struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func NewRecorder() *Recorder {
	return &Recorder{
		hist: hdrhistogram.New(1, int64(5*time.Minute/time.Microsecond), 3),
	}
}

// Record adds one request duration.
func (r *Recorder) Record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	r.mu.Lock()
	// RecordValue only fails for out-of-range values; clamp instead
	if us > r.hist.HighestTrackableValue() {
		us = r.hist.HighestTrackableValue()
	}
	_ = r.hist.RecordValue(us)
	r.mu.Unlock()
}

// Summary is a point-in-time percentile snapshot, microsecond units.
type Summary struct {
	Count int64   `json:"count"`
	Min   int64   `json:"min_us"`
	Max   int64   `json:"max_us"`
	Mean  float64 `json:"mean_us"`
	P50   int64   `json:"p50_us"`
	P95   int64   `json:"p95_us"`
	P99   int64   `json:"p99_us"`
}

func (r *Recorder) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		Count: r.hist.TotalCount(),
		Min:   r.hist.Min(),
		Max:   r.hist.Max(),
		Mean:  r.hist.Mean(),
		P50:   r.hist.ValueAtQuantile(50),
		P95:   r.hist.ValueAtQuantile(95),
		P99:   r.hist.ValueAtQuantile(99),
	}
}

// Reset clears the histogram.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.hist.Reset()
	r.mu.Unlock()
}
