package bench

import (
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// Observations above latencyCeiling are recorded as latencyCeiling. Three
// significant digits bound the percentile error to 0.1%.
const (
	latencyCeiling = int64(time.Hour)
	latencySigFigs = 3
)

// Latency is a latency histogram backed by an HDR histogram. Count, Min,
// Max and Mean are exact. It is not safe for concurrent use; give each
// worker its own and Merge them.
type Latency struct {
	h   *hdrhistogram.Histogram
	n   uint64
	sum time.Duration
	min time.Duration
	max time.Duration
}

func (l *Latency) hist() *hdrhistogram.Histogram {
	if l.h == nil {
		l.h = hdrhistogram.New(1, latencyCeiling, latencySigFigs)
	}
	return l.h
}

// Record adds one observation.
func (l *Latency) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	v := int64(d)
	if v > latencyCeiling {
		v = latencyCeiling
	}
	if err := l.hist().RecordValue(v); err != nil {
		log.WithError(err).WithField("latency", d).Warn("dropping latency observation")
		return
	}
	if l.n == 0 || d < l.min {
		l.min = d
	}
	if d > l.max {
		l.max = d
	}
	l.n++
	l.sum += d
}

// Merge adds o's observations to l.
func (l *Latency) Merge(o *Latency) {
	if o.n == 0 {
		return
	}
	if dropped := l.hist().Merge(o.h); dropped > 0 {
		log.WithField("dropped", dropped).Warn("latency merge dropped observations")
	}
	if l.n == 0 || o.min < l.min {
		l.min = o.min
	}
	if o.max > l.max {
		l.max = o.max
	}
	l.n += o.n
	l.sum += o.sum
}

// Count returns the number of observations.
func (l *Latency) Count() uint64 { return l.n }

// Max returns the largest observation.
func (l *Latency) Max() time.Duration { return l.max }

// Min returns the smallest observation.
func (l *Latency) Min() time.Duration { return l.min }

// Mean returns the exact mean.
func (l *Latency) Mean() time.Duration {
	if l.n == 0 {
		return 0
	}
	return l.sum / time.Duration(l.n)
}

// Percentile returns the value at quantile q (0 < q <= 1), clamped to the
// observed range.
func (l *Latency) Percentile(q float64) time.Duration {
	if l.n == 0 {
		return 0
	}
	if q >= 1 {
		return l.max
	}
	v := time.Duration(l.h.ValueAtQuantile(q * 100))
	if v < l.min {
		v = l.min
	}
	if v > l.max {
		v = l.max
	}
	return v
}
