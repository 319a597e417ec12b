package uvc

import (
	"fmt"
	"time"
)

// RateFilter is a moving average filter over frame intervals, for smoothing
// out the measured frame rate.
type RateFilter struct {
	index  int
	filled int
	sum    float64
	values []float64

	last    time.Duration
	hasLast bool
}

// NewRateFilter returns a new filter averaging over the given number of
// frame intervals.
func NewRateFilter(size int) (*RateFilter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be > 0")
	}
	return &RateFilter{values: make([]float64, size)}, nil
}

// Update adds the capture timestamp of one frame and returns the smoothed
// frame rate in frames per second. The first timestamp yields 0. Timestamps
// must increase.
func (f *RateFilter) Update(ts time.Duration) (float64, error) {
	if f.values == nil {
		return 0, fmt.Errorf("invalid RateFilter, use NewRateFilter")
	}
	if !f.hasLast {
		f.last = ts
		f.hasLast = true
		return 0, nil
	}
	if ts <= f.last {
		return f.FPS(), fmt.Errorf("timestamp %v not after %v", ts, f.last)
	}

	v := (ts - f.last).Seconds()
	f.last = ts
	f.sum -= f.values[f.index]
	f.sum += v
	f.values[f.index] = v
	f.index++
	if f.index >= len(f.values) {
		f.index = 0
	}
	if f.filled < len(f.values) {
		f.filled++
	}
	return f.FPS(), nil
}

// FPS returns the current smoothed frame rate.
func (f *RateFilter) FPS() float64 {
	if f.filled == 0 || f.sum <= 0 {
		return 0
	}
	return float64(f.filled) / f.sum
}

// Reset forgets all history.
func (f *RateFilter) Reset() {
	for i := range f.values {
		f.values[i] = 0
	}
	f.index, f.filled, f.sum = 0, 0, 0
	f.hasLast = false
}
