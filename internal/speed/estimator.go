package speed

import (
	"math"
	"time"
)

// WindowSize bounds how many per-update rate samples are averaged.
const WindowSize = 9

// Estimator smooths cumulative byte counts into a bytes/sec rate over a
// short sliding window. It is not safe for concurrent use.
type Estimator struct {
	samples   []float64
	lastTime  time.Time
	lastBytes int64
	now       func() time.Time
}

func NewEstimator() *Estimator {
	return &Estimator{
		samples: make([]float64, 0, WindowSize+1),
		now:     time.Now,
	}
}

// Update records the new cumulative byte count and returns the floored mean
// of the windowed rates.
func (e *Estimator) Update(cumulative int64) int64 {
	now := e.now()
	rate := 0.0
	if !e.lastTime.IsZero() {
		elapsed := now.Sub(e.lastTime).Seconds()
		rate = float64(cumulative-e.lastBytes) / elapsed
	}
	e.lastTime = now
	e.lastBytes = cumulative

	e.samples = append(e.samples, correct(rate))
	if len(e.samples) > WindowSize {
		e.samples = e.samples[1:]
	}
	var sum float64
	for _, s := range e.samples {
		sum += s
	}
	return int64(math.Floor(sum / float64(len(e.samples))))
}

// Reset drops the window, used when a session is resumed after a pause.
func (e *Estimator) Reset() {
	e.samples = e.samples[:0]
	e.lastTime = time.Time{}
	e.lastBytes = 0
}

func correct(rate float64) float64 {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return 0
	}
	return rate
}
