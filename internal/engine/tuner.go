package engine

import (
	"sync"
	"time"
)

// tunerAlpha is the smoothing factor of every moving average the tuner keeps.
const tunerAlpha = 0.3

const (
	highUtilization = 0.8
	lowUtilization  = 0.2

	// risingThroughput is how far a cycle must beat the throughput average
	// to count as a ramp.
	risingThroughput = 1.1
)

// Observation is what one reconciler cycle reports to the tuner.
type Observation struct {
	Pending   int
	Capacity  int
	Processed int
	Dropped   uint64 // entries evicted since the previous observation
	Elapsed   time.Duration
	WALError  bool
}

// Tuner derives the reconciler interval and a health score from moving
// averages of queue utilization, throughput, drops and WAL failures.
//
// The interval is MaxInterval below 20% utilization and MinInterval above
// 80%, interpolated linearly in between. While a backlog of at least 20%
// is pending and throughput is ramping above its average, the interval is
// held at MinInterval so the reconciler keeps pace with the burst.
type Tuner struct {
	mu       sync.Mutex
	min, max time.Duration

	primed      bool
	utilization float64
	throughput  float64 // entries per second
	dropRate    float64
	walErrors   float64
	interval    time.Duration
}

// NewTuner returns a tuner bounded by [min, max].
func NewTuner(min, max time.Duration) *Tuner {
	return &Tuner{min: min, max: max, interval: max}
}

func ema(prev, x float64) float64 {
	return tunerAlpha*x + (1-tunerAlpha)*prev
}

// Observe folds one cycle into the averages and returns the next interval.
func (t *Tuner) Observe(o Observation) time.Duration {
	util := 0.0
	if o.Capacity > 0 {
		util = float64(o.Pending) / float64(o.Capacity)
	}
	tput := 0.0
	if secs := o.Elapsed.Seconds(); secs > 0 {
		tput = float64(o.Processed) / secs
	}
	drop := 0.0
	if total := float64(o.Processed) + float64(o.Dropped); total > 0 {
		drop = float64(o.Dropped) / total
	}
	walErr := 0.0
	if o.WALError {
		walErr = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ramping := t.primed && util >= lowUtilization && tput > t.throughput*risingThroughput
	if !t.primed {
		t.utilization, t.throughput, t.dropRate, t.walErrors = util, tput, drop, walErr
		t.primed = true
	} else {
		t.utilization = ema(t.utilization, util)
		t.throughput = ema(t.throughput, tput)
		t.dropRate = ema(t.dropRate, drop)
		t.walErrors = ema(t.walErrors, walErr)
	}
	if ramping {
		t.interval = t.min
	} else {
		t.interval = t.intervalFor(t.utilization)
	}
	return t.interval
}

func (t *Tuner) intervalFor(util float64) time.Duration {
	switch {
	case util > highUtilization:
		return t.min
	case util < lowUtilization:
		return t.max
	}
	frac := (util - lowUtilization) / (highUtilization - lowUtilization)
	return t.max - time.Duration(frac*float64(t.max-t.min))
}

// Interval returns the current reconciler interval.
func (t *Tuner) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Utilization returns the smoothed queue utilization.
func (t *Tuner) Utilization() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.utilization
}

// Throughput returns the smoothed entries per second.
func (t *Tuner) Throughput() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.throughput
}

// Health returns a score in [0,1] and a recommendation for the operator.
func (t *Tuner) Health() (float64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := 1.0
	if t.utilization > 0.5 {
		score -= 0.4 * min(1, (t.utilization-0.5)/0.5)
	}
	score -= 0.3 * min(1, t.dropRate*10)
	score -= 0.4 * t.walErrors
	score = max(0, min(1, score))

	switch {
	case t.walErrors > 0.01:
		return score, "WAL writes are failing; check disk health and free space"
	case t.dropRate > 0.001:
		return score, "write log is evicting entries; raise the write log capacity or add shards"
	case t.utilization > highUtilization:
		return score, "write log is near capacity; raise the batch size or add shards"
	}
	return score, "healthy"
}
