package perfstats

import "time"

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

// Time the duration since start
func (a *TimeAccumulator) Since(start time.Time) {
	a.AddSample(time.Since(start))
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Throughput returns items per second, where each sample processed itemsPerSample items
func (a *TimeAccumulator) Throughput(itemsPerSample float64) float64 {
	if a.Total <= 0 {
		return 0
	}
	return float64(a.Samples) * itemsPerSample / a.Total.Seconds()
}
