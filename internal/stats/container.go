package stats

import "time"

// Container aggregates metrics for one scope: the global run or a single
// batch. All mutation happens under the Manager's lock; the derived methods
// read without locking and are best-effort snapshots.
type Container struct {
	StartTime time.Time
	EndTime   *time.Time

	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int

	TotalInputTokens  int
	TotalOutputTokens int
	TotalCachedTokens int
	TotalTokens       int
	TotalCost         float64

	// APIResponseTimes preserves arrival order; consumed only for min, mean,
	// max and the serial-time total.
	APIResponseTimes []float64

	ErrorTypeCounts map[string]int
	RetryCount      int

	CurrentConcurrentRequests int
	ConcurrentPeak            int

	PeakTPM int

	ProactivePauses         int
	ProactivePauseWaitTotal float64
	APIRateLimitsDetected   int
}

// NewContainer creates an open container starting at t.
func NewContainer(t time.Time) *Container {
	return &Container{
		StartTime:       t,
		ErrorTypeCounts: make(map[string]int),
	}
}

// Closed reports whether the container has been closed.
func (c *Container) Closed() bool {
	return c.EndTime != nil
}

// ProcessingTime is the wall-clock span of the container: end minus start, or
// elapsed-so-far while still open.
func (c *Container) ProcessingTime() float64 {
	end := time.Now()
	if c.EndTime != nil {
		end = *c.EndTime
	}
	return end.Sub(c.StartTime).Seconds()
}

// TotalAPITime is the serial sum of all API response times.
func (c *Container) TotalAPITime() float64 {
	var total float64
	for _, t := range c.APIResponseTimes {
		total += t
	}
	return total
}

// ParallelizationGainSeconds is serial API time minus wall-clock time. May be
// negative for trivially small batches; reported as computed.
func (c *Container) ParallelizationGainSeconds() float64 {
	return c.TotalAPITime() - c.ProcessingTime()
}

// ParallelizationGainPercent expresses the gain relative to serial API time.
func (c *Container) ParallelizationGainPercent() float64 {
	total := c.TotalAPITime()
	if total <= 0 {
		return 0
	}
	return 100 * c.ParallelizationGainSeconds() / total
}

// RequestsPerSecond is the observed request throughput.
func (c *Container) RequestsPerSecond() float64 {
	pt := c.ProcessingTime()
	if pt <= 0 {
		return 0
	}
	return float64(c.TotalRequests) / pt
}

// MinResponseTime returns the fastest observed API response, 0 when empty.
func (c *Container) MinResponseTime() float64 {
	if len(c.APIResponseTimes) == 0 {
		return 0
	}
	min := c.APIResponseTimes[0]
	for _, t := range c.APIResponseTimes[1:] {
		if t < min {
			min = t
		}
	}
	return min
}

// MaxResponseTime returns the slowest observed API response, 0 when empty.
func (c *Container) MaxResponseTime() float64 {
	if len(c.APIResponseTimes) == 0 {
		return 0
	}
	max := c.APIResponseTimes[0]
	for _, t := range c.APIResponseTimes[1:] {
		if t > max {
			max = t
		}
	}
	return max
}

// MeanResponseTime returns the average API response time, 0 when empty.
func (c *Container) MeanResponseTime() float64 {
	if len(c.APIResponseTimes) == 0 {
		return 0
	}
	return c.TotalAPITime() / float64(len(c.APIResponseTimes))
}
