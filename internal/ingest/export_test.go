package ingest

import "time"

// SetClock replaces the pipeline's time source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// RetryDelay exposes the backoff schedule.
func (p *Pipeline) RetryDelay(n int) time.Duration {
	return p.retryDelay(n)
}
