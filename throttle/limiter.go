// Package throttle implements adaptive admission control for outbound calls
// to the remote ingest service. The limiter converges observed quota usage
// toward a target utilization without callers tracking server load.
package throttle

import (
	"sync"
	"time"
)

const (
	// coldReset is the idle gap after which the channel is treated as cold
	// and all learned state is discarded.
	coldReset = 5 * time.Minute

	// minMultiplier floors the delay multiplier so a long stretch of low
	// usage cannot collapse the inter-send delay to zero.
	minMultiplier = 0.2

	integralGain   = 20.0
	derivativeGain = 0.5
)

// sample is one observation with its arrival time.
type sample struct {
	value float64
	at    time.Time
}

// window is a bounded sliding window that keeps at least minSamples entries,
// plus any entries younger than span.
type window struct {
	samples    []sample
	minSamples int
	span       time.Duration
}

func newWindow(minSamples int, span time.Duration) *window {
	return &window{minSamples: minSamples, span: span}
}

func (w *window) add(v float64, now time.Time) {
	w.samples = append(w.samples, sample{value: v, at: now})
	w.trim(now)
}

// trim drops samples older than span, but never below minSamples entries.
func (w *window) trim(now time.Time) {
	for len(w.samples) > w.minSamples && now.Sub(w.samples[0].at) > w.span {
		w.samples = w.samples[1:]
	}
}

func (w *window) full() bool {
	return len(w.samples) >= w.minSamples
}

func (w *window) avg() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.value
	}
	return sum / float64(len(w.samples))
}

func (w *window) oldest() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return w.samples[0].value
}

func (w *window) newest() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	return w.samples[len(w.samples)-1].value
}

func (w *window) reset() {
	w.samples = nil
}

// AdaptiveRateClient decides, per candidate request, whether to send now or
// wait. Construct one instance per remote-service binding; it is safe for
// concurrent use.
type AdaptiveRateClient struct {
	mu        sync.Mutex
	target    float64
	usage     *window
	intervals *window
	lastSend  time.Time
	inflight  int
	sentEver  bool

	now func() time.Time
}

// Option configures an AdaptiveRateClient.
type Option func(*AdaptiveRateClient)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *AdaptiveRateClient) {
		c.now = now
	}
}

// WithWindow overrides the sliding-window bounds.
func WithWindow(minSamples int, span time.Duration) Option {
	return func(c *AdaptiveRateClient) {
		c.usage = newWindow(minSamples, span)
		c.intervals = newWindow(minSamples, span)
	}
}

// NewAdaptiveRateClient returns a limiter converging usage toward target
// (a percentage, e.g. 80).
func NewAdaptiveRateClient(target float64, opts ...Option) *AdaptiveRateClient {
	c := &AdaptiveRateClient{
		target:    target,
		usage:     newWindow(8, 2*time.Minute),
		intervals: newWindow(8, 2*time.Minute),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allow reports whether a request may be sent now. An allowed call records an
// inter-send interval sample and marks a request outstanding; the caller must
// pair it with Done.
func (c *AdaptiveRateClient) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if !c.sentEver {
		return c.admit(now)
	}

	elapsed := now.Sub(c.lastSend)
	if elapsed > coldReset {
		c.usage.reset()
		c.intervals.reset()
		c.sentEver = false
		return c.admit(now)
	}

	// While the windows are still filling, a single outstanding request at
	// a time keeps the cold start from bursting.
	if !c.usage.full() || !c.intervals.full() {
		if c.inflight > 0 {
			return false
		}
		return c.admit(now)
	}

	// An idle quota needs no pacing at all.
	if c.usage.avg() == 0 {
		return c.admit(now)
	}

	if elapsed < c.delay() {
		return false
	}
	return c.admit(now)
}

// delay is the required gap before the next send. Callers hold c.mu.
func (c *AdaptiveRateClient) delay() time.Duration {
	integral := (c.usage.avg() - c.target) / 100
	derivative := c.usage.newest() - c.usage.oldest()

	multiplier := 1 + integralGain*integral + derivativeGain*derivative
	if multiplier < minMultiplier {
		multiplier = minMultiplier
	}

	avgInterval := time.Duration(c.intervals.avg() * float64(time.Second))
	return time.Duration(float64(avgInterval) * multiplier)
}

// admit records the send. Callers hold c.mu.
func (c *AdaptiveRateClient) admit(now time.Time) bool {
	if c.sentEver {
		c.intervals.add(now.Sub(c.lastSend).Seconds(), now)
	}
	c.lastSend = now
	c.sentEver = true
	c.inflight++
	return true
}

// RecordUsage feeds a quota-usage percentage observed on a response. Failed
// requests simply never call it; throttle state is not rolled back.
func (c *AdaptiveRateClient) RecordUsage(pct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.add(pct, c.now())
}

// Done marks one outstanding request as finished, successful or not.
func (c *AdaptiveRateClient) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight > 0 {
		c.inflight--
	}
}
