package latency

import (
	"sync"
	"time"
)

// defaultSmoothing is the EWMA weight given to each new sample.
const defaultSmoothing = 0.125

// maxCredibleRTT guards against pathological samples (a probe answered
// after a reconnect, a suspended laptop). Anything above it is discarded.
const maxCredibleRTT = 5 * time.Second

// Estimator maintains a smoothed one-way latency estimate for a single
// connection from ping/pong round trips. The estimate is half the smoothed
// round-trip time.
//
// The first sample seeds the estimate directly instead of being averaged
// against a zero initial value, which would bias the estimate low for the
// first several probes.
type Estimator struct {
	mu        sync.RWMutex
	smoothing float64
	seeded    bool
	halfRTT   time.Duration
	lastRTT   time.Duration
	samples   int
}

// NewEstimator returns an estimator with the default smoothing rate.
func NewEstimator() *Estimator {
	return &Estimator{smoothing: defaultSmoothing}
}

// Observe folds one measured round trip into the estimate. Negative or
// implausibly large samples are discarded.
func (e *Estimator) Observe(rtt time.Duration) {
	if rtt < 0 || rtt > maxCredibleRTT {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	half := rtt / 2
	e.lastRTT = rtt
	e.samples++

	if !e.seeded {
		e.halfRTT = half
		e.seeded = true
		return
	}
	e.halfRTT = time.Duration((1-e.smoothing)*float64(e.halfRTT) + e.smoothing*float64(half))
}

// ObserveEcho derives the round trip from a pong carrying the client's
// original send time. Both times are Unix milliseconds from the same clock.
func (e *Estimator) ObserveEcho(clientSentMillis, nowMillis int64) {
	e.Observe(time.Duration(nowMillis-clientSentMillis) * time.Millisecond)
}

// Latency returns the current one-way estimate. Zero until seeded.
func (e *Estimator) Latency() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halfRTT
}

// Seconds returns the one-way estimate in seconds, the unit playback
// positions are expressed in.
func (e *Estimator) Seconds() float64 {
	return e.Latency().Seconds()
}

// Stats returns the latest raw round trip and how many samples were kept.
func (e *Estimator) Stats() (lastRTT time.Duration, samples int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRTT, e.samples
}
