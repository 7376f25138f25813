package session

import "time"

// inboundLimiter is a token bucket over frames and bytes per second.
// A nil limiter admits everything.
type inboundLimiter struct {
	now        func() time.Time
	fpsRate    float64
	fpsTokens  float64
	bpsRate    float64
	bpsTokens  float64
	burst      float64
	lastRefill time.Time
}

func newInboundLimiter(now func() time.Time, fps, bps, burstSeconds float64) *inboundLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	return &inboundLimiter{
		now:        now,
		fpsRate:    fps,
		fpsTokens:  fps * burstSeconds,
		bpsRate:    bps,
		bpsTokens:  bps * burstSeconds,
		burst:      burstSeconds,
		lastRefill: now(),
	}
}

// Allow consumes one frame of size bytes if both buckets have room
func (l *inboundLimiter) Allow(size int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if l.fpsRate > 0 && l.fpsTokens < 1 {
		return false
	}
	if l.bpsRate > 0 && l.bpsTokens < float64(size) {
		return false
	}

	if l.fpsRate > 0 {
		l.fpsTokens--
	}
	if l.bpsRate > 0 {
		l.bpsTokens -= float64(size)
	}
	return true
}

func (l *inboundLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	if l.fpsRate > 0 {
		l.fpsTokens = min(l.fpsTokens+elapsed*l.fpsRate, l.fpsRate*l.burst)
	}
	if l.bpsRate > 0 {
		l.bpsTokens = min(l.bpsTokens+elapsed*l.bpsRate, l.bpsRate*l.burst)
	}
	l.lastRefill = now
}
