package hub

import "time"

// RateLimit counts inbound frames in the current aligned epoch-minute bucket. It is per-session state, only touched
// from the session's read loop, so no locking is needed. The limiter reports; the caller enforces.
type RateLimit struct {
	windowStart int64
	count       uint64
	now         func() time.Time
}

// NewRateLimit creates a rate limiter using the wall clock.
func NewRateLimit() *RateLimit {
	return &RateLimit{now: time.Now}
}

// Record advances the window when the epoch-minute boundary has passed, counts one request, and returns the running
// count for the current bucket.
func (r *RateLimit) Record() uint64 {
	bucket := r.now().Unix() / 60 * 60
	if bucket > r.windowStart {
		r.windowStart = bucket
		r.count = 0
	}
	r.count++
	return r.count
}
