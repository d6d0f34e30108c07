package hub

import (
	"testing"
	"time"
)

func TestRateLimitCountsWithinBucket(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	r := NewRateLimit()
	r.now = func() time.Time { return now }

	for want := uint64(1); want <= 5; want++ {
		if got := r.Record(); got != want {
			t.Errorf("Record() = %d, want %d", got, want)
		}
	}
}

func TestRateLimitResetsAtMinuteBoundary(t *testing.T) {
	t.Parallel()

	// 1699999980 is an exact epoch-minute boundary.
	now := time.Unix(1699999980, 0)
	r := NewRateLimit()
	r.now = func() time.Time { return now }

	r.Record()
	r.Record()
	r.Record()

	// Still inside the same minute: the counter keeps climbing.
	now = time.Unix(1699999980+59, 0)
	if got := r.Record(); got != 4 {
		t.Errorf("Record() at :59 = %d, want 4", got)
	}

	// Crossing the boundary resets the bucket.
	now = time.Unix(1699999980+60, 0)
	if got := r.Record(); got != 1 {
		t.Errorf("Record() after boundary = %d, want 1", got)
	}
}

func TestRateLimitLateEventsCountAgainstNewBucket(t *testing.T) {
	t.Parallel()

	now := time.Unix(1699999980, 0)
	r := NewRateLimit()
	r.now = func() time.Time { return now }

	r.Record()

	// An event generated before the boundary but arriving after it lands in the new bucket.
	now = time.Unix(1699999980+61, 0)
	if got := r.Record(); got != 1 {
		t.Errorf("Record() = %d, want 1 (new bucket)", got)
	}
	if got := r.Record(); got != 2 {
		t.Errorf("Record() = %d, want 2", got)
	}
}
