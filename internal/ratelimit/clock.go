package ratelimit

import "time"

// Clock abstracts time so token buckets can be driven by tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
