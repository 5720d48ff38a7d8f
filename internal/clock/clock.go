package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// System uses the standard library time functions.
type System struct{}

func (System) Now() time.Time                         { return time.Now() }
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (System) Since(t time.Time) time.Duration        { return time.Since(t) }

// MS converts a time to Unix milliseconds, the unit used by all
// persisted timestamps.
func MS(t time.Time) int64 { return t.UnixMilli() }

// FromMS converts Unix milliseconds back to a UTC time.
func FromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
