package clock

import "time"

// Clock supplies receipt, dedup, and binding timestamps.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a plain time function to Clock, mostly for tests that move time by hand.
// Params: function returning the current instant.
// Returns: Clock implementation.
type Func func() time.Time

// Now calls the wrapped function.
// Params: none.
// Returns: timestamp from the wrapped function (UTC when nil).
func (f Func) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f()
}
