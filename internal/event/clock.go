package event

import "time"

// Clock supplies wall-clock time for event timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time, truncated to milliseconds to match the
// precision stored on disk and sent on the wire.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FromMillis converts a stored or wire timestamp to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
