// Package system provides the wall clock used for session, page and upload timestamps.
package system

import "time"

// Clock implements ingest.Clock. Times are UTC, matching what box stores read
// back from their Unix-nanosecond columns.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
