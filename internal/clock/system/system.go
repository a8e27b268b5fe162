// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Readings are UTC, carry no monotonic
// component and are truncated to microseconds, so a time stored in Postgres
// reads back equal to the value written.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Round(0).Truncate(time.Microsecond)
}
