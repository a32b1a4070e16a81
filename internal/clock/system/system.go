// Package system is the production alert.Clock. Everything that stamps
// crawl or shard state takes a Clock so tests can freeze time.
package system

import "time"

// Clock reads the wall clock.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
