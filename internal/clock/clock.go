// Package clock provides the gateway's time collaborator so components
// never call time.Now directly and can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source every component depends on instead of the
// standard library directly.
type Clock interface {
	Now() time.Time
}

// Real wraps the wall clock.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// New returns the production clock.
func New() Clock { return Real{} }
