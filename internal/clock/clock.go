// Package clock provides an injectable time source.
//
// Every component that makes timing decisions (scheduler, habit detector,
// orchestrator, wake-up manager) takes a Clock instead of calling time.Now,
// so tests drive time logically instead of sleeping.
package clock

import "time"

// Clock is a source of "now".
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the real wall clock (UTC).
func System() Clock {
	return systemClock{}
}
