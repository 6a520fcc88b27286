package client

import "time"

// Clock abstracts time for retry scheduling so tests drive the outbox
// without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now().UTC() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall-clock Clock used outside tests.
var SystemClock Clock = systemClock{}
