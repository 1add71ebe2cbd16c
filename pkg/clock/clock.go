// Package clock provides an injectable time source so that age,
// backoff and expiry logic can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// New returns the wall clock.
func New() Clock { return realClock{} }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mtx sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Set(t time.Time) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.now = t
}
