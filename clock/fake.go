package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Every After call fires
// immediately and advances the fake time by the requested duration, so a
// paced loop runs at full speed while still accounting for its delays.
//
// Fake is safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waits   []time.Duration
}

// NewFake returns a Fake clock starting at initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, d)
	if d > 0 {
		f.current = f.current.Add(d)
	}
	ch := make(chan time.Time, 1)
	ch <- f.current
	return ch
}

// Waits returns a copy of every duration passed to After, in call order.
func (f *Fake) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.waits))
	copy(out, f.waits)
	return out
}
