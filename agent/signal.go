package agent

import (
	"context"
	"sync"
	"time"
)

// Signal is a condition that fires at most once and can be waited on by any
// number of goroutines.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates an unfired signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire fires the signal. Later calls do nothing.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Fired reports whether the signal has fired.
func (s *Signal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal fires, timeout elapses or ctx is done, and
// reports whether the signal fired.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.ch:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	return s.Fired()
}
