// Package cancel provides a one-shot cancellation signal visible to many
// readers. Unlike context cancellation it is owned by the user turn, not
// the request lifetime: firing it prevents new work but never preempts
// in-flight tool calls.
package cancel

import (
	"errors"
	"sync"
)

// ErrInterrupted is returned by checks that observe a fired signal.
var ErrInterrupted = errors.New("interrupted")

// Signal is a one-shot broadcast flag. The zero value is not usable;
// call NewSignal.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates an unfired signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire sets the signal. Safe to call multiple times and from multiple
// goroutines.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.ch) })
}

// Fired reports whether the signal has been set.
func (s *Signal) Fired() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal fires. A nil Signal
// returns a channel that never closes.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ch
}

// Check returns ErrInterrupted when the signal has fired.
func (s *Signal) Check() error {
	if s.Fired() {
		return ErrInterrupted
	}
	return nil
}
