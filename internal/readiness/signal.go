package readiness

import (
	"context"
	"sync"

	"github.com/loykin/nodewarden/internal/outcome"
)

// Signal resolves exactly once. Every waiter, before or after resolution,
// observes the same Outcome.
type Signal struct {
	once sync.Once
	done chan struct{}
	mu   sync.RWMutex
	res  outcome.Outcome
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Resolve stores o and releases all waiters. Only the first call has effect;
// it returns false for every later call.
func (s *Signal) Resolve(o outcome.Outcome) bool {
	won := false
	s.once.Do(func() {
		s.mu.Lock()
		s.res = o
		s.mu.Unlock()
		close(s.done)
		won = true
	})
	return won
}

// Done is closed once the signal is resolved.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Result returns the outcome and whether the signal has resolved.
func (s *Signal) Result() (outcome.Outcome, bool) {
	select {
	case <-s.done:
	default:
		return outcome.Outcome{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.res, true
}

// Wait blocks until the signal resolves or ctx ends. Cancelling ctx abandons
// only this wait; the signal itself is unaffected.
func (s *Signal) Wait(ctx context.Context) (outcome.Outcome, error) {
	select {
	case <-s.done:
		o, _ := s.Result()
		return o, nil
	case <-ctx.Done():
		return outcome.Outcome{}, ctx.Err()
	}
}
