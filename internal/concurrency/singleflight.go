package concurrency

import "sync"

// SingleFlight collapses concurrent initializations of a shared value onto
// one in-flight call. Callers arriving while a call is running block and
// receive its result. A failed call clears the slot so a later call retries.
type SingleFlight[T any] struct {
	mu       sync.Mutex
	inflight *flightResult[T]
}

type flightResult[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Do runs fn once per flight. The returned error is whatever the winning
// call produced.
func (s *SingleFlight[T]) Do(fn func() (T, error)) (T, error) {
	s.mu.Lock()
	if s.inflight != nil {
		fr := s.inflight
		s.mu.Unlock()
		<-fr.done
		return fr.val, fr.err
	}

	fr := &flightResult[T]{done: make(chan struct{})}
	s.inflight = fr
	s.mu.Unlock()

	fr.val, fr.err = fn()
	close(fr.done)

	s.mu.Lock()
	if fr.err != nil {
		// Clear the slot so the next caller can retry.
		s.inflight = nil
	}
	s.mu.Unlock()

	return fr.val, fr.err
}

// Reset forgets a completed flight so the next Do starts fresh.
func (s *SingleFlight[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight != nil {
		select {
		case <-s.inflight.done:
			s.inflight = nil
		default:
			// Still running; leave it to finish.
		}
	}
}
