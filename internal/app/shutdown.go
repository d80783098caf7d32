package app

import (
	"io"
	"sync"

	"go.uber.org/multierr"
)

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// shutdown releases registered resources once, in reverse order of
// registration.
type shutdown struct {
	mu      sync.Mutex
	closers []io.Closer
	once    sync.Once
	err     error
}

// register adds a closer.
func (s *shutdown) register(c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, c)
}

// close runs every closer, LIFO, and combines their errors.
func (s *shutdown) close() error {
	s.once.Do(func() {
		s.mu.Lock()
		closers := s.closers
		s.closers = nil
		s.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			s.err = multierr.Append(s.err, closers[i].Close())
		}
	})
	return s.err
}
