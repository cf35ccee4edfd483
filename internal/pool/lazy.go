package pool

import (
	"github.com/okabedev/koban/internal/concurrency"
)

// Lazy defers pool construction until the first caller needs it and
// collapses concurrent first callers onto one build. A failed build is
// not cached; the next Get retries.
type Lazy struct {
	sf    concurrency.SingleFlight[*Pool]
	build func() (*Pool, error)
}

func NewLazy(build func() (*Pool, error)) *Lazy {
	return &Lazy{build: build}
}

// Get returns the shared pool, building it on first use.
func (l *Lazy) Get() (*Pool, error) {
	return l.sf.Do(l.build)
}

// Reset discards the built pool so the next Get constructs a fresh one.
// Intended for tests and credential rotation; callers holding the old
// pool keep using it until they release their clients.
func (l *Lazy) Reset() {
	l.sf.Reset()
}
