package posekd

import (
	"sync"
)

// ScorerPool is a simple pool of teacher scorers so multiple inference
// calls can proceed concurrently.  The teacher's parameters are
// immutable, pooling only bounds the number of in-flight forward passes.
type ScorerPool struct {
	// pool of scorers
	scorers chan Scorer
	// size of pool
	size  int
	close sync.Once
}

// NewScorerPool creates a new scorer pool of the given size using the
// factory to construct each instance
func NewScorerPool(size int, factory func() (Scorer, error)) (*ScorerPool, error) {
	p := &ScorerPool{
		scorers: make(chan Scorer, size),
		size:    size,
	}

	for i := 0; i < size; i++ {
		s, err := factory()

		if err != nil {
			// close any instances that may have been created before
			// receiving the error
			p.Close()
			return nil, err
		}

		// attach to pool
		p.Return(s)
	}

	return p, nil
}

// Get a scorer from the pool
func (p *ScorerPool) Get() Scorer {
	return <-p.scorers
}

// Return a scorer to the pool
func (p *ScorerPool) Return(s Scorer) {
	select {
	case p.scorers <- s:
	default:
		// pool is full or closed
	}
}

// Close the pool and drop all scorers in it
func (p *ScorerPool) Close() {
	p.close.Do(func() {
		close(p.scorers)

		for range p.scorers {
		}
	})
}
