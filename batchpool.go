package posekd

import (
	"sync"
)

// BatchPool is a pool of reusable batch packers, so repeated epochs do
// not reallocate input tensors per mini-batch
type BatchPool struct {
	// pool of batches
	batches chan *Batch
	// size of pool
	size int

	mu     sync.Mutex
	closed bool
}

// NewBatchPool returns a pool of Batches for the given input shape
func NewBatchPool(size, batchSize, height, width, channels int) *BatchPool {

	p := &BatchPool{
		batches: make(chan *Batch, size),
		size:    size,
	}

	for i := 0; i < size; i++ {
		p.Return(NewBatch(batchSize, height, width, channels))
	}

	return p
}

// Get a batch from the pool
func (p *BatchPool) Get() *Batch {
	return <-p.batches
}

// Return a batch to the pool.  Returning to a closed pool drops the
// batch.
func (p *BatchPool) Return(batch *Batch) {

	batch.Clear()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.batches <- batch:
	default:
		// pool is full
	}
}

// Close the pool and drop all batches in it
func (p *BatchPool) Close() {

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.batches)

	for range p.batches {
	}
}
