package training

import (
	"context"
	"io"
	"sync"
)

// Take returns the next batch, or io.EOF once the pass is exhausted.
func (it *BatchIterator) Take() (*Batch, error) {
	if !it.HasNext() {
		return nil, io.EOF
	}
	return it.Next()
}

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher augments upcoming batches on a background goroutine while the
// current step runs. There is exactly one producer, so batches arrive in
// the iterator's order and the random stream is consumed as if Next were
// called inline. The iterator must not be used by anyone else until Stop
// returns.
type Prefetcher struct {
	batches chan prefetched
	depth   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mutex    sync.Mutex
	produced int
	consumed int
}

// NewPrefetcher starts producing batches from it, keeping at most depth
// ready batches queued.
func NewPrefetcher(it *BatchIterator, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		batches: make(chan prefetched, depth),
		depth:   depth,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.worker(it)
	return p
}

func (p *Prefetcher) worker(it *BatchIterator) {
	defer p.wg.Done()
	defer close(p.batches)

	for {
		batch, err := it.Take()
		if err == io.EOF {
			return
		}
		select {
		case p.batches <- prefetched{batch: batch, err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			return
		}
		p.mutex.Lock()
		p.produced++
		p.mutex.Unlock()
	}
}

// Next blocks until the next batch is ready. It returns io.EOF after the
// last batch and after Stop.
func (p *Prefetcher) Next() (*Batch, error) {
	r, ok := <-p.batches
	if !ok {
		return nil, io.EOF
	}
	if r.err == nil {
		p.mutex.Lock()
		p.consumed++
		p.mutex.Unlock()
	}
	return r.batch, r.err
}

// Stop cancels production, discards queued batches and waits for the
// worker to exit. It is safe to call more than once.
func (p *Prefetcher) Stop() {
	p.once.Do(func() {
		p.cancel()
		for range p.batches {
		}
		p.wg.Wait()
	})
}

// Stats returns the prefetcher's counters.
func (p *Prefetcher) Stats() PrefetchStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return PrefetchStats{
		BatchesProduced: p.produced,
		BatchesConsumed: p.consumed,
		QueuedBatches:   len(p.batches),
		QueueCapacity:   p.depth,
	}
}

// PrefetchStats provides statistics about a prefetcher.
type PrefetchStats struct {
	BatchesProduced int
	BatchesConsumed int
	QueuedBatches   int
	QueueCapacity   int
}
