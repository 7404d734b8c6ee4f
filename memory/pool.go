package memory

import (
	"fmt"
	"sync"
)

// slicePool keeps idle float32 slices of one capacity.
type slicePool struct {
	slices    chan []float32
	size      int
	maxSize   int
	allocated int
	mutex     sync.Mutex
}

func newSlicePool(size, maxSize int) *slicePool {
	return &slicePool{
		slices:  make(chan []float32, maxSize),
		size:    size,
		maxSize: maxSize,
	}
}

func (sp *slicePool) get() []float32 {
	select {
	case s := <-sp.slices:
		return s
	default:
		sp.mutex.Lock()
		sp.allocated++
		sp.mutex.Unlock()
		return make([]float32, sp.size)
	}
}

func (sp *slicePool) put(s []float32) {
	select {
	case sp.slices <- s[:sp.size]:
	default:
		// full; let the collector have it
		sp.mutex.Lock()
		sp.allocated--
		sp.mutex.Unlock()
	}
}

// PoolStats describes one size tier.
type PoolStats struct {
	Available int
	Allocated int
	MaxSize   int
}

func (s PoolStats) String() string {
	return fmt.Sprintf("available=%d, allocated=%d, max=%d", s.Available, s.Allocated, s.MaxSize)
}

// ScratchPool hands out reusable float32 scratch slices for kernels that
// need temporary workspace, such as the patch matrices of a convolution.
// Requests are rounded up to a size tier; each tier keeps a bounded number
// of idle slices. Contents of a slice returned by Get are undefined.
type ScratchPool struct {
	pools      map[int]*slicePool
	poolsMutex sync.RWMutex
	tiers      []int
}

// Default tiers in elements: 1K to 16M in powers of four.
var defaultTiers = []int{
	1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216,
}

// NewScratchPool creates an empty pool with the default tiers.
func NewScratchPool() *ScratchPool {
	return &ScratchPool{
		pools: make(map[int]*slicePool),
		tiers: defaultTiers,
	}
}

// Get returns a slice of length n.
func (p *ScratchPool) Get(n int) []float32 {
	if n <= 0 {
		return nil
	}
	return p.pool(p.tierFor(n)).get()[:n]
}

// Put hands a slice obtained from Get back to its tier.
func (p *ScratchPool) Put(s []float32) {
	if cap(s) == 0 {
		return
	}
	p.poolsMutex.RLock()
	pool, ok := p.pools[cap(s)]
	p.poolsMutex.RUnlock()
	if ok {
		pool.put(s[:cap(s)])
	}
}

// tierFor finds the smallest tier that fits n; larger requests get a tier
// of their own.
func (p *ScratchPool) tierFor(n int) int {
	for _, size := range p.tiers {
		if size >= n {
			return size
		}
	}
	return n
}

func (p *ScratchPool) pool(size int) *slicePool {
	p.poolsMutex.RLock()
	pool, ok := p.pools[size]
	p.poolsMutex.RUnlock()
	if ok {
		return pool
	}

	p.poolsMutex.Lock()
	defer p.poolsMutex.Unlock()
	if pool, ok := p.pools[size]; ok {
		return pool
	}
	pool = newSlicePool(size, maxIdle(size))
	p.pools[size] = pool
	return pool
}

// maxIdle bounds the idle slices per tier; smaller slices get deeper pools.
func maxIdle(size int) int {
	switch {
	case size <= 4096:
		return 64
	case size <= 262144:
		return 32
	case size <= 4194304:
		return 16
	default:
		return 8
	}
}

// Stats reports every tier that has been used.
func (p *ScratchPool) Stats() map[int]PoolStats {
	p.poolsMutex.RLock()
	defer p.poolsMutex.RUnlock()

	stats := make(map[int]PoolStats, len(p.pools))
	for size, pool := range p.pools {
		pool.mutex.Lock()
		stats[size] = PoolStats{Available: len(pool.slices), Allocated: pool.allocated, MaxSize: pool.maxSize}
		pool.mutex.Unlock()
	}
	return stats
}

var (
	globalScratch     *ScratchPool
	globalScratchOnce sync.Once
)

// GlobalScratch returns the process-wide scratch pool.
func GlobalScratch() *ScratchPool {
	globalScratchOnce.Do(func() {
		globalScratch = NewScratchPool()
	})
	return globalScratch
}
