package engine

import (
	"runtime"
	"sync"
)

// parallelFor splits [0, n) into contiguous chunks and runs fn on each from
// its own goroutine. worker is a dense index in [0, workers) usable for
// per-worker scratch space.
func parallelFor(n int, fn func(worker, start, end int)) {
	workers := numWorkers(n)
	if workers == 1 {
		fn(0, 0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, n)
		if start >= end {
			break
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			fn(w, start, end)
		}(w, start, end)
	}
	wg.Wait()
}

func numWorkers(n int) int {
	return max(1, min(n, runtime.GOMAXPROCS(0)))
}
