package utils

import (
	"sync"
	"sync/atomic"
)

// SplitWork fans workSize items over routines goroutines. routines is
// clamped to [1, workSize]. Results are per-routine: a routine stops at its
// first error.
func SplitWork(routines int, workSize uint64, do func(workIndex uint64, routineIndex int) error) []error {
	if routines < 1 {
		routines = 1
	}
	if workSize < uint64(routines) {
		routines = int(workSize)
	}

	var counter atomic.Uint64

	results := make([]error, routines)

	var wg sync.WaitGroup
	for routineIndex := 0; routineIndex < routines; routineIndex++ {
		wg.Add(1)
		go func(routineIndex int) {
			defer wg.Done()
			for {
				workIndex := counter.Add(1)
				if workIndex > workSize {
					return
				}

				if err := do(workIndex-1, routineIndex); err != nil {
					results[routineIndex] = err
					return
				}
			}
		}(routineIndex)
	}
	wg.Wait()

	return results
}
