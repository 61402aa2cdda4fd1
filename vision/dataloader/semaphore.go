package dataloader

import "sync"

// semaphore bounds the number of concurrently running decode jobs.
type semaphore chan struct{}

func newSemaphore(max int) semaphore {
	if max < 1 {
		max = 1
	}
	return make(semaphore, max)
}

func (s semaphore) acquire() { s <- struct{}{} }
func (s semaphore) release() { <-s }

// parallel runs fn(i) for i in [0, n) on at most workers goroutines and
// returns the error of the lowest failing index.
func parallel(n, workers int, fn func(i int) error) error {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	sem := newSemaphore(workers)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem.acquire()
		go func(i int) {
			defer wg.Done()
			defer sem.release()
			errs[i] = fn(i)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
