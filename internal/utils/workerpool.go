package utils

import (
	"context"
	"sync"
)

// ParallelForEach executes fn for each item with at most workers running
// concurrently. The returned slice is indexed like items; entries for
// items never dispatched because the context was cancelled hold ctx.Err().
func ParallelForEach[T any](ctx context.Context, items []T, workers int, fn func(context.Context, int, T) error) []error {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	errs := make([]error, len(items))
	for i := range errs {
		errs[i] = ctx.Err()
	}

	taskChan := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case idx, ok := <-taskChan:
					if !ok {
						return
					}
					err := fn(ctx, idx, items[idx])
					mu.Lock()
					errs[idx] = err
					mu.Unlock()
				}
			}
		}()
	}

	for i := range items {
		select {
		case <-ctx.Done():
			close(taskChan)
			wg.Wait()
			return errs
		case taskChan <- i:
		}
	}

	close(taskChan)
	wg.Wait()
	return errs
}

// KeyedMutex serializes operations that share a string key while letting
// distinct keys proceed in parallel.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

// Unlock releases the mutex for key
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}
