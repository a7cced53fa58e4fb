package task

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// fanOut 在协程池中对每个元素执行 fn 并等待全部完成
func fanOut[T any](workers int, items []T, fn func(T)) error {
	if len(items) == 0 {
		return nil
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			fn(item)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("failed to submit task to pool: %w", err)
		}
	}
	wg.Wait()
	return nil
}
