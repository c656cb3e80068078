package backtest

import (
	"context"
	"sync"

	"github.com/quantdesk/trading-desk/internal/workers"
)

// RunSet executes independent configs in parallel on the worker pool and
// waits for all of them. Each run owns its portfolio, so runs share
// nothing. Results and errors come back positionally aligned with configs.
func (e *Engine) RunSet(ctx context.Context, pool *workers.Pool, configs []Config) ([]*Result, []error) {
	results := make([]*Result, len(configs))
	errs := make([]error, len(configs))

	var wg sync.WaitGroup
	for i, cfg := range configs {
		i, cfg := i, cfg
		wg.Add(1)
		task := func(taskCtx context.Context) error {
			defer wg.Done()
			result, err := e.Run(taskCtx, cfg)
			results[i] = result
			errs[i] = err
			return err
		}
		if err := pool.SubmitFunc(task); err != nil {
			// Queue full or pool stopped: run inline rather than drop it.
			_ = task(ctx)
		}
	}
	wg.Wait()
	return results, errs
}
