// Package workers fans pure computation out across a bounded goroutine
// count: per-account aggregation runs, per-symbol indicator refreshes.
// Tasks must not suspend; anything that needs I/O belongs in its owning
// component's task, not here.
package workers

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Task is one unit of pure work.
type Task func(ctx context.Context) error

// Pool is a reusable fan-out helper with a fixed concurrency bound and
// panic containment: a panicking task becomes an error for that task, never
// a crashed worker.
type Pool struct {
	logger *zap.Logger
	size   int
}

// New builds a Pool. size <= 0 defaults to the CPU count.
func New(logger *zap.Logger, size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{logger: logger, size: size}
}

// Run executes every task with at most the pool's concurrency, collecting
// all task errors. It returns once every task has finished; a cancelled ctx
// stops unstarted tasks.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	ep := pool.New().WithMaxGoroutines(p.size).WithErrors().WithContext(ctx)
	for _, task := range tasks {
		task := task
		ep.Go(func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("workers: task panicked", zap.Any("panic", r))
					err = fmt.Errorf("task panic: %v", r)
				}
			}()
			return task(ctx)
		})
	}
	return ep.Wait()
}
