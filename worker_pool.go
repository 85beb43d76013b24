package ecs

import (
	"context"
	"sync"
)

// workerPool runs stage systems on a fixed set of goroutines.
// A nil pool runs every job inline on the caller.
type workerPool struct {
	size   int
	jobs   chan jobRequest
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type jobRequest struct {
	ctx    context.Context
	fn     func(context.Context) jobResult
	result chan jobResult
}

type jobResult struct {
	err     error
	outcome *systemOutcome
}

func (r jobResult) Err() error { return r.err }

func (r jobResult) Outcome() *systemOutcome { return r.outcome }

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		return nil
	}
	p := &workerPool{
		size:   size,
		jobs:   make(chan jobRequest),
		closed: make(chan struct{}),
	}
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) Size() int {
	if p == nil {
		return 0
	}
	return p.size
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job.result <- job.fn(job.ctx)
			close(job.result)
		case <-p.closed:
			return
		}
	}
}

// Submit queues fn. The returned handle always yields exactly one result.
func (p *workerPool) Submit(ctx context.Context, fn func(context.Context) jobResult) *jobHandle {
	result := make(chan jobResult, 1)
	if fn == nil {
		result <- jobResult{}
		close(result)
		return &jobHandle{result: result}
	}
	if p == nil {
		result <- fn(ctx)
		close(result)
		return &jobHandle{result: result}
	}
	select {
	case <-p.closed:
		result <- jobResult{err: ErrWorkerPoolClosed}
		close(result)
		return &jobHandle{result: result}
	default:
	}
	if safeSendJob(p.jobs, jobRequest{ctx: ctx, fn: fn, result: result}) {
		return &jobHandle{result: result}
	}
	result <- jobResult{err: ErrWorkerPoolClosed}
	close(result)
	return &jobHandle{result: result}
}

func (p *workerPool) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.closed)
		close(p.jobs)
	})
	p.wg.Wait()
}

type jobHandle struct {
	result chan jobResult
}

// Wait blocks until the job finished.
func (h *jobHandle) Wait() jobResult {
	if h == nil || h.result == nil {
		return jobResult{}
	}
	res, ok := <-h.result
	if !ok {
		return jobResult{}
	}
	return res
}

func safeSendJob(ch chan jobRequest, job jobRequest) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ch <- job
	return true
}
