package gateway

import (
	"context"
	"errors"
)

var errPoolClosed = errors.New("completion pool closed")

type completionResult struct {
	text string
	err  error
}

type completionJob struct {
	ctx  context.Context
	run  func(context.Context) (string, error)
	done chan completionResult
}

// completionPool runs completion calls on a fixed set of workers so one slow
// backend call cannot stall unrelated connections.
type completionPool struct {
	jobs chan completionJob
	stop chan struct{}
}

func newCompletionPool(workers int) *completionPool {
	if workers <= 0 {
		workers = 4
	}
	p := &completionPool{
		jobs: make(chan completionJob),
		stop: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *completionPool) worker() {
	for {
		select {
		case <-p.stop:
			return
		case job := <-p.jobs:
			text, err := job.run(job.ctx)
			select {
			case job.done <- completionResult{text: text, err: err}:
			case <-job.ctx.Done():
			}
		}
	}
}

// Do submits one call and waits for its result. The caller's context bounds
// both queueing and execution.
func (p *completionPool) Do(ctx context.Context, run func(context.Context) (string, error)) (string, error) {
	job := completionJob{
		ctx:  ctx,
		run:  run,
		done: make(chan completionResult, 1),
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.stop:
		return "", errPoolClosed
	case p.jobs <- job:
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-job.done:
		return res.text, res.err
	}
}

func (p *completionPool) Close() {
	close(p.stop)
}
