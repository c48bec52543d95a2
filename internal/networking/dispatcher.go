package networking

import (
	"context"
	"errors"
	"sync"

	"github.com/rafabd1/wcvs/internal/utils"
)

// ErrDispatcherClosed is reported for specs submitted after Close.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Stage is one batch of a probe's request sequence. Stages run strictly one
// after another; specs inside a stage run concurrently.
type Stage struct {
	Label    string
	Requests []RequestSpec
}

// Dispatcher executes request batches on a bounded worker pool. Every
// execution waits for a rate limiter token and for its host to leave 429
// standby before reaching the Sender.
type Dispatcher struct {
	sender  Sender
	limiter *RateLimiter
	domains *DomainManager
	pool    *utils.WorkerPool
	logger  utils.Logger
	// onSend is a test hook observed right before Send.
	onSend func(spec RequestSpec)
}

// NewDispatcher starts threads workers. Close must be called to stop them.
func NewDispatcher(sender Sender, limiter *RateLimiter, domains *DomainManager, threads int, logger utils.Logger) *Dispatcher {
	if threads < 1 {
		threads = 1
	}
	return &Dispatcher{
		sender:  sender,
		limiter: limiter,
		domains: domains,
		pool:    utils.NewWorkerPool(threads, threads),
		logger:  logger,
	}
}

// ExecuteBatch runs specs concurrently and returns one Result per spec in
// input order. It returns only when every spec has succeeded or failed; a
// failed spec is reported in its own Result and never fails the batch.
// Specs not yet started when ctx is cancelled are skipped with ctx.Err().
func (d *Dispatcher) ExecuteBatch(ctx context.Context, specs []RequestSpec) []Result {
	results := make([]Result, len(specs))
	var wg sync.WaitGroup
	for i := range specs {
		i := i
		results[i].Spec = specs[i]
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			results[i] = d.run(ctx, specs[i])
		})
		if err != nil {
			wg.Done()
			results[i].Err = ErrDispatcherClosed
		}
	}
	wg.Wait()
	return results
}

// ExecuteStages submits each stage only after the previous one fully
// completed. Cancellation is checked between stages; on cancellation the
// results gathered so far are returned with ctx.Err().
func (d *Dispatcher) ExecuteStages(ctx context.Context, stages []Stage) ([][]Result, error) {
	out := make([][]Result, 0, len(stages))
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, d.ExecuteBatch(ctx, stage.Requests))
	}
	return out, nil
}

// run executes spec Repeat times sequentially on the calling worker.
func (d *Dispatcher) run(ctx context.Context, spec RequestSpec) Result {
	res := Result{Spec: spec}
	host, _ := utils.GetDomainFromURL(spec.URL)

	for n := 0; n < spec.Executions(); n++ {
		if err := d.domains.WaitReady(ctx, host); err != nil {
			res.Err = err
			return res
		}
		if err := d.limiter.Acquire(ctx); err != nil {
			res.Err = err
			return res
		}
		if d.onSend != nil {
			d.onSend(spec)
		}
		obs, err := d.sender.Send(ctx, spec)
		if err != nil {
			d.domains.RecordRequestResult(host, 0, err)
			d.logger.Debugf("Request %s %s failed: %v", spec.MethodOrDefault(), spec.URL, err)
			res.Err = err
			if spec.TimingSensitive {
				continue
			}
			return res
		}
		d.domains.RecordRequestResult(host, obs.StatusCode, nil)
		res.Observations = append(res.Observations, obs)
	}
	return res
}

// Close stops the workers after queued jobs finish.
func (d *Dispatcher) Close() {
	d.pool.Shutdown()
}
