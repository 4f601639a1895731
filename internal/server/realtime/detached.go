package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/expanse/internal/logging"
)

// TaskError is a failed detached task as reported on the error channel.
type TaskError struct {
	Name string
	Err  error
}

// Detached runs fire-and-forget work whose completion the caller does not
// await. Tasks outlive the request that spawned them: their context keeps
// the caller's values but not its cancellation. Failures go to an error
// channel drained by Run; once Run has returned they are logged directly.
type Detached struct {
	logger logging.Logger
	errs   chan TaskError
	wg     sync.WaitGroup
	onFail func(TaskError)

	mu      sync.Mutex
	stopped bool
}

// NewDetached returns a runner whose error channel holds buffer failures.
func NewDetached(l logging.Logger, buffer int) *Detached {
	return &Detached{
		logger: l.With("module", "detached"),
		errs:   make(chan TaskError, buffer),
	}
}

// OnFailure registers fn to observe every failed task. Call before Go.
func (d *Detached) OnFailure(fn func(TaskError)) {
	d.onFail = fn
}

// Go starts fn in its own goroutine.
func (d *Detached) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		err := func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return fn(ctx)
		}()
		if err == nil {
			return
		}

		te := TaskError{Name: name, Err: err}
		if d.onFail != nil {
			d.onFail(te)
		}
		d.report(ctx, te)
	}()
}

func (d *Detached) report(ctx context.Context, te TaskError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		d.log(ctx, te)
		return
	}
	select {
	case d.errs <- te:
	default:
		d.logger.Error(ctx, "detached task failed (error channel full)", "task", te.Name, "error", te.Err)
	}
}

func (d *Detached) log(ctx context.Context, te TaskError) {
	d.logger.Error(ctx, "detached task failed", "task", te.Name, "error", te.Err)
}

// Run logs task failures until ctx is done. On return it flushes whatever
// is still buffered and switches later failures to direct logging.
func (d *Detached) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.stop(context.WithoutCancel(ctx))
			return nil
		case te := <-d.errs:
			d.log(ctx, te)
		}
	}
}

func (d *Detached) stop(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for {
		select {
		case te := <-d.errs:
			d.log(ctx, te)
		default:
			return
		}
	}
}

// Wait blocks until every started task has returned.
func (d *Detached) Wait() {
	d.wg.Wait()
}
