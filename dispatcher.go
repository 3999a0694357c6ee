package helio

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers       = 64
	DefaultSweepInterval = 10 * time.Second
)

// Listener is a background wake-up source such as PGNotifier.
type Listener interface {
	Run(ctx context.Context) error
}

type DispatcherOption func(d *Dispatcher)

func WithDispatcherWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.workers = n
	}
}

func WithDispatcherPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.pollInterval = interval
	}
}

func WithDispatcherSweepInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.sweepInterval = interval
	}
}

func WithDispatcherListener(listener Listener) DispatcherOption {
	return func(d *Dispatcher) {
		d.listener = listener
	}
}

// Dispatcher is the scheduler run loop: it recovers unfinished instances,
// then keeps a pool of workers draining the queue and a sweeper expiring
// overdue pauses.
type Dispatcher struct {
	engine        *Engine
	workers       int
	pollInterval  time.Duration
	sweepInterval time.Duration
	listener      Listener
}

func NewDispatcher(engine *Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		engine:        engine,
		workers:       DefaultWorkers,
		pollInterval:  DefaultPollInterval,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers < 1 {
		d.workers = 1
	}

	return d
}

// Run blocks until ctx is cancelled or a supervised goroutine fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover instances: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)

	pool := NewWorkerPool(d.engine, d.workers, d.pollInterval)
	for _, worker := range pool.workers {
		group.Go(func() error {
			worker.Start(ctx)

			return nil
		})
	}

	group.Go(func() error {
		return d.sweep(ctx)
	})

	if d.listener != nil {
		group.Go(func() error {
			return d.listener.Run(ctx)
		})
	}

	d.engine.logger.Info("[helio] dispatcher started", "workers", d.workers)
	d.engine.notifier.Notify()

	return group.Wait()
}

func (d *Dispatcher) sweep(ctx context.Context) error {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := d.engine.SweepExpiredPauses(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.engine.logger.Error("[helio] sweep expired pauses", "error", err)

				continue
			}
			if n > 0 {
				d.engine.logger.Info("[helio] expired pauses cancelled", "count", n)
			}
		}
	}
}
