package helio

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const DefaultPollInterval = 500 * time.Millisecond

// Worker drains the queue on every tick and whenever the engine notifier
// signals new work. A worker executes one node at a time.
type Worker struct {
	engine   *Engine
	workerID string
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
}

func NewWorker(engine *Engine, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Worker{
		engine:   engine,
		workerID: uuid.New().String(),
		interval: interval,
		logger:   engine.logger,
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) ID() string {
	return w.workerID
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Debug("[helio] worker started", "worker_id", w.workerID)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("[helio] worker stopping: context cancelled", "worker_id", w.workerID)

			return
		case <-w.stopCh:
			w.logger.Debug("[helio] worker stopping: stop signal received", "worker_id", w.workerID)

			return
		case <-ticker.C:
			w.drain(ctx)
		case <-w.engine.notifier.C():
			w.drain(ctx)
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
}

// drain executes due nodes until the queue is empty or an error occurs.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case <-w.stopCh:
			return
		default:
		}

		empty, err := w.engine.ExecuteNext(ctx, w.workerID)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("[helio] worker error", "worker_id", w.workerID, "error", err)
			}

			return
		}
		if empty {
			return
		}

		// More work may be due; let another idle worker look as well.
		w.engine.notifier.Notify()
	}
}

type WorkerPool struct {
	workers []*Worker
	engine  *Engine
}

func NewWorkerPool(engine *Engine, size int, interval time.Duration) *WorkerPool {
	workers := make([]*Worker, size)
	for i := 0; i < size; i++ {
		workers[i] = NewWorker(engine, interval)
	}

	return &WorkerPool{
		workers: workers,
		engine:  engine,
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	for _, worker := range p.workers {
		go worker.Start(ctx)
	}
}

func (p *WorkerPool) Stop() {
	for _, worker := range p.workers {
		worker.Stop()
	}
}

func (p *WorkerPool) Size() int {
	return len(p.workers)
}
