// Package worker drives asynchronous order execution. The dispatcher
// guarantees the ordering contract the pipeline relies on: per user,
// process() calls run strictly in submission order on a single logical
// queue, while different users execute in parallel on a bounded goroutine
// pool. There is no global lock.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/brlx/trading-engine/internal/metrics"
	"github.com/brlx/trading-engine/internal/model"
)

// Job is one order execution request.
type Job struct {
	UserID          string
	Side            model.OrderSide
	ClientRequestID string
}

// Processor executes one accepted order. Satisfied by orders.Pipeline.
type Processor interface {
	Process(ctx context.Context, side model.OrderSide, userID string, clientRequestID string) error
}

// Dispatcher fans jobs out to per-user mailboxes. Each mailbox is drained
// by at most one pool task at a time, so a user's jobs never interleave;
// the pool caps total concurrency across users.
type Dispatcher struct {
	proc       Processor
	pool       *ants.Pool
	jobTimeout time.Duration

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool
	wg        sync.WaitGroup
}

type mailbox struct {
	jobs    []Job
	running bool
}

// NewDispatcher creates a dispatcher backed by a pool of poolSize workers.
func NewDispatcher(proc Processor, poolSize int) (*Dispatcher, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		proc:       proc,
		pool:       pool,
		jobTimeout: 30 * time.Second,
		mailboxes:  make(map[string]*mailbox),
	}, nil
}

// Enqueue appends a job to the user's mailbox and starts a drain task if
// none is running for that user.
func (d *Dispatcher) Enqueue(job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ants.ErrPoolClosed
	}
	mb, ok := d.mailboxes[job.UserID]
	if !ok {
		mb = &mailbox{}
		d.mailboxes[job.UserID] = mb
	}
	mb.jobs = append(mb.jobs, job)
	metrics.DispatcherQueueDepth.Inc()
	start := !mb.running
	if start {
		mb.running = true
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if !start {
		return nil
	}
	if err := d.pool.Submit(func() { d.drain(job.UserID, mb) }); err != nil {
		d.mu.Lock()
		mb.running = false
		d.mu.Unlock()
		d.wg.Done()
		return err
	}
	return nil
}

// drain runs the user's jobs in order until the mailbox empties.
func (d *Dispatcher) drain(userID string, mb *mailbox) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(mb.jobs) == 0 {
			mb.running = false
			d.mu.Unlock()
			return
		}
		job := mb.jobs[0]
		mb.jobs = mb.jobs[1:]
		d.mu.Unlock()
		metrics.DispatcherQueueDepth.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
		if err := d.proc.Process(ctx, job.Side, job.UserID, job.ClientRequestID); err != nil {
			// Terminal for this order; retry policy belongs to whoever
			// enqueues, not here.
			slog.Error("job failed",
				"user", userID, "side", job.Side,
				"client_request_id", job.ClientRequestID, "err", err)
		}
		cancel()
	}
}

// Close stops accepting jobs, waits for in-flight mailboxes to drain, and
// releases the pool.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	d.pool.Release()
}
