package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/logger"
)

// Job is one unit of work for a dialogue key.
type Job func(ctx context.Context)

// Dispatcher runs jobs in submission order per key, with one worker
// goroutine per busy key. Keys never share a worker, so unrelated chats
// proceed in parallel. A worker exits once its queue stays empty for the
// idle period.
type Dispatcher struct {
	ctx  context.Context
	idle time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

type worker struct {
	pending []Job
	wake    chan struct{}
}

func NewDispatcher(ctx context.Context, idle time.Duration) *Dispatcher {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Dispatcher{
		ctx:     ctx,
		idle:    idle,
		workers: make(map[string]*worker),
		quit:    make(chan struct{}),
	}
}

// Submit queues job behind earlier jobs for key. It returns false once
// the dispatcher is closed.
func (d *Dispatcher) Submit(key string, job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	w, ok := d.workers[key]
	if !ok {
		w = &worker{wake: make(chan struct{}, 1)}
		d.workers[key] = w
		d.wg.Add(1)
		go d.run(key, w)
	}
	w.pending = append(w.pending, job)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (d *Dispatcher) run(key string, w *worker) {
	defer d.wg.Done()
	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	for {
		d.mu.Lock()
		var job Job
		if len(w.pending) > 0 {
			job = w.pending[0]
			w.pending[0] = nil
			w.pending = w.pending[1:]
		}
		d.mu.Unlock()

		if job != nil {
			d.execute(key, job)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.idle)

		select {
		case <-w.wake:
		case <-d.ctx.Done():
			d.retire(key, w, true)
			return
		case <-d.quit:
			if d.retire(key, w, false) {
				return
			}
		case <-timer.C:
			if d.retire(key, w, false) {
				return
			}
		}
	}
}

// retire removes w from the routing table unless work arrived meanwhile.
func (d *Dispatcher) retire(key string, w *worker, force bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !force && len(w.pending) > 0 {
		return false
	}
	if d.workers[key] == w {
		delete(d.workers, key)
	}
	return true
}

func (d *Dispatcher) execute(key string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("agent", "Dialogue job panicked", map[string]any{
				"chat":  key,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	job(d.ctx)
}

// Len reports how many keys currently have a worker.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Close stops accepting jobs and waits for workers to drain their
// queues. Cancel the dispatcher's context first to abandon queued jobs.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.quit)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
