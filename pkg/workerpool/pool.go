package workerpool

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Handler runs the post-download work for one resource and returns its children.
type Handler func(ctx context.Context, payload resource.RawResource) ([]resource.RawResource, error)

// Task is one unit of work. Payload is copied into the pool unless its body is listed
// in Transfer, in which case the body is handed over and the caller must not touch it again.
type Task struct {
	ID       string
	Payload  resource.RawResource
	Transfer []any
}

// Outcome is the result of a task.
type Outcome struct {
	TaskID   string
	Children []resource.RawResource
	Err      error
}

// TransferError reports a transfer list item that is not a byte slice.
type TransferError struct {
	Index int
	Type  string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: transfer item %d has type %s", utils.ErrNotTransferable, e.Index, e.Type)
}

func (e *TransferError) Unwrap() error { return utils.ErrNotTransferable }

// WorkerFault is the outcome of a task whose handler panicked or whose worker exited.
type WorkerFault struct {
	Worker int
	TaskID string
	URL    string
	Value  any
	Stack  []byte
}

func (e *WorkerFault) Error() string {
	return fmt.Sprintf("%s: worker %d task %s (%s): %v", utils.ErrWorkerFault, e.Worker, e.TaskID, e.URL, e.Value)
}

func (e *WorkerFault) Unwrap() error { return utils.ErrWorkerFault }

// Stats is a snapshot of pool load.
type Stats struct {
	Workers   int
	Busy      int
	Pending   int
	Completed int64
	Faults    int64
}

type job struct {
	task    Task
	out     chan Outcome
	settled atomic.Bool
}

// settle delivers o unless the job already has an outcome.
func (j *job) settle(o Outcome) bool {
	if !j.settled.CompareAndSwap(false, true) {
		return false
	}
	o.TaskID = j.task.ID
	j.out <- o
	return true
}

type worker struct {
	id      int
	inbox   chan *job
	current *job
}

// Pool runs tasks on a fixed set of goroutines, each handling one task at a time.
// Tasks that arrive while every worker is busy wait in a FIFO queue.
type Pool struct {
	handler Handler
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  []*worker
	pending  []*job
	disposed bool

	completed atomic.Int64
	faults    atomic.Int64
}

// New starts a pool of size workers.
func New(size int, handler Handler, log *logrus.Entry) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", size)
	}
	if handler == nil {
		return nil, fmt.Errorf("worker pool needs a handler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		handler: handler,
		log:     log.WithField("component", "workerpool"),
		ctx:     ctx,
		cancel:  cancel,
		workers: make([]*worker, size),
	}
	for i := range p.workers {
		w := &worker{id: i, inbox: make(chan *job, 1)}
		p.workers[i] = w
		go p.loop(w)
	}
	p.log.Debugf("Started %d workers", size)
	return p, nil
}

// Submit queues a task. The returned channel receives exactly one outcome.
func (p *Pool) Submit(task Task) (<-chan Outcome, error) {
	payload, err := prepare(task)
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Payload = payload
	task.Transfer = nil
	j := &job{task: task, out: make(chan Outcome, 1)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil, utils.ErrDisposed
	}
	for _, w := range p.workers {
		if w.current == nil {
			p.assign(w, j)
			return j.out, nil
		}
	}
	p.pending = append(p.pending, j)
	return j.out, nil
}

// Run submits a task and waits for its outcome or for ctx to end.
func (p *Pool) Run(ctx context.Context, task Task) ([]resource.RawResource, error) {
	out, err := p.Submit(task)
	if err != nil {
		return nil, err
	}
	select {
	case o := <-out:
		return o.Children, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepare validates the transfer list and returns the payload the worker will own.
func prepare(task Task) (resource.RawResource, error) {
	transferBody := false
	for i, item := range task.Transfer {
		b, ok := item.([]byte)
		if !ok {
			return resource.RawResource{}, &TransferError{Index: i, Type: fmt.Sprintf("%T", item)}
		}
		if sameBuffer(b, task.Payload.Body) {
			transferBody = true
		}
	}
	payload := task.Payload.CloneWithoutBody()
	if transferBody {
		payload.Body = task.Payload.Body
	} else if task.Payload.Body != nil {
		payload.Body = bytes.Clone(task.Payload.Body)
	}
	return payload, nil
}

func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// assign hands j to an idle worker. p.mu must be held.
func (p *Pool) assign(w *worker, j *job) {
	w.current = j
	w.inbox <- j
}

// finish settles j and gives w the next pending job. The outcome is dropped if j
// was already rejected by Dispose.
func (p *Pool) finish(w *worker, j *job, o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j.settle(o) {
		p.completed.Add(1)
	}
	if w.current == j {
		w.current = nil
	}
	if p.disposed || len(p.pending) == 0 {
		return
	}
	next := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	p.assign(w, next)
}

func (p *Pool) loop(w *worker) {
	normal := false
	defer func() {
		if normal {
			return
		}
		// The goroutine ended without returning, e.g. runtime.Goexit inside a handler.
		p.mu.Lock()
		j := w.current
		p.mu.Unlock()
		if j != nil {
			p.faults.Add(1)
			p.finish(w, j, Outcome{Err: &WorkerFault{Worker: w.id, TaskID: j.task.ID, URL: j.task.Payload.URL, Value: "worker exited"}})
		}
		p.log.WithField("worker_id", w.id).Warn("Worker exited abnormally, restarting")
		go p.loop(w)
	}()

	for {
		select {
		case <-p.ctx.Done():
			normal = true
			return
		case j := <-w.inbox:
			if j.settled.Load() {
				p.finish(w, j, Outcome{Err: utils.ErrDisposed})
				continue
			}
			p.finish(w, j, p.execute(w, j))
		}
	}
}

func (p *Pool) execute(w *worker, j *job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.faults.Add(1)
			fault := &WorkerFault{Worker: w.id, TaskID: j.task.ID, URL: j.task.Payload.URL, Value: r, Stack: debug.Stack()}
			p.log.WithFields(logrus.Fields{"worker_id": w.id, "url": fault.URL, "panic": r}).Error("Recovered panic in worker")
			out = Outcome{Err: fault}
		}
	}()
	children, err := p.handler(p.ctx, j.task.Payload)
	return Outcome{Children: children, Err: err}
}

// Stats returns the current load.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := 0
	for _, w := range p.workers {
		if w.current != nil {
			busy++
		}
	}
	return Stats{
		Workers:   len(p.workers),
		Busy:      busy,
		Pending:   len(p.pending),
		Completed: p.completed.Load(),
		Faults:    p.faults.Load(),
	}
}

// Disposed reports whether Dispose has been called.
func (p *Pool) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// Dispose stops the pool. Every pending and in-flight task receives ErrDisposed,
// handlers see their context cancelled, and idle workers exit. It does not wait for
// running handlers and may be called any number of times.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	rejected := p.pending
	p.pending = nil
	for _, w := range p.workers {
		if w.current != nil {
			rejected = append(rejected, w.current)
		}
	}
	p.mu.Unlock()

	p.cancel()
	for _, j := range rejected {
		j.settle(Outcome{Err: utils.ErrDisposed})
	}
	p.log.Debugf("Disposed, rejected %d tasks", len(rejected))
}
