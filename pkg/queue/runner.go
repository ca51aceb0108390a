package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

// RunFunc processes one dequeued resource.
type RunFunc func(ctx context.Context, r *resource.Resource)

// LimitedRunner drains a priority queue running at most Concurrency() items at once.
// The limit can be changed while running.
type LimitedRunner struct {
	q   *ThreadSafePriorityQueue
	run RunFunc
	log *logrus.Entry

	mu      sync.Mutex
	cond    *sync.Cond
	limit   int
	running int
	closed  bool

	wg sync.WaitGroup
}

func NewLimitedRunner(limit int, run RunFunc, log *logrus.Entry) *LimitedRunner {
	if limit < 1 {
		limit = 1
	}
	l := &LimitedRunner{
		q:     NewThreadSafePriorityQueue(log),
		run:   run,
		log:   log,
		limit: limit,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Add queues r. Returns false after Close.
func (l *LimitedRunner) Add(r *resource.Resource) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	ok := l.q.Add(r)
	l.cond.Signal()
	return ok
}

// Start launches the dispatcher. It stops when ctx ends or after Close once the queue is empty.
func (l *LimitedRunner) Start(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer stop()
		l.dispatch(ctx)
	}()
}

func (l *LimitedRunner) dispatch(ctx context.Context) {
	for {
		l.mu.Lock()
		for ctx.Err() == nil && !(l.closed && l.q.Len() == 0) && (l.running >= l.limit || l.q.Len() == 0) {
			l.cond.Wait()
		}
		if ctx.Err() != nil || (l.closed && l.q.Len() == 0) {
			l.mu.Unlock()
			return
		}
		r, ok := l.q.TryPop()
		if !ok {
			l.mu.Unlock()
			continue
		}
		l.running++
		l.wg.Add(1)
		l.mu.Unlock()

		go func() {
			defer func() {
				l.mu.Lock()
				l.running--
				l.cond.Broadcast()
				l.mu.Unlock()
				l.wg.Done()
			}()
			l.run(ctx, r)
		}()
	}
}

// SetConcurrency changes the limit. Values below one are raised to one.
func (l *LimitedRunner) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n != l.limit {
		l.log.Debugf("Concurrency %d -> %d", l.limit, n)
	}
	l.limit = n
	l.cond.Broadcast()
}

func (l *LimitedRunner) Concurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Running is the number of items currently being processed.
func (l *LimitedRunner) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Pending is the number of queued items not yet started.
func (l *LimitedRunner) Pending() int { return l.q.Len() }

// Idle reports that nothing is queued and nothing is running.
func (l *LimitedRunner) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running == 0 && l.q.Len() == 0
}

// Close stops accepting items; the dispatcher exits once the queue is empty.
func (l *LimitedRunner) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.q.Close()
	l.cond.Broadcast()
}

// Drain closes the runner and returns the items that never started.
func (l *LimitedRunner) Drain() []*resource.Resource {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
	return l.q.Drain()
}

// Wait blocks until the dispatcher and every started item have finished.
func (l *LimitedRunner) Wait() { l.wg.Wait() }
