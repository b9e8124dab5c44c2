// Package jobmgr implements the worker-thread pool that executes
// handler callbacks off the socket/poller thread. See spec.md §4.J.
//
// Grounded on backend/seafile/renew.go's sync.Once shutdown idiom,
// generalized to N workers draining a shared queue with
// golang.org/x/sync/errgroup managing their lifetime (see DESIGN.md).
package jobmgr

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "xrdcl_jobmgr_queue_depth",
	Help: "Number of submissions waiting in the Job Manager's queue.",
})

func init() {
	prometheus.MustRegister(queueDepth)
}

// Job is a unit of work submitted from an I/O thread.
type Job interface {
	Run(arg any)
}

// JobFunc adapts a plain function to the Job interface.
type JobFunc func(arg any)

// Run implements Job.
func (f JobFunc) Run(arg any) { f(arg) }

type submission struct {
	job Job
	arg any
}

// Manager is a fixed-size worker pool with a blocking work queue.
type Manager struct {
	queue chan submission
	group *errgroup.Group
	ctx   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a Manager. Until Initialize or Start creates the queue,
// Submit runs each job synchronously on the caller.
func New() *Manager {
	return &Manager{}
}

// Initialize prepares the manager's internal queue, sized to allow a
// modest burst of submissions without blocking the caller.
func (m *Manager) Initialize(queueSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = make(chan submission, queueSize)
}

// Start launches n worker goroutines.
func (m *Manager) Start(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	if m.queue == nil {
		m.queue = make(chan submission, 256)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.ctx = ctx
	m.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	m.group = g
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return m.worker(gctx)
		})
	}
	m.started = true
}

func (m *Manager) worker(ctx context.Context) error {
	for {
		select {
		case sub, ok := <-m.queue:
			if !ok {
				return nil
			}
			queueDepth.Set(float64(len(m.queue)))
			sub.job.Run(sub.arg)
		case <-ctx.Done():
			return nil
		}
	}
}

// Submit enqueues job to run on any worker. It blocks if every worker is
// busy and the queue is full, applying natural backpressure to I/O
// threads the way the original keeps handler callbacks off the socket
// thread without letting them run unbounded in parallel.
func (m *Manager) Submit(job Job, arg any) {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()
	if q == nil {
		job.Run(arg) // not started: run synchronously rather than drop work
		return
	}
	q <- submission{job: job, arg: arg}
	queueDepth.Set(float64(len(q)))
}

// Stop cancels all workers, waits for them to return, and then drains
// the queue by running every job still in it on the calling goroutine;
// Finalize releases the queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	g := m.group
	q := m.queue
	m.started = false
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
	// The queue itself is left open rather than closed: a concurrent
	// Submit racing shutdown would panic sending on a closed channel.
	// A Submit made after this drain and before Finalize lands in the
	// queue with no worker to run it, and blocks once the queue is full.
	for {
		select {
		case sub := <-q:
			sub.job.Run(sub.arg)
		default:
			return
		}
	}
}

// Finalize releases the manager's queue so Submit falls back to
// synchronous execution if called again (matching the original's
// Initialize/Finalize pairing).
func (m *Manager) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
}
