// Package postmaster implements the top-level façade: the host-id →
// Channel map, plus the Poller/TaskMgr/JobMgr lifecycle every Channel's
// Stream shares. See spec.md §4.N.
//
// Grounded on original_source XrdClPostMaster.cc for the method set
// (Initialize/Start/Stop/Finalize/Reinitialize/Send/Receive/
// QueryTransport) and on backend/seafile/pacer.go's pacerMutex-guarded
// map for the channel-map locking discipline.
package postmaster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xrootd-go/xrdcl/internal/anyobject"
	"github.com/xrootd-go/xrdcl/internal/channel"
	"github.com/xrootd-go/xrdcl/internal/inqueue"
	"github.com/xrootd-go/xrdcl/internal/jobmgr"
	"github.com/xrootd-go/xrdcl/internal/logging"
	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/poller"
	"github.com/xrootd-go/xrdcl/internal/sidmgr"
	"github.com/xrootd-go/xrdcl/internal/status"
	"github.com/xrootd-go/xrdcl/internal/stream"
	"github.com/xrootd-go/xrdcl/internal/taskmgr"
	"github.com/xrootd-go/xrdcl/internal/transport"
	"github.com/xrootd-go/xrdcl/internal/xrdurl"
)

// sendDuration times Send calls end-to-end.
var sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name: "xrdcl_postmaster_send_seconds",
	Help: "Wall-clock duration of Post-Master.Send, synchronous or async enqueue.",
})

func init() {
	prometheus.MustRegister(sendDuration)
}

// Options configures a Manager.
type Options struct {
	Stream      stream.Options
	WorkerCount int

	// Dial overrides how a Stream opens its legs. Nil means a real TCP
	// dial; tests substitute a net.Pipe-backed dialer to exercise the
	// whole façade without a real XRootD server (spec.md §8).
	Dial stream.DialFunc
}

// NewOptions returns the documented defaults (spec.md §6).
func NewOptions() Options {
	return Options{Stream: stream.NewOptions(), WorkerCount: 4}
}

// Manager is the post-master façade.
type Manager struct {
	opt  Options
	log  *logrus.Logger
	pl   *poller.Poller
	tm   *taskmgr.Manager
	jm   *jobmgr.Manager
	dial stream.DialFunc

	mu       sync.Mutex
	channels map[string]*channel.Channel
	started  bool
}

// TaskManager exposes the shared Task Manager so the XRootD message
// handler can schedule WaitDone callbacks after a kXR_wait (spec.md
// §4.O).
func (m *Manager) TaskManager() *taskmgr.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tm
}

// Submit runs job on a Job Manager worker, keeping handler callbacks off
// the Poller's event thread (spec.md §4.J, §4.O "Process ... runs on a
// worker").
func (m *Manager) Submit(job jobmgr.Job, arg any) {
	m.mu.Lock()
	jm := m.jm
	m.mu.Unlock()
	if jm == nil {
		job.Run(arg)
		return
	}
	jm.Submit(job, arg)
}

// New creates a Manager. Call Start before Send.
func New(opt Options, log *logrus.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	dial := opt.Dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Manager{
		opt:      opt,
		log:      log,
		channels: make(map[string]*channel.Channel),
		dial:     dial,
	}
}

// Initialize allocates the Poller/TaskMgr/JobMgr but does not yet run
// any workers (spec.md §4.N).
func (m *Manager) Initialize() status.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pl != nil {
		return status.Ok()
	}
	m.pl = poller.New()
	m.tm = taskmgr.New()
	m.jm = jobmgr.New()
	return status.Ok()
}

// Start launches the Job Manager's worker pool. The Poller and Task
// Manager are already running from Initialize (both start their own
// goroutine eagerly, matching the originals' single always-on threads).
func (m *Manager) Start() status.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pl == nil {
		return status.NewError(status.CodeNotInitialized)
	}
	if m.started {
		return status.Ok()
	}
	m.jm.Start(m.opt.WorkerCount)
	m.started = true
	return status.Ok()
}

// Stop tears down every channel's Stream and stops the worker pool, but
// leaves the Poller/JobMgr objects allocated so Start can resume them.
func (m *Manager) Stop() status.Status {
	m.mu.Lock()
	chans := make([]*channel.Channel, 0, len(m.channels))
	for _, c := range m.channels {
		chans = append(chans, c)
	}
	m.channels = make(map[string]*channel.Channel)
	jm := m.jm
	m.started = false
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range chans {
		c := c
		g.Go(func() error {
			c.Stream().Close()
			return nil
		})
	}
	_ = g.Wait()
	if jm != nil {
		jm.Stop()
	}
	return status.Ok()
}

// Finalize stops the Manager and releases the Poller and Task Manager
// entirely; Initialize and Start must be called again before the Manager
// is used afterward (spec.md §4.N).
func (m *Manager) Finalize() status.Status {
	m.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pl != nil {
		m.pl.Stop()
		m.pl = nil
	}
	if m.tm != nil {
		m.tm.Stop()
		m.tm = nil
	}
	return status.Ok()
}

// Reinitialize discards every channel outright rather than trying to
// preserve or validate session state across a fork boundary (see
// DESIGN.md Open Question decision #3). Stop already does exactly this,
// so Reinitialize simply re-runs Initialize/Start afterward.
func (m *Manager) Reinitialize() status.Status {
	m.Stop()
	if st := m.Initialize(); !st.IsOK() {
		return st
	}
	return m.Start()
}

// getOrCreateChannel returns the Channel for url's host-id, creating it
// (and a fresh Stream) lazily (spec.md §4.N "Channels are created
// lazily").
func (m *Manager) getOrCreateChannel(url *xrdurl.URL) (*channel.Channel, status.Status) {
	if !url.Valid() {
		return nil, status.NewError(status.CodeInvalidAddress)
	}
	hostID := url.HostID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[hostID]; ok {
		return c, status.Ok()
	}
	if m.pl == nil {
		return nil, status.NewError(status.CodeNotInitialized)
	}

	addr := fmt.Sprintf("%s:%d", url.Host, url.Port)
	tr := transport.NewXRootDTransport(sidmgr.New())
	s := stream.New(addr, m.opt.Stream, tr, m.pl, m.log, m.dial, m.tm)
	c := channel.New(hostID, s, m.log)
	m.channels[hostID] = c
	return c, status.Ok()
}

// Send is the asynchronous path: it returns as soon as the message is
// handed to the Channel's out-queue (spec.md §4.N). handler is called
// back through the Stream's In-Queue and out-queue on the goroutine that
// observes the outcome; Send does not move those callbacks onto a Job
// Manager worker. stateful marks an
// open-file-style op whose server-side state makes it unsafe to silently
// replay after a reconnect: a disconnect fails it with stream-disconnect
// instead (spec.md §4.G, §8.6).
func (m *Manager) Send(ctx context.Context, url *xrdurl.URL, msg *message.Message, handler inqueue.Handler, timeout time.Duration, stateful bool) status.Status {
	timer := prometheus.NewTimer(sendDuration)
	defer timer.ObserveDuration()

	c, st := m.getOrCreateChannel(url)
	if !st.IsOK() {
		recordSendOutcome(st)
		return st
	}
	sendsTotal.Inc()
	st = c.Send(ctx, msg, handler, timeout, stateful)
	recordSendOutcome(st)
	return st
}

// syncHandler adapts the asynchronous Handler contract to a blocking
// call for the synchronous Send overload.
type syncHandler struct {
	done chan struct{}
	st   status.Status
}

func newSyncHandler() *syncHandler { return &syncHandler{done: make(chan struct{})} }

func (h *syncHandler) Examine(msg *message.Message) inqueue.ExamineResult {
	return inqueue.ExamineTake | inqueue.ExamineRemoveHandler
}
func (h *syncHandler) Process(msg *message.Message) {
	h.st = status.Ok()
	close(h.done)
}
func (h *syncHandler) OnStatusReady(msg *message.Message, st status.Status) {
	h.st = st
	close(h.done)
}
func (h *syncHandler) OnStreamEvent(event inqueue.StreamEvent, streamNum int, st status.Status) {
	h.st = st
	close(h.done)
}

// SendSync is the synchronous path: it blocks until a terminal status is
// known (spec.md §4.N "Send(url, msg, timeout) — synchronous").
func (m *Manager) SendSync(ctx context.Context, url *xrdurl.URL, msg *message.Message, timeout time.Duration) status.Status {
	h := newSyncHandler()
	if st := m.Send(ctx, url, msg, h, timeout, false); !st.IsOK() {
		return st
	}
	select {
	case <-h.done:
		return h.st
	case <-time.After(timeout):
		timeoutsTotal.Inc()
		return status.NewError(status.CodeOperationExpired)
	}
}

// QueryTransport answers a capability query for url's channel (spec.md
// §4.N).
func (m *Manager) QueryTransport(url *xrdurl.URL, q transport.Query) (*anyobject.AnyObject, status.Status) {
	c, st := m.getOrCreateChannel(url)
	if !st.IsOK() {
		return nil, st
	}
	return c.QueryTransport(q)
}
