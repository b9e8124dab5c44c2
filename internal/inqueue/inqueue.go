// Package inqueue implements the per-Stream table of pending
// incoming-message handlers keyed by SID, matching arriving responses and
// timing out stale registrations. See spec.md §4.F.
//
// Grounded on original_source XrdClInQueue.cc/.hh for the Examine/Take
// contract and orphan-message draining, with the handler-registration
// table shaped the way minio's internal/grid/handlers.go (non-teacher
// reference) keys dispatch by a small integer id.
package inqueue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/status"
)

// ExamineResult is the bitset a Handler.Examine returns.
type ExamineResult uint8

const (
	// ExamineNop means the handler is not interested in this message and
	// it should remain registered / the message should be treated as
	// unmatched.
	ExamineNop ExamineResult = 0
	// ExamineTake means the handler claims this message; Process will be
	// scheduled with it.
	ExamineTake ExamineResult = 1 << iota
	// ExamineRemoveHandler means the handler should be deregistered
	// regardless of whether it took the message (terminal classification).
	ExamineRemoveHandler
)

// StreamEvent identifies why OnStreamEvent fired.
type StreamEvent int

const (
	// EventBroken means the stream transitioned to Broken.
	EventBroken StreamEvent = iota
	// EventTimeout means the Task Manager/In-Queue declared the request
	// expired.
	EventTimeout
)

// Handler is the polymorphic collaborator registered for one in-flight
// request (spec.md §3 "Request handler").
type Handler interface {
	// Examine is called under the In-Queue mutex; it must not block.
	Examine(msg *message.Message) ExamineResult
	// Process is called without the In-Queue mutex held, once Examine
	// returned ExamineTake, on the goroutine that delivered the message
	// (for a Stream, the Poller's event goroutine). The In-Queue does not
	// move it to a worker; a handler with blocking work hands that off
	// itself, as xrootd.Handler does.
	Process(msg *message.Message)
	// OnStatusReady is called when a send failed before any reply
	// arrived.
	OnStatusReady(msg *message.Message, st status.Status)
	// OnStreamEvent is called on Broken or Timeout.
	OnStreamEvent(event StreamEvent, streamNum int, st status.Status)
}

type entry struct {
	handler  Handler
	deadline time.Time
}

// InQueue is the per-Stream table of pending handlers plus orphaned
// messages that arrived before their handler registered.
type InQueue struct {
	mu  sync.Mutex
	log *logrus.Logger

	handlers map[uint16]entry
	orphans  map[uint16][]*message.Message
}

// New creates an empty InQueue.
func New(log *logrus.Logger) *InQueue {
	return &InQueue{
		log:      log,
		handlers: make(map[uint16]entry),
		orphans:  make(map[uint16][]*message.Message),
	}
}

// AddMessageHandler registers handler for sid with the given deadline.
// Any orphaned messages already queued for sid are replayed through
// Examine in arrival order; the first one that is Taken is dispatched
// immediately, the handler stays registered unless Examine also set
// ExamineRemoveHandler, and the orphans after it are re-routed through
// AddMessage (spec.md §4.F).
func (q *InQueue) AddMessageHandler(sid uint16, handler Handler, deadline time.Time) {
	q.mu.Lock()

	pending := q.orphans[sid]
	delete(q.orphans, sid)

	for i, msg := range pending {
		res := handler.Examine(msg)
		if res&ExamineTake != 0 {
			// Keep the handler registered unless it asked to be removed;
			// the remaining orphans (which arrived after this one but
			// before the handler registered) are re-routed below, landing
			// back in the orphan table if the handler is gone.
			if res&ExamineRemoveHandler == 0 {
				q.handlers[sid] = entry{handler: handler, deadline: deadline}
			}
			rest := pending[i+1:]
			q.mu.Unlock()
			q.dispatch(handler, msg)
			for _, m := range rest {
				q.AddMessage(m)
			}
			return
		}
		if res&ExamineRemoveHandler != 0 {
			q.mu.Unlock()
			return
		}
	}

	q.handlers[sid] = entry{handler: handler, deadline: deadline}
	q.mu.Unlock()
}

// AddMessage routes an inbound message to its handler's Examine, or
// stashes it as an orphan if no handler is registered yet for its SID.
func (q *InQueue) AddMessage(msg *message.Message) {
	sid, ok := msg.StreamID()
	if !ok {
		return
	}

	q.mu.Lock()
	e, found := q.handlers[sid]
	if !found {
		q.orphans[sid] = append(q.orphans[sid], msg)
		q.mu.Unlock()
		return
	}

	res := e.handler.Examine(msg)
	switch {
	case res&ExamineTake != 0:
		if res&ExamineRemoveHandler != 0 {
			delete(q.handlers, sid)
		}
		q.mu.Unlock()
		q.dispatch(e.handler, msg)
	case res&ExamineRemoveHandler != 0:
		delete(q.handlers, sid)
		q.mu.Unlock()
	default:
		q.mu.Unlock()
	}
}

func (q *InQueue) dispatch(h Handler, msg *message.Message) {
	h.Process(msg)
}

// ReportStreamEvent notifies every currently-registered handler of a
// stream-wide event (Broken or Timeout at the stream level), clearing
// the table afterward.
func (q *InQueue) ReportStreamEvent(event StreamEvent, streamNum int, st status.Status) {
	q.mu.Lock()
	handlers := make([]Handler, 0, len(q.handlers))
	for _, e := range q.handlers {
		handlers = append(handlers, e.handler)
	}
	q.handlers = make(map[uint16]entry)
	q.orphans = make(map[uint16][]*message.Message)
	q.mu.Unlock()

	for _, h := range handlers {
		h.OnStreamEvent(event, streamNum, st)
	}
}

// ReportTimeout removes and fires every handler whose deadline has
// passed as of now.
func (q *InQueue) ReportTimeout(now time.Time) {
	q.mu.Lock()
	var expired []Handler
	for sid, e := range q.handlers {
		if !e.deadline.After(now) {
			expired = append(expired, e.handler)
			delete(q.handlers, sid)
		}
	}
	q.mu.Unlock()

	st := status.NewError(status.CodeOperationExpired)
	for _, h := range expired {
		h.OnStreamEvent(EventTimeout, 0, st)
	}
}

// RemoveHandler deregisters sid's handler without notifying it. Used when
// a handler is about to be silently resubmitted against a reconnected
// Stream rather than told about the disconnect it will never see (spec.md
// §4.K(iii) non-stateful replay).
func (q *InQueue) RemoveHandler(sid uint16) {
	q.mu.Lock()
	delete(q.handlers, sid)
	q.mu.Unlock()
}

// Len reports the number of currently-registered handlers, for tests and
// diagnostics.
func (q *InQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.handlers)
}
