package inqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xrootd-go/xrdcl/internal/logging"
	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/status"
)

type fakeHandler struct {
	mu        sync.Mutex
	take      bool
	processed []*message.Message
	events    []StreamEvent
}

func (h *fakeHandler) Examine(msg *message.Message) ExamineResult {
	if h.take {
		return ExamineTake | ExamineRemoveHandler
	}
	return ExamineNop
}

func (h *fakeHandler) Process(msg *message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processed = append(h.processed, msg)
}

func (h *fakeHandler) OnStatusReady(msg *message.Message, st status.Status) {}

func (h *fakeHandler) OnStreamEvent(event StreamEvent, streamNum int, st status.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func msgWithSID(sid uint16) *message.Message {
	m := message.New("test")
	m.SetStreamID(sid)
	return m
}

func TestHandlerRegisteredBeforeMessageArrives(t *testing.T) {
	q := New(logging.Nop())
	h := &fakeHandler{take: true}
	q.AddMessageHandler(1, h, time.Now().Add(time.Minute))
	q.AddMessage(msgWithSID(1))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.processed, 1)
}

func TestOrphanDrainWhenHandlerRegistersLate(t *testing.T) {
	q := New(logging.Nop())
	// message arrives before any handler is registered for its sid
	q.AddMessage(msgWithSID(2))

	h := &fakeHandler{take: true}
	q.AddMessageHandler(2, h, time.Now().Add(time.Minute))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.processed, 1, "a handler registered after its response arrived must still receive Process")
}

func TestNonTakingHandlerStaysRegistered(t *testing.T) {
	q := New(logging.Nop())
	h := &fakeHandler{take: false}
	q.AddMessageHandler(3, h, time.Now().Add(time.Minute))
	q.AddMessage(msgWithSID(3))

	assert.Equal(t, 1, q.Len())
	h.mu.Lock()
	assert.Len(t, h.processed, 0)
	h.mu.Unlock()
}

func TestReportTimeoutFiresExpiredHandlersOnly(t *testing.T) {
	q := New(logging.Nop())
	expired := &fakeHandler{}
	fresh := &fakeHandler{}
	q.AddMessageHandler(4, expired, time.Now().Add(-time.Second))
	q.AddMessageHandler(5, fresh, time.Now().Add(time.Hour))

	q.ReportTimeout(time.Now())

	expired.mu.Lock()
	assert.Equal(t, []StreamEvent{EventTimeout}, expired.events)
	expired.mu.Unlock()

	fresh.mu.Lock()
	assert.Empty(t, fresh.events)
	fresh.mu.Unlock()

	assert.Equal(t, 1, q.Len())
}

func TestReportStreamEventNotifiesAllAndClears(t *testing.T) {
	q := New(logging.Nop())
	a := &fakeHandler{}
	b := &fakeHandler{}
	q.AddMessageHandler(6, a, time.Now().Add(time.Minute))
	q.AddMessageHandler(7, b, time.Now().Add(time.Minute))

	q.ReportStreamEvent(EventBroken, 0, status.NewError(status.CodeStreamDisconnect))

	a.mu.Lock()
	assert.Equal(t, []StreamEvent{EventBroken}, a.events)
	a.mu.Unlock()
	b.mu.Lock()
	assert.Equal(t, []StreamEvent{EventBroken}, b.events)
	b.mu.Unlock()
	assert.Equal(t, 0, q.Len())
}

