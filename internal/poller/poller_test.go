package poller

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHandler) Event(mask Event, conn net.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, mask)
}

func (h *recordingHandler) seen(mask Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if e == mask {
			return true
		}
	}
	return false
}

func TestReadyToReadDoesNotConsumeBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := New()
	defer p.Stop()

	h := &recordingHandler{}
	p.AddSocket(client, h)
	p.EnableReadNotification(client, true, 50*time.Millisecond)

	go func() { _, _ = server.Write([]byte("hello")) }()

	assert.Eventually(t, func() bool { return h.seen(ReadyToRead) }, time.Second, 5*time.Millisecond)

	reader := p.Reader(client)
	buf := make([]byte, 5)
	n, err := reader.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestReadTimeoutReportedWhenNothingArrives(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := New()
	defer p.Stop()

	h := &recordingHandler{}
	p.AddSocket(client, h)
	p.EnableReadNotification(client, true, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return h.seen(ReadTimeOut) }, time.Second, 5*time.Millisecond)
}

func TestRemoveSocketStopsNotifications(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := New()
	defer p.Stop()

	h := &recordingHandler{}
	p.AddSocket(client, h)
	assert.True(t, p.IsRegistered(client))
	p.RemoveSocket(client)
	assert.False(t, p.IsRegistered(client))
}
