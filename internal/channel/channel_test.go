package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrootd-go/xrdcl/internal/inqueue"
	"github.com/xrootd-go/xrdcl/internal/logging"
	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/poller"
	"github.com/xrootd-go/xrdcl/internal/sidmgr"
	"github.com/xrootd-go/xrdcl/internal/status"
	"github.com/xrootd-go/xrdcl/internal/stream"
	"github.com/xrootd-go/xrdcl/internal/transport"
)

type noopHandler struct{}

func (noopHandler) Examine(msg *message.Message) inqueue.ExamineResult { return inqueue.ExamineNop }
func (noopHandler) Process(msg *message.Message)                      {}
func (noopHandler) OnStatusReady(msg *message.Message, st status.Status) {
}
func (noopHandler) OnStreamEvent(event inqueue.StreamEvent, streamNum int, st status.Status) {}

func newTestStream(t *testing.T, dial stream.DialFunc) (*stream.Stream, *poller.Poller) {
	t.Helper()
	p := poller.New()
	tr := transport.NewXRootDTransport(sidmgr.New())
	s := stream.New("pipe", stream.NewOptions(), tr, p, logging.Nop(), dial, nil)
	return s, p
}

func alwaysFailDial(ctx context.Context, addr string) (net.Conn, error) {
	return nil, net.ErrClosed
}

func TestSendFailsWhenConnectFails(t *testing.T) {
	s, p := newTestStream(t, alwaysFailDial)
	defer p.Stop()
	c := New("host:1094", s, logging.Nop())

	st := c.Send(context.Background(), message.New("x"), noopHandler{}, time.Second, false)
	assert.True(t, st.IsError())
}

func TestHostID(t *testing.T) {
	s, p := newTestStream(t, alwaysFailDial)
	defer p.Stop()
	c := New("host:1094", s, logging.Nop())
	assert.Equal(t, "host:1094", c.HostID())
	require.Same(t, s, c.Stream())
}

type recordingPush struct {
	got chan *message.Message
}

func (r *recordingPush) OnPush(msg *message.Message) { r.got <- msg }

func TestSetPushHandlerAcceptsHandlerAndNil(t *testing.T) {
	s, p := newTestStream(t, alwaysFailDial)
	defer p.Stop()
	c := New("host:1094", s, logging.Nop())

	h := &recordingPush{got: make(chan *message.Message, 1)}
	c.SetPushHandler(h)
	c.SetPushHandler(nil)
}
