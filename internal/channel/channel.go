// Package channel implements the per-host-id object that owns a single
// Stream and forwards Send calls to it after ensuring the SID Manager
// and In-Queue bookkeeping are in place. See spec.md §4.M.
//
// Grounded on backend/seafile/pacer.go's per-remote keying idiom (one
// pacer per server URL, guarded by a package mutex) generalized here to
// one Channel per host-id, guarded by the owning Post-Master's map mutex
// rather than a package-level one.
package channel

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/xrootd-go/xrdcl/internal/anyobject"
	"github.com/xrootd-go/xrdcl/internal/inqueue"
	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/sidmgr"
	"github.com/xrootd-go/xrdcl/internal/status"
	"github.com/xrootd-go/xrdcl/internal/stream"
	"github.com/xrootd-go/xrdcl/internal/transport"
)

// SendContext is what a handler learns about the send it was just bound
// to: which SID it was assigned, which SID Manager to release/time it out
// on, and which Transport classifies its responses. A handler cannot
// know any of this when it is constructed, since the façade building the
// request message has no SID yet — only Channel.Send does, at the moment
// it allocates one (spec.md §4.O "a reference to the Stream's SID
// Manager (to release the SID)").
type SendContext struct {
	SID        uint16
	SIDManager *sidmgr.Manager
	Transport  transport.Transport
}

// ContextBinder is implemented by handlers (notably xrootd.Handler) that
// need their SendContext after each Send call, including on a redirect
// resend where the SID and Transport both change.
type ContextBinder interface {
	BindSendContext(ctx SendContext)
}

// PushHandler receives kXR_attn async pushes that arrive on this
// Channel's Stream (supplemented feature, SPEC_FULL.md; original_source
// XrdClXRootDMsgHandler.hh).
type PushHandler interface {
	OnPush(msg *message.Message)
}

// openChannels counts live Channels across the process.
var openChannels = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "xrdcl_channels_open",
	Help: "Number of Channel objects currently instantiated.",
})

func init() {
	prometheus.MustRegister(openChannels)
}

// Channel is the per-host-id forwarder: one Stream, reachable by any
// number of concurrent Send calls.
type Channel struct {
	hostID string
	s      *stream.Stream
	log    *logrus.Logger
}

// New creates a Channel for hostID wrapping the given Stream. The caller
// (Post-Master) owns Stream construction so it can choose dial/transport
// per host.
func New(hostID string, s *stream.Stream, log *logrus.Logger) *Channel {
	openChannels.Inc()
	return &Channel{hostID: hostID, s: s, log: log}
}

// HostID returns the host-id this Channel is keyed by.
func (c *Channel) HostID() string { return c.hostID }

// Stream exposes the underlying Stream, e.g. for the XRootD message
// handler to release a SID or inspect SessionID on redirect.
func (c *Channel) Stream() *stream.Stream { return c.s }

// SetPushHandler installs h to receive async pushes on this Channel's
// Stream in place of the default (drop).
func (c *Channel) SetPushHandler(h PushHandler) {
	if h == nil {
		c.s.SetPushSink(nil)
		return
	}
	c.s.SetPushSink(h.OnPush)
}

// Send ensures the Stream is connected, allocates and stamps a fresh SID
// into msg, registers handler in the In-Queue under that SID, and pushes
// msg to the Stream's out-queue (spec.md §4.M).
//
// The SID is allocated here, immediately before the message is pushed,
// not when the caller first built the message: a redirect retry calls
// Send again with the same *message.Message but gets a fresh SID each
// time, matching spec.md §4.K's "assigning a SID at this point, not at
// enqueue time, so retries see fresh SIDs" (see DESIGN.md).
func (c *Channel) Send(ctx context.Context, msg *message.Message, handler inqueue.Handler, timeout time.Duration, stateful bool) status.Status {
	if st := c.s.Connect(ctx); !st.IsOK() {
		return st
	}

	sidBytes, err := c.s.SIDManager().AllocateSID()
	if err != nil {
		return status.NewError(status.CodeNoFreeSIDs)
	}
	sid := binary.BigEndian.Uint16(sidBytes[:])
	msg.SetStreamID(sid)
	msg.SessionID = c.s.SessionID()

	if b, ok := handler.(ContextBinder); ok {
		b.BindSendContext(SendContext{SID: sid, SIDManager: c.s.SIDManager(), Transport: c.s.Transport()})
	}

	deadline := time.Now().Add(timeout)
	c.s.InQueue().AddMessageHandler(sid, handler, deadline)

	return c.s.Send(msg, handler, deadline, stateful)
}

// QueryTransport answers a capability query against this Channel's
// Stream's Transport, e.g. QuerySIDManager (spec.md §4.L, §4.N).
func (c *Channel) QueryTransport(q transport.Query) (*anyobject.AnyObject, status.Status) {
	return c.s.Transport().QueryTransport(q, c.s.SIDManager())
}
