// Package stream implements the per-endpoint byte transport: handshake,
// read framer, write pump, and reconnect, owning one SID Manager, one
// In-Queue, one Out-Queue per sub-stream leg, and N parallel legs. See
// spec.md §4.K.
//
// Grounded on backend/ftp/ftp.go's ftpConnection/getFtpConnection dial
// idiom (retry-with-backoff around a single Dial, Login substituted for
// by Transport.HandShake) and on original_source XrdClSocket.hh for the
// Disconnected/Connecting/HandShaking/Connected/Broken state machine.
package stream

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/xrootd-go/xrdcl/internal/inqueue"
	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/outqueue"
	"github.com/xrootd-go/xrdcl/internal/poller"
	"github.com/xrootd-go/xrdcl/internal/sidmgr"
	"github.com/xrootd-go/xrdcl/internal/status"
	"github.com/xrootd-go/xrdcl/internal/taskmgr"
	"github.com/xrootd-go/xrdcl/internal/transport"
	"github.com/xrootd-go/xrdcl/internal/xbuffer"
)

// timeoutSweepResolution is how often a Stream asks its In-Queue to expire
// requests past their deadline (spec.md §4.I "resolution ≈ 1 s", §8
// "delivered_at - submitted_at <= timeout + resolution").
const timeoutSweepResolution = time.Second

// timeoutSweep is the recurring Task Manager task that drives per-request
// timeouts: without it, a request sent to a server that never replies (no
// wait, no redirect, no broken stream) would stay registered in the
// In-Queue forever (spec.md §4.F, §4.I).
type timeoutSweep struct {
	s *Stream
}

func (t *timeoutSweep) Run(now time.Time) time.Time {
	t.s.inQueue.ReportTimeout(now)
	return now.Add(timeoutSweepResolution)
}

// State is one of the Stream lifecycle states (spec.md §4.K).
type State int

const (
	Disconnected State = iota
	Connecting
	HandShaking
	Connected
	Broken
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case HandShaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}

// DialFunc opens one TCP leg to addr. Substituted in tests with an
// in-process net.Pipe dialer.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Options configures a Stream. Zero value is not usable; use NewOptions.
type Options struct {
	NumSubStreams  int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// ReconnectBurst/ReconnectPerSecond bound how fast Connect retries
	// after a failed dial, so a down server doesn't spin a goroutine hot
	// (spec.md §5 "Backoff: reconnect attempts are rate limited").
	ReconnectBurst     int
	ReconnectPerSecond float64
}

// NewOptions returns the documented defaults (spec.md §6 "Options").
func NewOptions() Options {
	return Options{
		NumSubStreams:      1,
		ConnectTimeout:     10 * time.Second,
		ReadTimeout:        0,
		ReconnectBurst:     1,
		ReconnectPerSecond: 0.5,
	}
}

// leg is one parallel TCP connection belonging to the Stream.
type leg struct {
	conn    net.Conn
	out     *outqueue.OutQueue
	writeMu sync.Mutex
}

// Stream is a per-endpoint byte transport: N legs sharing one In-Queue,
// one SID Manager, and a Transport plug.
type Stream struct {
	addr string
	opt  Options
	tr   transport.Transport
	pl   *poller.Poller
	dial DialFunc
	log  *logrus.Logger

	mu        sync.Mutex
	state     State
	sessionID uint64
	legs      []*leg
	byConn    map[net.Conn]int
	limiter   *rate.Limiter

	sidMgr  *sidmgr.Manager
	inQueue *inqueue.InQueue

	// replay holds non-stateful out-queue entries that were still queued
	// (never handed to a socket) when the Stream last went Broken. They
	// are re-pushed once Connect succeeds again instead of being reported
	// as failed (spec.md §4.K(iii), §7).
	replay *outqueue.OutQueue

	tm    *taskmgr.Manager
	sweep *timeoutSweep

	// pushSink receives kXR_attn async pushes, which never correspond to
	// an In-Queue SID and so would otherwise pile up as unclaimed orphans
	// (original_source XrdClXRootDMsgHandler.hh; supplemented feature in
	// SPEC_FULL.md). Nil means pushes are dropped.
	pushSink func(msg *message.Message)
}

// SetPushSink installs the callback invoked for every inbound message the
// Transport classifies as an async push, instead of routing it through
// the In-Queue. Set by Channel.SetPushHandler.
func (s *Stream) SetPushSink(fn func(msg *message.Message)) {
	s.mu.Lock()
	s.pushSink = fn
	s.mu.Unlock()
}

// New creates a Stream for addr. Connect must be called (directly or via
// Send) before any traffic flows. tm, if non-nil, is used to register a
// recurring task that sweeps the In-Queue for expired requests; a nil tm
// leaves per-request deadlines unenforced (tests that don't exercise
// timeouts may pass nil).
func New(addr string, opt Options, tr transport.Transport, pl *poller.Poller, log *logrus.Logger, dial DialFunc, tm *taskmgr.Manager) *Stream {
	if opt.NumSubStreams < 1 {
		opt.NumSubStreams = 1
	}
	s := &Stream{
		addr:    addr,
		opt:     opt,
		tr:      tr,
		pl:      pl,
		dial:    dial,
		log:     log,
		state:   Disconnected,
		byConn:  make(map[net.Conn]int),
		limiter: rate.NewLimiter(rate.Limit(opt.ReconnectPerSecond), max(opt.ReconnectBurst, 1)),
		sidMgr:  sidmgr.New(),
		inQueue: inqueue.New(log),
		replay:  outqueue.New(),
		tm:      tm,
	}
	if tm != nil {
		s.sweep = &timeoutSweep{s: s}
		tm.RegisterTask(s.sweep, time.Now().Add(timeoutSweepResolution))
	}
	return s
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// State reports the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID is the current incarnation number, incremented every time
// the Stream goes Broken (spec.md §3 "Message.SessionID").
func (s *Stream) SessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SIDManager exposes the Stream's SID Manager, queried by a Channel
// before stamping a SID into an outgoing request (spec.md §4.L
// QuerySIDManager).
func (s *Stream) SIDManager() *sidmgr.Manager { return s.sidMgr }

// Transport exposes the Stream's protocol plug, queried by a Channel or
// Post-Master answering a QueryTransport capability request (spec.md
// §4.L, §4.N).
func (s *Stream) Transport() transport.Transport { return s.tr }

// InQueue exposes the Stream's shared In-Queue.
func (s *Stream) InQueue() *inqueue.InQueue { return s.inQueue }

// Connect dials every sub-stream leg and performs the handshake on each,
// transitioning Disconnected → Connecting → HandShaking → Connected (or
// → Broken on any failure). A Connect call on an already-Connected Stream
// is a no-op.
func (s *Stream) Connect(ctx context.Context) status.Status {
	s.mu.Lock()
	if s.state == Connected {
		s.mu.Unlock()
		return status.Ok()
	}
	if s.state != Disconnected && s.state != Broken {
		s.mu.Unlock()
		return status.NewError(status.CodeInvalidOp)
	}
	s.state = Connecting
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return status.NewError(status.CodeSocketTimeout)
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if s.opt.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, s.opt.ConnectTimeout)
		defer cancel()
	}

	legs := make([]*leg, 0, s.opt.NumSubStreams)
	for i := 0; i < s.opt.NumSubStreams; i++ {
		conn, err := s.dial(connectCtx, s.addr)
		if err != nil {
			s.failConnect(legs)
			return status.NewError(status.CodeConnectionError)
		}

		s.setState(HandShaking)
		if err := s.tr.HandShake(conn, i); err != nil {
			_ = conn.Close()
			s.failConnect(legs)
			return status.NewError(status.CodeHandshakeFailed)
		}
		legs = append(legs, &leg{conn: conn, out: outqueue.New()})
	}

	s.mu.Lock()
	s.legs = legs
	s.byConn = make(map[net.Conn]int, len(legs))
	for i, l := range legs {
		s.byConn[l.conn] = i
	}
	s.state = Connected
	s.mu.Unlock()

	for _, l := range legs {
		s.pl.AddSocket(l.conn, s)
		s.pl.EnableReadNotification(l.conn, true, s.opt.ReadTimeout)
	}
	s.log.WithField("addr", s.addr).Debug("stream connected")
	s.replayPending()
	return status.Ok()
}

// replayPending re-sends every entry held across the most recent
// reconnect (spec.md §4.K(iii)): already-expired entries are reported as
// timed out instead, since resending past a deadline would violate §8's
// timeout bound.
func (s *Stream) replayPending() {
	now := time.Now()
	for {
		e, ok := s.replay.PopFront()
		if !ok {
			return
		}
		if !e.Deadline.IsZero() && !e.Deadline.After(now) {
			e.Handler.OnStreamEvent(inqueue.EventTimeout, 0, status.NewError(status.CodeOperationExpired))
			continue
		}
		e.Message.SessionID = s.SessionID()
		if sid, ok := e.Message.StreamID(); ok {
			s.inQueue.AddMessageHandler(sid, e.Handler, e.Deadline)
		}
		s.Send(e.Message, e.Handler, e.Deadline, e.Stateful)
	}
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Stream) failConnect(partial []*leg) {
	for _, l := range partial {
		_ = l.conn.Close()
	}
	s.setState(Broken)
}

// Send hands msg to the leg chosen by the Transport's multiplexing rule.
// The caller (a Channel) is responsible for having already allocated and
// stamped the SID and registered handler in the In-Queue: by the time a
// message reaches the out-queue it is fully addressed, so a redirect
// retry (which re-enters via Channel.Send with a fresh SID) is
// indistinguishable here from a first send (spec.md §4.K "assigning a
// SID at this point, not at enqueue time" is satisfied one layer up, in
// Channel.Send, since that call is the point a message is first headed
// for an out-queue).
func (s *Stream) Send(msg *message.Message, handler inqueue.Handler, deadline time.Time, stateful bool) status.Status {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return status.NewError(status.CodeSocketDisconnected)
	}
	idx := s.tr.MultiplexSubStream(msg, len(s.legs))
	if idx < 0 || idx >= len(s.legs) {
		idx = 0
	}
	l := s.legs[idx]
	s.mu.Unlock()

	l.out.PushBack(outqueue.Entry{Message: msg, Handler: handler, Deadline: deadline, Stateful: stateful})
	s.pl.EnableWriteNotification(l.conn, true, s.opt.ReadTimeout)
	return status.Ok()
}

// Event implements poller.Handler: it is called on the Poller's single
// event thread for every readiness/timeout condition on a registered
// leg.
func (s *Stream) Event(mask poller.Event, conn net.Conn) {
	s.mu.Lock()
	idx, ok := s.byConn[conn]
	var l *leg
	if ok {
		l = s.legs[idx]
	}
	s.mu.Unlock()
	if l == nil {
		return
	}

	if mask&poller.ReadTimeOut != 0 || mask&poller.WriteTimeOut != 0 {
		s.onBroken(status.NewError(status.CodeSocketTimeout), false)
		return
	}
	if mask&poller.ReadyToRead != 0 {
		if err := s.readFrame(l); err != nil {
			s.onBroken(status.NewError(status.CodeSocketDisconnected), false)
			return
		}
	}
	if mask&poller.ReadyToWrite != 0 {
		s.pumpWrite(l)
	}
}

// readFrame consumes exactly one response header-plus-body off l's
// buffered reader and hands the assembled Message to the In-Queue
// (spec.md §4.K "Read path").
func (s *Stream) readFrame(l *leg) error {
	r := s.pl.Reader(l.conn)
	if r == nil {
		return fmt.Errorf("stream: leg not registered with poller")
	}

	hdr := make([]byte, transport.ResponseHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	h, err := transport.DecodeHeader(hdr)
	if err != nil {
		return err
	}

	body := make([]byte, s.tr.GetBodySize(h))
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
	}

	buf := xbuffer.Allocate(len(hdr) + len(body))
	buf.Append(hdr)
	buf.Append(body)
	msg := message.NewFromBuffer("response", buf)
	msg.SessionID = s.SessionID()

	if s.tr.ClassifyResponse(h) == transport.ClassAsync {
		s.mu.Lock()
		sink := s.pushSink
		s.mu.Unlock()
		if sink != nil {
			sink(msg)
		}
		return nil
	}

	s.inQueue.AddMessage(msg)
	return nil
}

// pumpWrite drains l's out-queue while the leg is writable, marshaling
// each message through the Transport before the actual write (spec.md
// §4.K "Write path"). A write error breaks the whole Stream: XRootD has
// no notion of a half-broken leg.
func (s *Stream) pumpWrite(l *leg) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for {
		e, ok := l.out.PopMessage()
		if !ok {
			s.pl.EnableWriteNotification(l.conn, false, 0)
			return
		}
		if err := s.tr.MarshallRequest(e.Message); err != nil {
			e.Handler.OnStatusReady(e.Message, status.NewError(status.CodeInvalidMessage))
			continue
		}
		if _, err := l.conn.Write(e.Message.Bytes()); err != nil {
			e.Handler.OnStatusReady(e.Message, status.NewError(status.CodeSocketError))
			s.onBroken(status.NewError(status.CodeSocketDisconnected), false)
			return
		}
	}
}

// onBroken implements the failure semantics of spec.md §4.K: fire Broken
// to every In-Queue handler whose entry isn't being silently replayed,
// move stateful out-queue entries to a failure report, and bump the
// session id. permanent distinguishes a terminal teardown (Close, no
// further Connect will ever come) from a transient break a later Connect
// can recover from: only the transient case holds non-stateful entries in
// s.replay, since holding them across a permanent Close would strand
// their handlers with no callback ever firing. The Stream itself is left
// Disconnected afterward so the next Send can reconnect it.
func (s *Stream) onBroken(st status.Status, permanent bool) {
	s.mu.Lock()
	if s.state == Broken || s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Broken
	s.sessionID++
	legs := s.legs
	s.legs = nil
	s.byConn = make(map[net.Conn]int)
	s.mu.Unlock()

	held := outqueue.New()
	for _, l := range legs {
		s.pl.RemoveSocket(l.conn)
		_ = l.conn.Close()

		failed := outqueue.New()
		l.out.GrabStateful(failed)
		l.out.GrabItems(held)
		failed.Report(status.NewError(status.CodeStreamDisconnect))
	}

	if permanent {
		// No future Connect will ever drain a replay queue, so report
		// these now rather than stranding their handlers forever.
		held.Report(st)
	} else {
		// Entries moved to held were never handed to a socket, so they can
		// be replayed untouched after reconnect (spec.md §4.K(iii)). Their
		// handlers are pulled out of the In-Queue first so the stream-wide
		// Broken report below doesn't also deliver a disconnect they'll
		// never actually suffer.
		for {
			e, ok := held.PopFront()
			if !ok {
				break
			}
			if sid, ok := e.Message.StreamID(); ok {
				s.inQueue.RemoveHandler(sid)
			}
			s.replay.PushBack(e)
		}
	}

	s.inQueue.ReportStreamEvent(inqueue.EventBroken, 0, st)

	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()
}

// Close tears the Stream down unconditionally, reporting
// stream-disconnect to everything still pending. Used by Channel/Post-
// Master on Finalize or Reinitialize. onBroken is a no-op if the Stream
// is already Broken/Disconnected, so anything parked in s.replay by an
// earlier transient break (one that was never followed by a reconnect)
// is drained here too; otherwise it would sit unreported forever.
func (s *Stream) Close() {
	if s.tm != nil && s.sweep != nil {
		s.tm.UnregisterTask(s.sweep)
	}
	st := status.NewError(status.CodeStreamDisconnect)
	s.onBroken(st, true)
	s.replay.Report(st)
}
