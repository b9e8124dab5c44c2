package xrootd

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrootd-go/xrdcl/internal/anyobject"
	"github.com/xrootd-go/xrdcl/internal/logging"
	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/postmaster"
	"github.com/xrootd-go/xrdcl/internal/status"
	"github.com/xrootd-go/xrdcl/internal/transport"
	"github.com/xrootd-go/xrdcl/internal/xrdurl"
)

// writeResponse writes one response frame (streamid from sid, the given
// status and body) onto conn.
func writeResponse(t *testing.T, conn net.Conn, sid []byte, respStatus uint16, body []byte) {
	t.Helper()
	hdr := make([]byte, transport.ResponseHeaderSize)
	copy(hdr[0:2], sid)
	hdr[2] = byte(respStatus >> 8)
	hdr[3] = byte(respStatus)
	dlen := len(body)
	hdr[4] = byte(dlen >> 24)
	hdr[5] = byte(dlen >> 16)
	hdr[6] = byte(dlen >> 8)
	hdr[7] = byte(dlen)
	_, err := conn.Write(hdr)
	require.NoError(t, err)
	if len(body) > 0 {
		_, err = conn.Write(body)
		require.NoError(t, err)
	}
}

// readRequest performs the fixed handshake ack then reads one request
// header, returning its streamid bytes.
func handshakeAndReadRequest(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	hs := make([]byte, 8)
	if _, err := io.ReadFull(conn, hs); err != nil {
		return nil
	}
	if _, err := conn.Write(make([]byte, 8)); err != nil {
		return nil
	}
	req := make([]byte, transport.RequestHeaderSize)
	if _, err := io.ReadFull(conn, req); err != nil {
		return nil
	}
	return append([]byte(nil), req[0:2]...)
}

func readNextRequestSID(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	req := make([]byte, transport.RequestHeaderSize)
	if _, err := io.ReadFull(conn, req); err != nil {
		return nil
	}
	return append([]byte(nil), req[0:2]...)
}

type recordingUser struct {
	mu   sync.Mutex
	done chan struct{}
	st   status.Status
	obj  *anyobject.AnyObject
}

func newRecordingUser() *recordingUser {
	return &recordingUser{done: make(chan struct{})}
}

func (r *recordingUser) HandleResponse(st status.Status, obj *anyobject.AnyObject) {
	r.mu.Lock()
	r.st, r.obj = st, obj
	r.mu.Unlock()
	close(r.done)
}

func newTestManager(t *testing.T, dial func(ctx context.Context, addr string) (net.Conn, error)) *postmaster.Manager {
	t.Helper()
	opt := postmaster.NewOptions()
	opt.Dial = dial
	m := postmaster.New(opt, logging.Nop())
	require.True(t, m.Initialize().IsOK())
	require.True(t, m.Start().IsOK())
	t.Cleanup(func() { m.Finalize() })
	return m
}

// redirectBody builds a kXR_redirect body: a 4-byte big-endian port
// followed by "host" or "host?cgi" (spec.md §6).
func redirectBody(host string, port int, cgi string) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(port))
	body = append(body, []byte(host)...)
	if cgi != "" {
		body = append(body, '?')
		body = append(body, []byte(cgi)...)
	}
	return body
}

func testURL(t *testing.T) *xrdurl.URL {
	t.Helper()
	u, err := xrdurl.Parse("root://testhost:1094/path/file")
	require.NoError(t, err)
	return u
}

func TestHandlerDeliversOkResponse(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		sid := handshakeAndReadRequest(t, server)
		if sid == nil {
			return
		}
		writeResponse(t, server, sid, transport.KXR_ok, []byte("payload"))
	}()

	dial := func(ctx context.Context, addr string) (net.Conn, error) { return client, nil }
	m := newTestManager(t, dial)

	u := testURL(t)
	req := message.New("test")
	req.Buffer().Append(make([]byte, transport.RequestHeaderSize))

	user := newRecordingUser()
	h := New(m, u, req, user, time.Now().Add(5*time.Second), NewOptions(), logging.Nop(), false)

	st := m.Send(context.Background(), u, req, h, 5*time.Second, false)
	require.True(t, st.IsOK())

	select {
	case <-user.done:
		assert.True(t, user.st.IsOK())
		view, ok := user.obj.BufferView()
		require.True(t, ok)
		assert.Equal(t, "payload", string(view.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("response never delivered")
	}
}

func TestHandlerReassemblesPartialResponses(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		sid := handshakeAndReadRequest(t, server)
		if sid == nil {
			return
		}
		writeResponse(t, server, sid, transport.KXR_oksofar, []byte("part1"))
		writeResponse(t, server, sid, transport.KXR_ok, []byte("part2"))
	}()

	dial := func(ctx context.Context, addr string) (net.Conn, error) { return client, nil }
	m := newTestManager(t, dial)

	u := testURL(t)
	req := message.New("test")
	req.Buffer().Append(make([]byte, transport.RequestHeaderSize))

	user := newRecordingUser()
	h := New(m, u, req, user, time.Now().Add(5*time.Second), NewOptions(), logging.Nop(), false)

	st := m.Send(context.Background(), u, req, h, 5*time.Second, false)
	require.True(t, st.IsOK())

	select {
	case <-user.done:
		assert.True(t, user.st.IsOK())
		view, ok := user.obj.BufferView()
		require.True(t, ok)
		assert.Equal(t, "part1part2", string(view.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("response never delivered")
	}
}

func TestHandlerDeliversErrorResponse(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		sid := handshakeAndReadRequest(t, server)
		if sid == nil {
			return
		}
		body := make([]byte, 4)
		body[3] = 7 // errno
		body = append(body, []byte("no such file")...)
		writeResponse(t, server, sid, transport.KXR_error, body)
	}()

	dial := func(ctx context.Context, addr string) (net.Conn, error) { return client, nil }
	m := newTestManager(t, dial)

	u := testURL(t)
	req := message.New("test")
	req.Buffer().Append(make([]byte, transport.RequestHeaderSize))

	user := newRecordingUser()
	h := New(m, u, req, user, time.Now().Add(5*time.Second), NewOptions(), logging.Nop(), false)

	st := m.Send(context.Background(), u, req, h, 5*time.Second, false)
	require.True(t, st.IsOK())

	select {
	case <-user.done:
		assert.True(t, user.st.IsError())
		assert.Equal(t, status.CodeErrorResponse, user.st.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("response never delivered")
	}
}

func TestHandlerExceedsRedirectLimit(t *testing.T) {
	server, client := net.Pipe()
	var requests int32
	go func() {
		sid := handshakeAndReadRequest(t, server)
		for sid != nil {
			atomic.AddInt32(&requests, 1)
			// Redirect back to the same host-id so the façade reuses the
			// already-handshaken Channel/Stream instead of dialing a
			// second pipe leg this test doesn't simulate.
			writeResponse(t, server, sid, transport.KXR_redirect, redirectBody("testhost", 1094, ""))
			sid = readNextRequestSID(t, server)
		}
	}()

	dial := func(ctx context.Context, addr string) (net.Conn, error) { return client, nil }
	m := newTestManager(t, dial)

	u := testURL(t)
	req := message.New("test")
	req.Buffer().Append(make([]byte, transport.RequestHeaderSize))

	opt := NewOptions()
	opt.RedirectLimit = 2
	user := newRecordingUser()
	h := New(m, u, req, user, time.Now().Add(5*time.Second), opt, logging.Nop(), false)

	st := m.Send(context.Background(), u, req, h, 5*time.Second, false)
	require.True(t, st.IsOK())

	select {
	case <-user.done:
		assert.True(t, user.st.IsFatal())
		assert.Equal(t, status.CodeRedirectLimit, user.st.Code)
		assert.Equal(t, int32(opt.RedirectLimit+1), atomic.LoadInt32(&requests), "one initial attempt plus RedirectLimit retries before giving up")
	case <-time.After(3 * time.Second):
		t.Fatal("response never delivered")
	}
}

func TestParseRedirectSplitsCGI(t *testing.T) {
	host, port, cgi, err := parseRedirect(redirectBody("otherhost", 2094, "token=abc"))
	require.NoError(t, err)
	assert.Equal(t, "otherhost", host)
	assert.Equal(t, 2094, port)
	assert.Equal(t, "token=abc", cgi)
}

func TestParseRedirectEmptyBodyErrors(t *testing.T) {
	_, _, _, err := parseRedirect(nil)
	assert.Error(t, err)
}

func TestRewriteRedirectURLMergesCGI(t *testing.T) {
	old := testURL(t)
	old.Params.Add("existing", "1")

	newURL, err := rewriteRedirectURL(old, "otherhost", 2094, "token=abc")
	require.NoError(t, err)
	assert.Equal(t, "otherhost", newURL.Host)
	assert.Equal(t, 2094, newURL.Port)
	assert.Equal(t, old.Path, newURL.Path)
	assert.Equal(t, "1", newURL.Params.Get("existing"))
	assert.Equal(t, "abc", newURL.Params.Get("token"))
	// original params untouched
	assert.Empty(t, old.Params.Get("token"))
}
