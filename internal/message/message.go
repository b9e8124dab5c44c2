// Package message implements the Message type: a Buffer plus the
// diagnostic and correlation metadata the post-master stamps onto every
// request/response. See spec.md §4.B and §3 "Message".
package message

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/xrootd-go/xrdcl/internal/xbuffer"
)

// Message owns a wire buffer plus the bookkeeping fields the post-master
// needs to shepherd it through the dispatch pipeline.
type Message struct {
	buf *xbuffer.Buffer

	// Description is a free-form diagnostic string, e.g. "kXR_open
	// /foo/bar".
	Description string

	// SessionID is the Stream incarnation that first saw this message,
	// stamped so a reconnect can be detected (spec.md §9, supplemented
	// feature #1 in SPEC_FULL.md).
	SessionID uint64

	// VirtualRequestID is stable across redirects, used purely for log
	// correlation (a request keeps the same VirtualRequestID even as its
	// SID changes on every redirect).
	VirtualRequestID uuid.UUID

	// Marshalled is true when the buffer holds wire-order (big-endian)
	// bytes, false when it holds the host-order struct representation.
	// Transport.MarshallRequest/UnmarshallRequest toggle this and must be
	// idempotent with respect to it.
	Marshalled bool
}

// New creates a Message wrapping an empty buffer, stamping a fresh
// virtual-request id.
func New(description string) *Message {
	return &Message{
		buf:              xbuffer.Allocate(64),
		Description:      description,
		VirtualRequestID: uuid.New(),
	}
}

// NewFromBuffer wraps an existing Buffer (e.g. one just read off the
// socket) as a Message.
func NewFromBuffer(description string, buf *xbuffer.Buffer) *Message {
	return &Message{
		buf:              buf,
		Description:      description,
		VirtualRequestID: uuid.New(),
	}
}

// Buffer exposes the underlying Buffer for Transport marshal/unmarshal.
func (m *Message) Buffer() *xbuffer.Buffer { return m.buf }

// Bytes returns the raw contents of the message.
func (m *Message) Bytes() []byte { return m.buf.Bytes() }

// Size returns the number of bytes currently held.
func (m *Message) Size() int { return m.buf.GetSize() }

// StreamID reads the first two bytes of the buffer as a big-endian
// stream identifier, the position both request and response headers
// agree on (spec.md §6).
func (m *Message) StreamID() (uint16, bool) {
	b := m.buf.Bytes()
	if len(b) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[0:2]), true
}

// SetStreamID stamps a big-endian stream id into the first two bytes of
// the buffer, growing it if necessary. Channel.Send uses it to stamp a
// freshly allocated SID into a request immediately before pushing it to
// the Stream's out-queue, so every resend carries a fresh SID (see
// DESIGN.md "SID allocation timing").
func (m *Message) SetStreamID(sid uint16) {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], sid)
	m.buf.AppendAt(hdr[:], 0)
}

// Clone produces an independent copy of the message, used when a redirect
// re-marshals a request: the original bytes are preserved in case
// re-marshaling fails partway through.
func (m *Message) Clone() *Message {
	data := make([]byte, len(m.buf.Bytes()))
	copy(data, m.buf.Bytes())
	nb := xbuffer.Allocate(len(data))
	nb.Append(data)
	return &Message{
		buf:              nb,
		Description:      m.Description,
		SessionID:        m.SessionID,
		VirtualRequestID: m.VirtualRequestID,
		Marshalled:       m.Marshalled,
	}
}
