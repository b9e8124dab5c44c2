// Package transport defines the pluggable per-endpoint protocol plug a
// Stream delegates handshake, marshaling, and response classification to,
// plus the concrete XRootD implementation. See spec.md §4.L.
//
// Grounded on backend/seafile/webapi.go's request/response body framing
// idiom and original_source XrdClXRootDTransport usage implied by
// XrdClXRootDMsgHandler.hh.
package transport

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/xrootd-go/xrdcl/internal/anyobject"
	"github.com/xrootd-go/xrdcl/internal/message"
	"github.com/xrootd-go/xrdcl/internal/sidmgr"
	"github.com/xrootd-go/xrdcl/internal/status"
)

// ResponseClass is what ClassifyResponse reports about an inbound
// message header (spec.md §4.L).
type ResponseClass int

const (
	ClassFinal ResponseClass = iota
	ClassPartial
	ClassWait
	ClassWaitResp
	ClassError
	ClassRedirect
	ClassAsync
)

// Header is the decoded 8-byte response header (spec.md §6).
type Header struct {
	StreamID uint16
	Status   uint16
	DataLen  uint32
}

// XRootD response status codes (spec.md §4.O table, §6).
const (
	KXR_ok       uint16 = 0
	KXR_oksofar  uint16 = 4000
	KXR_attn     uint16 = 4001
	KXR_authmore uint16 = 4002
	KXR_error    uint16 = 4003
	KXR_redirect uint16 = 4004
	KXR_wait     uint16 = 4005
	KXR_waitresp uint16 = 4006
)

const (
	// RequestHeaderSize is the fixed request header: streamid[2] |
	// requestid[2] | body[16] | dlen[4] (spec.md §6).
	RequestHeaderSize = 24
	// ResponseHeaderSize is the fixed response header: streamid[2] |
	// status[2] | dlen[4] (spec.md §6).
	ResponseHeaderSize = 8
)

// Query identifies a capability/status question asked via QueryTransport.
type Query int

const (
	// QuerySIDManager asks for the Stream's SID Manager so a façade can
	// allocate a SID before sending (spec.md §4.L).
	QuerySIDManager Query = iota
)

// Transport is the per-endpoint plug a Stream delegates protocol
// knowledge to.
type Transport interface {
	// HandShake produces the client greeting bytes to send, and
	// consumes the server's reply from conn, updating internal state.
	HandShake(conn net.Conn, substream int) error

	// MarshallRequest converts msg's buffer to wire byte order. Must be
	// idempotent with respect to msg.Marshalled.
	MarshallRequest(msg *message.Message) error
	// UnmarshallRequest converts msg's buffer back to host byte order.
	// Must be idempotent with respect to msg.Marshalled.
	UnmarshallRequest(msg *message.Message) error

	// GetHeaderSize returns the fixed response header size.
	GetHeaderSize() int
	// GetBodySize returns the body length declared by header.
	GetBodySize(header Header) int
	// ClassifyResponse maps a response header to a ResponseClass.
	ClassifyResponse(header Header) ResponseClass

	// QueryTransport answers a capability/status query.
	QueryTransport(q Query, sidMgr *sidmgr.Manager) (*anyobject.AnyObject, status.Status)

	// MultiplexSubStream selects the outgoing leg index for msg.
	MultiplexSubStream(msg *message.Message, numSubStreams int) int
}

// DecodeHeader parses the fixed 8-byte response header (spec.md §6).
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < ResponseHeaderSize {
		return Header{}, fmt.Errorf("transport: short header (%d bytes)", len(b))
	}
	return Header{
		StreamID: binary.BigEndian.Uint16(b[0:2]),
		Status:   binary.BigEndian.Uint16(b[2:4]),
		DataLen:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// EncodeHeader renders a response Header back to wire bytes. Used by
// tests and by loopback transports; round-tripping through
// DecodeHeader(EncodeHeader(h)) must return h unchanged (spec.md §8
// "Transport.Marshall; Transport.Unmarshall restores original header
// bytes").
func EncodeHeader(h Header) []byte {
	b := make([]byte, ResponseHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], h.StreamID)
	binary.BigEndian.PutUint16(b[2:4], h.Status)
	binary.BigEndian.PutUint32(b[4:8], h.DataLen)
	return b
}
