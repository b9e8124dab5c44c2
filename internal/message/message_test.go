package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamIDRoundTrip(t *testing.T) {
	m := New("kXR_open")
	m.SetStreamID(0x1234)
	sid, ok := m.StreamID()
	require.True(t, ok)
	assert.Equal(t, uint16(0x1234), sid)
}

func TestCloneIsIndependent(t *testing.T) {
	m := New("kXR_open")
	m.SetStreamID(1)
	m.SessionID = 7
	c := m.Clone()
	c.SetStreamID(2)

	origSID, _ := m.StreamID()
	cloneSID, _ := c.StreamID()
	assert.Equal(t, uint16(1), origSID)
	assert.Equal(t, uint16(2), cloneSID)
	assert.Equal(t, m.VirtualRequestID, c.VirtualRequestID, "virtual request id is stable across clones/redirects")
	assert.Equal(t, uint64(7), c.SessionID)
}

func TestVirtualRequestIDStableAcrossRedirectLikeMutation(t *testing.T) {
	m := New("kXR_read")
	id := m.VirtualRequestID
	m.SetStreamID(5) // simulate redirect re-stamping a fresh sid
	assert.Equal(t, id, m.VirtualRequestID)
}
