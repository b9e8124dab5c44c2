package xbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStringRoundTrip(t *testing.T) {
	s := "kXR_open payload"
	b := FromString(s)
	assert.Equal(t, s, b.String())
	assert.Equal(t, len(s), b.GetSize())
}

func TestCursorAdvanceAndBounds(t *testing.T) {
	b := FromString("ABCDEF")
	require.NoError(t, b.AdvanceCursor(3))
	assert.Equal(t, 3, b.GetCursor())
	assert.Equal(t, []byte("DEF"), b.GetBufferAtCursor())

	err := b.AdvanceCursor(100)
	assert.Error(t, err)
	// a failed advance must not move the cursor
	assert.Equal(t, 3, b.GetCursor())
}

func TestAppendGrowsBuffer(t *testing.T) {
	b := Allocate(4)
	b.Append([]byte("HELLO"))
	assert.Equal(t, 5, b.GetSize())
	assert.Equal(t, "HELLO", b.String())
}

func TestAppendAtOffsetDoesNotMoveCursor(t *testing.T) {
	b := FromString("0000")
	require.NoError(t, b.SetCursor(2))
	b.AppendAt([]byte("XY"), 0)
	assert.Equal(t, "XY00", b.String())
	assert.Equal(t, 2, b.GetCursor())
}

func TestReallocateTruncatesCursor(t *testing.T) {
	b := FromString("ABCDEFGH")
	require.NoError(t, b.SetCursor(6))
	b.Reallocate(4)
	assert.Equal(t, 4, b.GetCursor())
	assert.Equal(t, "ABCD", b.String())
}

func TestZeroPreservesSize(t *testing.T) {
	b := FromString("ABCDEF")
	b.Zero()
	assert.Equal(t, 6, b.GetSize())
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0}, b.Bytes())
}
