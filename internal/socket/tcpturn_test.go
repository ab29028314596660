package socket

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFrameGoogle(t *testing.T) {
	payload := []byte("hello")
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)

	frame, rest, ok := splitFrame(buf, FramingGoogle)
	require.True(t, ok)
	assert.Equal(t, payload, frame)
	assert.Empty(t, rest)
}

func TestSplitFrameGoogleIncomplete(t *testing.T) {
	buf := []byte{0x00, 0x05, 'h', 'e'}
	_, _, ok := splitFrame(buf, FramingGoogle)
	assert.False(t, ok)
}

func TestSplitFrameRFC5766Padding(t *testing.T) {
	// ChannelData header (channel number >= 0x4000) + 3-byte payload,
	// which needs one padding byte to reach a 4-byte boundary.
	payload := []byte{0x01, 0x02, 0x03}
	buf := make([]byte, 4+len(payload)+1)
	binary.BigEndian.PutUint16(buf[0:2], 0x4000)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)

	frame, rest, ok := splitFrame(buf, FramingRFC5766)
	require.True(t, ok)
	assert.Equal(t, payload, frame[4:])
	assert.Empty(t, rest)
}
