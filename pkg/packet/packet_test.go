package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayouts(t *testing.T) {
	payload := []byte{0xaa, 0xbb, 0xcc}
	id := PayloadID{BlockID: 0x01020304, SymbolID: 0x05060708}

	head := AppendFrame(nil, id, payload)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 0xaa, 0xbb, 0xcc}, head)

	tail := AppendTrailerFrame(nil, id, payload)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 1, 2, 3, 4, 5, 6, 7, 8}, tail)

	gotID, gotPayload, err := ParseTrailerFrame(tail, len(payload))
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, payload, gotPayload)
}

func TestParseTrailerFrameLength(t *testing.T) {
	_, _, err := ParseTrailerFrame([]byte{1, 2, 3}, 0)
	assert.Error(t, err)

	_, _, err = ParseTrailerFrame(make([]byte, 12), 5)
	assert.Error(t, err)
}

func TestReframeAll(t *testing.T) {
	var buf []byte
	for i := uint32(0); i < 3; i++ {
		buf = AppendFrame(buf, PayloadID{BlockID: 9, SymbolID: i}, bytes.Repeat([]byte{byte(i)}, 4))
	}

	frames, err := ReframeAll(buf, 4)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, f := range frames {
		id, payload, err := ParseTrailerFrame(f, 4)
		require.NoError(t, err)
		assert.Equal(t, PayloadID{BlockID: 9, SymbolID: uint32(i)}, id)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 4), payload)
	}

	_, err = SplitFrames(buf[:len(buf)-1], 4)
	assert.Error(t, err)
}
