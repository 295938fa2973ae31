package kinesis

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncode_Short(t *testing.T) {
	cases := []struct {
		name string
		f    frame
		want []byte
	}{
		{"jog_forward", shortFrame(msgMotMoveJog, channel1, 0x01), []byte{0x6A, 0x04, 0x01, 0x01, 0x50, 0x01}},
		{"jog_backward", shortFrame(msgMotMoveJog, channel1, 0x02), []byte{0x6A, 0x04, 0x01, 0x02, 0x50, 0x01}},
		{"home", shortFrame(msgMotMoveHome, channel1, 0), []byte{0x43, 0x04, 0x01, 0x00, 0x50, 0x01}},
		{"req_info", shortFrame(msgHWReqInfo, 0, 0), []byte{0x05, 0x00, 0x00, 0x00, 0x50, 0x01}},
		{"enable", shortFrame(msgModSetChanEnable, channel1, 0x01), []byte{0x10, 0x02, 0x01, 0x01, 0x50, 0x01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.encode())
		})
	}
}

func TestFrameEncode_MoveAbsolute(t *testing.T) {
	got := dataFrame(msgMotMoveAbsolute, moveAbsoluteData(34304)).encode()
	want := []byte{
		0x53, 0x04, 0x06, 0x00, 0xD0, 0x01, // header, data length 6, dest 0x50|0x80
		0x01, 0x00, // channel 1
		0x00, 0x86, 0x00, 0x00, // 34304 counts
	}
	assert.Equal(t, want, got)
}

func TestFrameEncode_NegativeCounts(t *testing.T) {
	data := moveAbsoluteData(-1)
	assert.Equal(t, []byte{0x01, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}, data)
}

func TestJogParamsData(t *testing.T) {
	data := jogParamsData(1715, 0, 200, 800)
	require.Len(t, data, 22)
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[0:2]))
	assert.Equal(t, jogModeSingleStep, binary.LittleEndian.Uint16(data[2:4]))
	assert.Equal(t, uint32(1715), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, uint32(200), binary.LittleEndian.Uint32(data[12:16]))
	assert.Equal(t, uint32(800), binary.LittleEndian.Uint32(data[16:20]))
	assert.Equal(t, stopModeProfiled, binary.LittleEndian.Uint16(data[20:22]))
}

func TestReadFrame_RoundTrip(t *testing.T) {
	frames := []frame{
		shortFrame(msgMotMoveJog, channel1, 0x02),
		dataFrame(msgMotMoveAbsolute, moveAbsoluteData(-5000)),
		dataFrame(msgMotSetJogParams, jogParamsData(1, 2, 3, 4)),
	}
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f.encode())
	}
	for _, want := range frames {
		got, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Dest, got.Dest)
		assert.Equal(t, want.Source, got.Source)
		if len(want.Data) > 0 {
			assert.Equal(t, want.Data, got.Data)
		} else {
			assert.Equal(t, want.Param1, got.Param1)
			assert.Equal(t, want.Param2, got.Param2)
		}
	}
}

func TestReadFrame_OversizedData(t *testing.T) {
	hdr := []byte{0x64, 0x04, 0x00, 0x04, 0x81, 0x50} // 1024 bytes announced
	_, err := readFrame(bytes.NewReader(hdr))
	assert.Error(t, err)
}

func TestReadFrame_Truncated(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0x64, 0x04, 0x0E}))
	assert.Error(t, err)
}

func statusBlock(counts int32, bits uint32) []byte {
	b := make([]byte, 14)
	binary.LittleEndian.PutUint16(b[0:2], 1)
	binary.LittleEndian.PutUint32(b[2:6], uint32(counts))
	binary.LittleEndian.PutUint32(b[10:14], bits)
	return b
}

func TestStatusFields(t *testing.T) {
	counts, bits, err := statusFields(statusBlock(-34304, statusHomed|statusMovingFwd))
	require.NoError(t, err)
	assert.Equal(t, int32(-34304), counts)
	assert.NotZero(t, bits&statusHomed)
	assert.NotZero(t, bits&statusMotionMask)

	_, _, err = statusFields([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestParseHWInfo(t *testing.T) {
	data := make([]byte, 84)
	binary.LittleEndian.PutUint32(data[0:4], 27263196)
	copy(data[4:12], "KDC101")
	info, err := parseHWInfo(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(27263196), info.Serial)
	assert.Equal(t, "KDC101", info.Model)
}
