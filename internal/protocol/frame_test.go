package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeFrame_Layout(t *testing.T) {
	frame := EncodeFrame([]byte(`{"type":"auth","token":"t"}`))
	assert.Equal(t, []byte("POPPO"), frame[:5])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x1b}, frame[5:9])
	assert.Equal(t, `{"type":"auth","token":"t"}`, string(frame[9:]))
}

func TestDecodeFrame_Incomplete(t *testing.T) {
	frame := EncodeFrame([]byte("hello"))
	for cut := 0; cut < len(frame); cut++ {
		_, rest, ok, err := DecodeFrame(frame[:cut])
		require.NoError(t, err, "cut=%d", cut)
		assert.False(t, ok, "cut=%d", cut)
		assert.Equal(t, frame[:cut], rest)
	}
	payload, rest, ok, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(payload))
	assert.Empty(t, rest)
}

func TestDecodeFrame_BadMagic(t *testing.T) {
	_, _, _, err := DecodeFrame([]byte("NOTUS\x00\x00\x00\x01x"))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeFrame_TooLarge(t *testing.T) {
	frame := []byte("POPPO\xff\xff\xff\xff")
	_, _, _, err := DecodeFrame(frame)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// decode(encode(m) || x) = (m, x) for any byte suffix x.
func TestDecodeFrame_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(rt, "payload")
		suffix := rapid.SliceOfN(rapid.Byte(), 0, 128).Draw(rt, "suffix")

		buf := append(EncodeFrame(payload), suffix...)
		got, rest, ok, err := DecodeFrame(buf)
		if err != nil {
			rt.Fatal(err)
		}
		if !ok {
			rt.Fatalf("complete frame not decoded (payload %d bytes)", len(payload))
		}
		if !bytes.Equal(got, payload) {
			rt.Fatalf("payload mangled: %x != %x", got, payload)
		}
		if !bytes.Equal(rest, suffix) {
			rt.Fatalf("residual mangled: %x != %x", rest, suffix)
		}
	})
}

// Two frames concatenated in one write are both processed, in order,
// with no residual bytes.
func TestReadFrame_TwoFramesOneWrite(t *testing.T) {
	auth := []byte(`{"type":"auth","token":"t"}`)
	cmd := []byte(`{"type":"command","id":"1","command":"daemon.status"}`)
	stream := append(EncodeFrame(auth), EncodeFrame(cmd)...)

	r := bufio.NewReader(bytes.NewReader(stream))
	first, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, auth, first)

	second, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, cmd, second)

	_, err = r.ReadByte()
	assert.Error(t, err, "no residual bytes")
}

func TestMessage_EncodeCarriesEnvelope(t *testing.T) {
	m := newMessage(TypeCommand)
	m.Command = "queue.status"
	frame, err := m.Encode()
	require.NoError(t, err)

	payload, rest, ok, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rest)

	var decoded Message
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, TypeCommand, decoded.Type)
	assert.Equal(t, Version, decoded.Version)
	assert.NotEmpty(t, decoded.ID)
	assert.False(t, decoded.Timestamp.IsZero())
	assert.Equal(t, "queue.status", decoded.Command)
}
