package transport

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, err := CodecByName(name)
			require.NoError(t, err)

			payload, err := EncodePayload(codec, ProgressPayload{
				JobID:    "0198f6a2-2b1c-7e55-9f00-000000000001",
				Progress: 42,
			})
			require.NoError(t, err)

			env := Envelope{
				MsgID:   NewMsgID(time.Now().UnixMilli()),
				CorrID:  "abc",
				TS:      time.Now().UnixMilli(),
				Payload: payload,
			}

			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, codec, MsgProgress, env))

			got, err := ReadFrame(&buf, codec)
			require.NoError(t, err)
			assert.Equal(t, MsgProgress, got.Type)
			assert.Equal(t, env.MsgID, got.Envelope.MsgID)
			assert.Equal(t, env.CorrID, got.Envelope.CorrID)

			var progress ProgressPayload
			require.NoError(t, DecodePayload(codec, got.Envelope.Payload, &progress))
			assert.Equal(t, 42, progress.Progress)
		})
	}
}

func TestFrameLengthCoversTypeAndBody(t *testing.T) {
	codec := jsonCodec{}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, codec, MsgPing, Envelope{MsgID: "m", TS: 1}))

	raw := buf.Bytes()
	length := binary.LittleEndian.Uint32(raw[:4])
	assert.EqualValues(t, len(raw)-4, length, "length prefix covers type and body")
	assert.EqualValues(t, MsgPing, binary.LittleEndian.Uint16(raw[4:6]))
}

func TestReadFrameRejectsOversizedAnnouncement(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], maxFrameSize+1)
	binary.LittleEndian.PutUint16(header[4:6], uint16(MsgHello))
	buf.Write(header)

	_, err := ReadFrame(&buf, jsonCodec{})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRejectsUndersizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], 1) // below the type word
	buf.Write(header)

	_, err := ReadFrame(&buf, jsonCodec{})
	assert.Error(t, err)
}

func TestWriteFrameRejectsOversizedBody(t *testing.T) {
	env := Envelope{MsgID: "m", Payload: bytes.Repeat([]byte("x"), maxFrameSize)}
	err := WriteFrame(&bytes.Buffer{}, jsonCodec{}, MsgResult, env)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCodecByName(t *testing.T) {
	codec, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", codec.Name(), "empty defaults to json")

	codec, err = CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", codec.Name())

	_, err = CodecByName("cbor")
	assert.Error(t, err)
}

func TestNewMsgIDOrdering(t *testing.T) {
	ids := []string{
		NewMsgID(1_000),
		NewMsgID(2_000),
		NewMsgID(3_000),
	}
	for _, id := range ids {
		assert.Len(t, id, 32)
	}
	assert.True(t, sort.StringsAreSorted(ids), "string order follows timestamp order")
}
