package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single frame. Payloads above 1 MiB must be passed by
// reference (content-addressed URI in the job payload), not inline.
const maxFrameSize = 1 << 20

// frameHeaderSize is the fixed prefix: u32 length + u16 type.
const frameHeaderSize = 6

// ErrFrameTooLarge is returned when a peer announces a frame above
// maxFrameSize. The session is torn down; there is no way to resynchronise
// the stream after refusing a length.
var ErrFrameTooLarge = fmt.Errorf("transport: frame exceeds %d bytes", maxFrameSize)

// Codec encodes and decodes envelope and payload bodies.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecByName returns the codec a HELLO asked for. JSON is the default when
// the field is empty; unknown names are a protocol violation.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("transport: unknown codec %q", name)
	}
}

// Frame is one decoded wire frame.
type Frame struct {
	Type     MsgType
	Envelope Envelope
}

// ReadFrame reads and decodes a single frame from r using codec.
func ReadFrame(r io.Reader, codec Codec) (*Frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:4])
	if length < 2 {
		return nil, fmt.Errorf("transport: frame length %d below header", length)
	}
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	typ := MsgType(binary.LittleEndian.Uint16(header[4:6]))

	body := make([]byte, length-2)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	f := &Frame{Type: typ}
	if err := codec.Unmarshal(body, &f.Envelope); err != nil {
		return nil, fmt.Errorf("transport: decoding %s envelope: %w", typ, err)
	}
	return f, nil
}

// WriteFrame encodes and writes a single frame to w using codec.
func WriteFrame(w io.Writer, codec Codec, typ MsgType, env Envelope) error {
	body, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encoding %s envelope: %w", typ, err)
	}
	if len(body)+2 > maxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(body)+2))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(typ))
	copy(buf[frameHeaderSize:], body)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// EncodePayload marshals a typed payload for embedding in an envelope.
func EncodePayload(codec Codec, v any) ([]byte, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals an envelope payload into the typed struct.
func DecodePayload(codec Codec, raw []byte, v any) error {
	if err := codec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("transport: decoding payload: %w", err)
	}
	return nil
}
