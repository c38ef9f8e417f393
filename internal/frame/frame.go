// Package frame implements the upstream dialogue service's binary envelope:
// a 4-byte header followed by variable fields selected by the header's
// nibbles. The codec is pure — no I/O, no logging — so it can be exercised
// with plain table-driven tests and safely called from the upstream read
// loop without ever panicking on garbage bytes.
package frame

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
)

// message types (header byte 1, high nibble)
const (
	TypeClientFullRequest  byte = 0x1
	TypeClientAudioOnly    byte = 0x2
	TypeServerFullResponse byte = 0x9
	TypeServerAck          byte = 0xB
	TypeServerError        byte = 0xF
)

// type-specific flag bits (header byte 1, low nibble)
const (
	FlagPositiveSequence byte = 0b0001
	FlagNegativeSequence byte = 0b0010 // also the audio "tail" marker
	FlagEvent            byte = 0b0100
)

// serializations (header byte 2, high nibble)
const (
	SerializationNone byte = 0x0
	SerializationJSON byte = 0x1
)

// compressions (header byte 2, low nibble)
const (
	CompressionNone byte = 0x0
	CompressionGzip byte = 0x1
)

const (
	protocolVersion  byte = 0x1
	headerSizeUnits  byte = 0x1 // 1 unit of 4 bytes
	headerSizeBytes       = 4
)

// Frame is the in-memory representation of one upstream message. Payload
// holds exactly one of Fields (decoded JSON object), Raw (opaque bytes), or
// Text (decoded UTF-8), matching the "dynamic payload typing" boundary: it
// is narrowed to a concrete shape once, by whichever rule needs it.
type Frame struct {
	MessageType  byte
	Flags        byte
	Serializer   byte
	Compressor   byte
	Event        int32 // valid only when HasEvent
	HasEvent     bool
	SessionID    string
	HasSessionID bool
	Sequence     int32
	HasSequence  bool
	ErrorCode    uint32
	HasErrorCode bool

	Fields map[string]any
	Raw    []byte
	Text   string
}

// Encode serializes a frame following the encoding order: header, optional
// event, optional session id, payload length, payload. The session id length
// is written whenever a session id is given, and always for server-full-response
// and server-ack frames (zero when there is no id), since Decode reads that
// field unconditionally for those types.
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer

	header := [headerSizeBytes]byte{
		protocolVersion<<4 | headerSizeUnits,
		f.MessageType<<4 | f.Flags,
		f.Serializer<<4 | f.Compressor,
		0,
	}
	buf.Write(header[:])

	if f.Flags&FlagEvent != 0 {
		var eventBytes [4]byte
		binary.BigEndian.PutUint32(eventBytes[:], uint32(f.Event))
		buf.Write(eventBytes[:])
	}

	if f.HasSessionID || f.MessageType == TypeServerFullResponse || f.MessageType == TypeServerAck {
		var idBytes []byte
		if f.HasSessionID {
			idBytes = []byte(f.SessionID)
		}

		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(int32(len(idBytes))))
		buf.Write(lenBytes[:])
		buf.Write(idBytes)
	}

	payload, err := encodePayload(f)
	if err != nil {
		return nil, err
	}

	var payloadLen [4]byte
	binary.BigEndian.PutUint32(payloadLen[:], uint32(len(payload)))
	buf.Write(payloadLen[:])
	buf.Write(payload)

	return buf.Bytes(), nil
}

func encodePayload(f Frame) ([]byte, error) {
	var payload []byte

	switch f.Serializer {
	case SerializationJSON:
		encoded, err := json.Marshal(f.Fields)
		if err != nil {
			return nil, err
		}

		payload = encoded
	default:
		payload = f.Raw
	}

	if f.Compressor == CompressionGzip {
		return gzipData(payload)
	}

	return payload, nil
}

func gzipData(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		w.Close() //nolint:errcheck,gosec // best-effort cleanup after write error
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func gunzipData(data []byte) ([]byte, bool) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, false
	}

	return out, true
}

// Decode parses a server-bound frame. It never panics or returns an error
// for malformed input: the second return value reports whether a frame
// could be recovered at all, so read loops can skip bad bytes safely.
func Decode(data []byte) (*Frame, bool) {
	if len(data) < headerSizeBytes {
		return nil, false
	}

	headerUnits := data[0] & 0x0F
	headerLen := int(headerUnits) * headerSizeBytes
	if headerLen < headerSizeBytes {
		headerLen = headerSizeBytes
	}

	if len(data) < headerLen {
		return nil, false
	}

	f := &Frame{
		MessageType: data[1] >> 4,
		Flags:       data[1] & 0x0F,
		Serializer:  data[2] >> 4,
		Compressor:  data[2] & 0x0F,
	}

	rest := data[headerLen:]

	switch f.MessageType {
	case TypeServerFullResponse, TypeServerAck:
		return decodeResponse(f, rest)
	case TypeServerError:
		return decodeError(f, rest)
	default:
		return nil, false
	}
}

func decodeResponse(f *Frame, data []byte) (*Frame, bool) {
	if f.Flags&FlagNegativeSequence != 0 {
		seq, tail, ok := readInt32(data)
		if !ok {
			return nil, false
		}

		f.Sequence = seq
		f.HasSequence = true
		data = tail
	}

	if f.Flags&FlagEvent != 0 {
		event, tail, ok := readInt32(data)
		if !ok {
			return nil, false
		}

		f.Event = event
		f.HasEvent = true
		data = tail
	}

	sessionLen, tail, ok := readInt32(data)
	if !ok {
		return nil, false
	}

	data = tail

	if sessionLen > 0 {
		if len(data) < int(sessionLen) {
			return nil, false
		}

		f.SessionID = string(data[:sessionLen])
		f.HasSessionID = true
		data = data[sessionLen:]
	}

	payloadLen, tail, ok := readUint32(data)
	if !ok {
		return nil, false
	}

	data = tail

	if uint32(len(data)) < payloadLen {
		return nil, false
	}

	decodePayload(f, data[:payloadLen])

	return f, true
}

func decodeError(f *Frame, data []byte) (*Frame, bool) {
	code, tail, ok := readUint32(data)
	if !ok {
		return nil, false
	}

	f.ErrorCode = code
	f.HasErrorCode = true
	data = tail

	payloadLen, tail, ok := readUint32(data)
	if !ok {
		return nil, false
	}

	data = tail

	if uint32(len(data)) < payloadLen {
		return nil, false
	}

	decodePayload(f, data[:payloadLen])

	return f, true
}

func decodePayload(f *Frame, payload []byte) {
	if f.Compressor == CompressionGzip {
		if unzipped, ok := gunzipData(payload); ok {
			payload = unzipped
		}
		// gzip failure: surface the raw bytes rather than failing the frame
	}

	if f.Serializer == SerializationJSON {
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err == nil {
			f.Fields = fields
			return
		}
		// JSON parse failure: surface UTF-8 text instead
		f.Text = string(payload)
		return
	}

	f.Raw = payload
}

func readInt32(data []byte) (int32, []byte, bool) {
	if len(data) < 4 {
		return 0, nil, false
	}

	return int32(binary.BigEndian.Uint32(data)), data[4:], true
}

func readUint32(data []byte) (uint32, []byte, bool) {
	if len(data) < 4 {
		return 0, nil, false
	}

	return binary.BigEndian.Uint32(data), data[4:], true
}
