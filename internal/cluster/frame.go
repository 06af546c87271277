// Package cluster defines the binary-framed control protocol spoken between
// the master and its workers. Frames travel as HTTP POST bodies with
// Content-Type application/octet-stream on fixed /internal/ paths.
package cluster

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Magic identifies a frame as belonging to this protocol ("OAIC").
const Magic uint32 = 0x4F414943

// ProtocolVersion is the only version this implementation speaks.
const ProtocolVersion uint32 = 1

// HeaderSize is the fixed length of the frame header in bytes.
const HeaderSize = 16

// ContentType is the media type frames are posted under.
const ContentType = "application/octet-stream"

// MessageType discriminates control frames.
type MessageType uint32

const (
	MsgHandshake MessageType = iota + 1
	MsgHandshakeAck
	MsgRegisterModel
	MsgRegisterAck
	MsgHeartbeat
	MsgHeartbeatAck
	MsgForwardRequest
	MsgForwardResponse
	MsgError
	MsgDisconnect
)

// ModelType tags the modality of a registered or forwarded model.
type ModelType uint32

const (
	ModelChat ModelType = iota + 1
	ModelEmbedding
	ModelASR
	ModelTTS
	ModelImageGen
)

var (
	// ErrShortFrame is returned for bodies smaller than the header.
	ErrShortFrame = errors.New("cluster: frame shorter than header")
	// ErrBadMagic is returned when the magic or version does not match.
	ErrBadMagic = errors.New("cluster: invalid magic or version")
	// ErrTruncated is returned when the payload is shorter than declared.
	ErrTruncated = errors.New("cluster: truncated payload")
)

// EncodeFrame serializes a frame: 16-byte little-endian header followed by
// the JSON payload. A nil payload encodes as an empty object.
func EncodeFrame(t MessageType, payload any) ([]byte, error) {
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode frame payload: %w", err)
		}
	}
	out := make([]byte, HeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], ProtocolVersion)
	binary.LittleEndian.PutUint32(out[8:12], uint32(t))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out, nil
}

// DecodeFrame validates the header and returns the message type and the raw
// JSON payload.
func DecodeFrame(b []byte) (MessageType, []byte, error) {
	if len(b) < HeaderSize {
		return 0, nil, ErrShortFrame
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	version := binary.LittleEndian.Uint32(b[4:8])
	if magic != Magic || version != ProtocolVersion {
		return 0, nil, ErrBadMagic
	}
	t := MessageType(binary.LittleEndian.Uint32(b[8:12]))
	n := binary.LittleEndian.Uint32(b[12:16])
	if uint32(len(b)-HeaderSize) < n {
		return 0, nil, ErrTruncated
	}
	return t, b[HeaderSize : HeaderSize+int(n)], nil
}
