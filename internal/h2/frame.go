// Package h2 implements the HTTP/2 connection engine: the 9-byte frame
// codec, HPACK static+dynamic table encode/decode, the stream state
// machine, and per-stream/connection flow control.
package h2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies an HTTP/2 frame type (RFC 7540 §11.2).
type FrameType uint8

// Frame types supported by this engine.
const (
	FrameData         FrameType = 0x0
	FrameHeaders       FrameType = 0x1
	FramePriority      FrameType = 0x2
	FrameRSTStream     FrameType = 0x3
	FrameSettings      FrameType = 0x4
	FramePushPromise   FrameType = 0x5
	FramePing          FrameType = 0x6
	FrameGoAway        FrameType = 0x7
	FrameWindowUpdate  FrameType = 0x8
	FrameContinuation  FrameType = 0x9
)

// Flags for HEADERS/DATA/SETTINGS/PING frames.
const (
	FlagEndStream  uint8 = 0x1
	FlagEndHeaders uint8 = 0x4
	FlagPadded     uint8 = 0x8
	FlagPriority   uint8 = 0x20
	FlagAck        uint8 = 0x1 // SETTINGS_ACK / PING_ACK
)

// ErrCode is an HTTP/2 error code (RFC 7540 §7).
type ErrCode uint32

// Error codes per RFC 7540 §7.
const (
	ErrCodeNo                ErrCode = 0x0
	ErrCodeProtocol          ErrCode = 0x1
	ErrCodeInternal          ErrCode = 0x2
	ErrCodeFlowControl       ErrCode = 0x3
	ErrCodeSettingsTimeout   ErrCode = 0x4
	ErrCodeStreamClosed      ErrCode = 0x5
	ErrCodeFrameSize         ErrCode = 0x6
	ErrCodeRefusedStream     ErrCode = 0x7
	ErrCodeCancel            ErrCode = 0x8
	ErrCodeCompression       ErrCode = 0x9
	ErrCodeConnect           ErrCode = 0xa
	ErrCodeEnhanceYourCalm   ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
)

// MaxFramePayload is the RFC-maximum frame payload (16 MiB - 1).
const MaxFramePayload = 16*1024*1024 - 1

// FrameHeader is the fixed 9-byte frame header.
type FrameHeader struct {
	Length   uint32 // 24-bit
	Type     FrameType
	Flags    uint8
	StreamID uint32 // 31-bit, reserved bit always 0
}

// ReadFrameHeader reads and decodes a 9-byte frame header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FrameHeader{}, err
	}
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	streamID := binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff
	return FrameHeader{
		Length:   length,
		Type:     FrameType(buf[3]),
		Flags:    buf[4],
		StreamID: streamID,
	}, nil
}

// WriteFrame writes a complete frame (header + payload) to w.
func WriteFrame(w io.Writer, typ FrameType, flags uint8, streamID uint32, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("h2: frame payload %d exceeds max %d", len(payload), MaxFramePayload)
	}
	var header [9]byte
	length := uint32(len(payload))
	header[0] = byte(length >> 16)
	header[1] = byte(length >> 8)
	header[2] = byte(length)
	header[3] = byte(typ)
	header[4] = flags
	binary.BigEndian.PutUint32(header[5:9], streamID&0x7fffffff)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteSettings encodes a SETTINGS frame body from an ordered list of
// (id, value) pairs and writes it.
func WriteSettings(w io.Writer, settings []Setting, ack bool) error {
	flags := uint8(0)
	if ack {
		flags = FlagAck
	}
	payload := make([]byte, 0, len(settings)*6)
	for _, s := range settings {
		var b [6]byte
		binary.BigEndian.PutUint16(b[0:2], uint16(s.ID))
		binary.BigEndian.PutUint32(b[2:6], s.Value)
		payload = append(payload, b[:]...)
	}
	return WriteFrame(w, FrameSettings, flags, 0, payload)
}

// Setting is one SETTINGS frame parameter.
type Setting struct {
	ID    SettingID
	Value uint32
}

// SettingID identifies a SETTINGS parameter (RFC 7540 §11.3).
type SettingID uint16

// Settings IDs exchanged during connection bootstrap.
const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// ParseSettingsPayload decodes a SETTINGS frame payload into a slice of
// Setting. Unrecognized ids are retained here rather than dropped; the
// caller decides whether to apply or ignore them.
func ParseSettingsPayload(payload []byte) ([]Setting, error) {
	if len(payload)%6 != 0 {
		return nil, fmt.Errorf("h2: malformed SETTINGS payload length %d", len(payload))
	}
	out := make([]Setting, 0, len(payload)/6)
	for i := 0; i < len(payload); i += 6 {
		id := SettingID(binary.BigEndian.Uint16(payload[i : i+2]))
		val := binary.BigEndian.Uint32(payload[i+2 : i+6])
		out = append(out, Setting{ID: id, Value: val})
	}
	return out, nil
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame.
func WriteWindowUpdate(w io.Writer, streamID uint32, increment uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], increment&0x7fffffff)
	return WriteFrame(w, FrameWindowUpdate, 0, streamID, payload[:])
}

// ParseWindowUpdatePayload decodes a WINDOW_UPDATE payload into its
// increment.
func ParseWindowUpdatePayload(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("h2: malformed WINDOW_UPDATE length %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload) & 0x7fffffff, nil
}

// WriteGoAway writes a GOAWAY frame.
func WriteGoAway(w io.Writer, lastStreamID uint32, code ErrCode, debug []byte) error {
	payload := make([]byte, 8+len(debug))
	binary.BigEndian.PutUint32(payload[0:4], lastStreamID&0x7fffffff)
	binary.BigEndian.PutUint32(payload[4:8], uint32(code))
	copy(payload[8:], debug)
	return WriteFrame(w, FrameGoAway, 0, 0, payload)
}

// WriteRSTStream writes an RST_STREAM frame.
func WriteRSTStream(w io.Writer, streamID uint32, code ErrCode) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code))
	return WriteFrame(w, FrameRSTStream, 0, streamID, payload[:])
}

// ParseRSTStreamPayload decodes an RST_STREAM payload.
func ParseRSTStreamPayload(payload []byte) (ErrCode, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("h2: malformed RST_STREAM length %d", len(payload))
	}
	return ErrCode(binary.BigEndian.Uint32(payload)), nil
}

// WritePing writes a PING frame with an 8-byte payload.
func WritePing(w io.Writer, data [8]byte, ack bool) error {
	flags := uint8(0)
	if ack {
		flags = FlagAck
	}
	return WriteFrame(w, FramePing, flags, 0, data[:])
}
