// Package wire frames the messages exchanged between the producer, the
// backend and session clients.
//
// Each message is a google.protobuf.Struct with a string "type" field,
// written with a varint length prefix (protodelim). Blocking peers use
// WriteFrame and ReadFrame; handlers on the non-blocking event loop append
// frames to their own buffers and parse input with a Decoder.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 1 << 20

// Message types.
const (
	TypeRegister        = "register"
	TypeStartDataSource = "start_data_source"
	TypeStopDataSource  = "stop_data_source"
	TypeSessionStarted  = "session_started"
	TypeSessionEnded    = "session_ended"
	TypeHello           = "hello"
	TypeAck             = "ack"
	TypeReject          = "reject"
	TypeRecord          = "record"
)

// Record kinds.
const (
	KindAlloc = "alloc"
	KindFree  = "free"
)

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Fields carries the payload of a message besides its type.
type Fields map[string]any

// NewMessage builds a typed message.
func NewMessage(typ string, fields Fields) (*structpb.Struct, error) {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["type"] = typ
	msg, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build %s message: %w", typ, err)
	}
	return msg, nil
}

// Type returns the message type, or "" if absent.
func Type(msg *structpb.Struct) string {
	return String(msg, "type")
}

// String returns a string field, or "" if absent.
func String(msg *structpb.Struct, key string) string {
	if v, ok := msg.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

// FormatUint encodes v for a Uint field. structpb numbers are float64, so
// 64-bit values such as addresses travel as decimal strings.
func FormatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// Uint returns a field written with FormatUint. ok is false when the field is
// absent or not a decimal uint64.
func Uint(msg *structpb.Struct, key string) (v uint64, ok bool) {
	s := String(msg, key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Int returns a numeric field truncated to int64, or 0 if absent.
func Int(msg *structpb.Struct, key string) int64 {
	if v, ok := msg.GetFields()[key]; ok {
		return int64(v.GetNumberValue())
	}
	return 0
}

// WriteFrame writes one length-delimited message.
func WriteFrame(w io.Writer, msg *structpb.Struct) error {
	if _, err := protodelim.MarshalTo(w, msg); err != nil {
		return fmt.Errorf("write %s frame: %w", Type(msg), err)
	}
	return nil
}

// ReadFrame reads one length-delimited message.
func ReadFrame(r protodelim.Reader) (*structpb.Struct, error) {
	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{MaxSize: MaxFrameSize}
	if err := opts.UnmarshalFrom(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// AppendFrame appends one length-delimited message to buf.
func AppendFrame(buf []byte, msg *structpb.Struct) ([]byte, error) {
	size := proto.Size(msg)
	if size > MaxFrameSize {
		return buf, ErrFrameTooLarge
	}
	buf = binary.AppendUvarint(buf, uint64(size))
	return proto.MarshalOptions{}.MarshalAppend(buf, msg)
}

// Decoder reassembles frames from bytes read off a non-blocking socket.
type Decoder struct {
	buf []byte
}

// Feed appends received bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next pops the next complete message. It returns (nil, nil) when more input is needed.
func (d *Decoder) Next() (*structpb.Struct, error) {
	size, n := binary.Uvarint(d.buf)
	if n == 0 {
		return nil, nil
	}
	if n < 0 || size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	end := n + int(size)
	if len(d.buf) < end {
		return nil, nil
	}

	msg := &structpb.Struct{}
	if err := proto.Unmarshal(d.buf[n:end], msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	d.buf = d.buf[end:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return msg, nil
}
