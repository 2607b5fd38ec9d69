package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec selects the wire encoding of server -> client messages
type Codec uint8

const (
	CodecJSON Codec = iota
	CodecMsgpack
	numCodecs
)

// ParseCodec maps the ?codec= query value to a Codec. Empty means JSON.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "json":
		return CodecJSON, nil
	case "msgpack":
		return CodecMsgpack, nil
	}
	return CodecJSON, fmt.Errorf("unknown codec %q", s)
}

func (c Codec) String() string {
	switch c {
	case CodecJSON:
		return "json"
	case CodecMsgpack:
		return "msgpack"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// Binary reports whether frames of this codec go out as binary messages
func (c Codec) Binary() bool {
	return c == CodecMsgpack
}

// Marshal encodes v. MessagePack uses the json struct tags so both
// encodings share field names.
func (c Codec) Marshal(v any) ([]byte, error) {
	switch c {
	case CodecJSON:
		return json.Marshal(v)
	case CodecMsgpack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("marshal: %v", c)
}

// unmarshal is the inverse of Marshal
func (c Codec) unmarshal(data []byte, v any) error {
	switch c {
	case CodecJSON:
		return json.Unmarshal(data, v)
	case CodecMsgpack:
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.SetCustomStructTag("json")
		return dec.Decode(v)
	}
	return fmt.Errorf("unmarshal: %v", c)
}

// Frame is one outbound message shared by every recipient of a broadcast.
// Each codec's encoding is produced at most once.
type Frame struct {
	msg  any
	once [numCodecs]sync.Once
	data [numCodecs][]byte
	err  [numCodecs]error
}

// NewFrame wraps msg for delivery
func NewFrame(msg any) *Frame {
	return &Frame{msg: msg}
}

// Message returns the unencoded payload
func (f *Frame) Message() any {
	return f.msg
}

// Encode returns the frame bytes for codec c
func (f *Frame) Encode(c Codec) ([]byte, error) {
	if c >= numCodecs {
		return nil, fmt.Errorf("encode: %v", c)
	}
	f.once[c].Do(func() {
		f.data[c], f.err[c] = c.Marshal(f.msg)
	})
	return f.data[c], f.err[c]
}
