// Package codec encodes and decodes msgpack-rpc message bodies.
//
// The envelope ([type, id]) is produced and consumed by the protocol
// package; this package handles the elements that follow it: method and
// params for requests and notifications, error and result for responses.
//
// Decoders are not buffered: reading a body from a stream stops at the
// body's last byte, leaving the next envelope unread.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"mpack-rpc/message"

	"github.com/ugorji/go/codec"
)

var (
	nilValue   = []byte{0xc0}
	emptyArray = []byte{0x90}
)

// Codec carries the msgpack handle shared by all encoders and decoders.
// It is safe for concurrent use.
type Codec struct {
	handle *codec.MsgpackHandle
}

// New returns a Codec that writes the current msgpack format (str8, bin) and
// decodes raw strings into Go strings.
func New() *Codec {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.PositiveIntUnsigned = true
	h.RawToString = true
	h.Raw = true
	return &Codec{handle: h}
}

// WriteRequest writes the method and params of a request or notification.
func (c *Codec) WriteRequest(w io.Writer, req *message.Request) error {
	enc := codec.NewEncoder(w, c.handle)
	if err := enc.Encode(req.Method); err != nil {
		return fmt.Errorf("codec: encode method: %w", err)
	}
	if err := enc.Encode(raw(req.Params, emptyArray)); err != nil {
		return fmt.Errorf("codec: encode params: %w", err)
	}
	return nil
}

// ReadRequest reads the method and params that follow a request or
// notification envelope.
func (c *Codec) ReadRequest(r io.Reader, req *message.Request) error {
	dec := codec.NewDecoder(r, c.handle)
	if err := dec.Decode(&req.Method); err != nil {
		return fmt.Errorf("codec: decode method: %w", err)
	}
	var params codec.Raw
	if err := dec.Decode(&params); err != nil {
		return fmt.Errorf("codec: decode params: %w", err)
	}
	req.Params = append([]byte(nil), params...)
	return nil
}

// WriteResponse writes the error and result of a response.
func (c *Codec) WriteResponse(w io.Writer, resp *message.Response) error {
	enc := codec.NewEncoder(w, c.handle)
	if err := enc.Encode(resp.Error); err != nil {
		return fmt.Errorf("codec: encode error: %w", err)
	}
	if err := enc.Encode(raw(resp.Result, nilValue)); err != nil {
		return fmt.Errorf("codec: encode result: %w", err)
	}
	return nil
}

// ReadResponse reads the error and result that follow a response envelope.
func (c *Codec) ReadResponse(r io.Reader, resp *message.Response) error {
	dec := codec.NewDecoder(r, c.handle)
	if err := dec.Decode(&resp.Error); err != nil {
		return fmt.Errorf("codec: decode error: %w", err)
	}
	var result codec.Raw
	if err := dec.Decode(&result); err != nil {
		return fmt.Errorf("codec: decode result: %w", err)
	}
	resp.Result = nil
	if !bytes.Equal(result, nilValue) {
		resp.Result = append([]byte(nil), result...)
	}
	return nil
}

// Skip reads and discards n msgpack values.
func (c *Codec) Skip(r io.Reader, n int) error {
	dec := codec.NewDecoder(r, c.handle)
	for i := 0; i < n; i++ {
		var v codec.Raw
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("codec: skip value: %w", err)
		}
	}
	return nil
}

// Marshal encodes v as a single msgpack value.
func (c *Codec) Marshal(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, c.handle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal decodes the msgpack value in b into v.
func (c *Codec) Unmarshal(b []byte, v any) error {
	if len(b) == 0 {
		b = nilValue
	}
	return codec.NewDecoderBytes(b, c.handle).Decode(v)
}

// Params encodes args as a params array.
func (c *Codec) Params(args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return c.Marshal(args)
}

// SplitParams returns the encoded elements of a params array.
func (c *Codec) SplitParams(params []byte) ([][]byte, error) {
	var elems []codec.Raw
	if err := c.Unmarshal(raw(params, emptyArray), &elems); err != nil {
		return nil, fmt.Errorf("codec: params are not an array: %w", err)
	}
	out := make([][]byte, len(elems))
	for i, e := range elems {
		out[i] = e
	}
	return out, nil
}

func raw(b, fallback []byte) codec.Raw {
	if len(b) == 0 {
		return fallback
	}
	return b
}
