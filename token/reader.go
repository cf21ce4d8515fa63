package token

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/tinylib/msgp/msgp"
)

// Reader decodes msgpack tokens from successive byte buffers.
// The zero value is ready to use.
type Reader struct {
	pending [maxHeader]byte
	plen    int
}

// Read decodes one token from buf and reports how many bytes it consumed.
//
// When buf ends inside a token, the available bytes are consumed and kept,
// and ErrShortBuffer is returned; the next call continues the same token.
func (r *Reader) Read(buf []byte) (Token, int, error) {
	if len(buf) == 0 {
		return Token{}, 0, ErrShortBuffer
	}

	if r.plen == 0 {
		tok, size, err := parse(buf)
		if !errors.Is(err, ErrShortBuffer) {
			return tok, size, err
		}
		// A token never exceeds maxHeader, so a short buf always fits.
		r.plen = copy(r.pending[:], buf)
		return Token{}, len(buf), ErrShortBuffer
	}

	n := copy(r.pending[r.plen:], buf)
	tok, size, err := parse(r.pending[:r.plen+n])
	if errors.Is(err, ErrShortBuffer) {
		r.plen += n
		return Token{}, n, ErrShortBuffer
	}
	used := size - r.plen
	r.plen = 0
	if err != nil {
		return Token{}, n, err
	}
	return tok, used, nil
}

// Buffered reports whether a partial token is held from a previous call.
func (r *Reader) Buffered() bool {
	return r.plen > 0
}

// Reset drops any partial token.
func (r *Reader) Reset() {
	r.plen = 0
}

// parse decodes the token at the start of b and returns its encoded size.
func parse(b []byte) (Token, int, error) {
	var (
		tok Token
		o   []byte
		err error
	)
	switch c := b[0]; {
	case c <= 0x7f || (c >= 0xcc && c <= 0xcf):
		tok.Kind = Uint
		tok.Value, o, err = msgp.ReadUint64Bytes(b)
	case c >= 0xe0 || (c >= 0xd0 && c <= 0xd3):
		var v int64
		v, o, err = msgp.ReadInt64Bytes(b)
		tok = Token{Kind: Sint, Value: uint64(v)}
	case c <= 0x8f || c == 0xde || c == 0xdf:
		tok.Kind = Map
		tok.Length, o, err = msgp.ReadMapHeaderBytes(b)
	case c <= 0x9f || c == 0xdc || c == 0xdd:
		tok.Kind = Array
		tok.Length, o, err = msgp.ReadArrayHeaderBytes(b)
	case c <= 0xbf || (c >= 0xd9 && c <= 0xdb):
		tok.Kind = Str
		tok.Length, o, err = msgp.ReadStringHeaderBytes(b)
	case c >= 0xc4 && c <= 0xc6:
		tok.Kind = Bin
		tok.Length, o, err = msgp.ReadBytesHeader(b)
	case c == 0xc0:
		tok.Kind = Nil
		o, err = msgp.ReadNilBytes(b)
	case c == 0xc2 || c == 0xc3:
		var v bool
		v, o, err = msgp.ReadBoolBytes(b)
		tok = NewBool(v)
	case c == 0xca:
		var f float32
		f, o, err = msgp.ReadFloat32Bytes(b)
		tok = Token{Kind: Float, Length: 4, Value: uint64(math.Float32bits(f))}
	case c == 0xcb:
		var f float64
		f, o, err = msgp.ReadFloat64Bytes(b)
		tok = Token{Kind: Float, Length: 8, Value: math.Float64bits(f)}
	case c == 0xc1:
		return Token{}, 1, ErrInvalidByte
	default:
		return parseExt(b)
	}

	if errors.Is(err, msgp.ErrShortBytes) {
		return Token{}, 0, ErrShortBuffer
	}
	if err != nil {
		return Token{}, 0, err
	}
	size := len(b) - len(o)
	if tok.Kind == Uint || tok.Kind == Sint {
		tok.Length = uint32(max(size-1, 1))
	}
	return tok, size, nil
}

// parseExt decodes an ext header. msgp only reads whole extensions, payload
// included, so the header layout is decoded here.
func parseExt(b []byte) (Token, int, error) {
	c := b[0]
	size := 2
	switch c {
	case 0xc7:
		size = 3
	case 0xc8:
		size = 4
	case 0xc9:
		size = 6
	}
	if len(b) < size {
		return Token{}, 0, ErrShortBuffer
	}

	tok := Token{Kind: Ext, Value: uint64(b[size-1])}
	switch c {
	case 0xc7:
		tok.Length = uint32(b[1])
	case 0xc8:
		tok.Length = uint32(binary.BigEndian.Uint16(b[1:]))
	case 0xc9:
		tok.Length = binary.BigEndian.Uint32(b[1:])
	default: // fixext 1, 2, 4, 8, 16
		tok.Length = 1 << (c - 0xd4)
	}
	return tok, size, nil
}
