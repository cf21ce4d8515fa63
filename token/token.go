// Package token implements the msgpack token codec used by the rpc envelope.
//
// A token is one elementary unit of the msgpack grammar: a scalar (nil, bool,
// integer, float) or the header of a container or byte string (array, map,
// str, bin, ext). Payload bytes of str, bin and ext values follow their
// header token and are left to the caller.
//
// Reader and Writer are incremental: a token may be split across any number
// of buffers, in either direction.
package token

import (
	"errors"
	"fmt"
)

// Kind identifies the msgpack family of a token.
type Kind uint8

const (
	Nil Kind = iota
	Bool
	Uint
	Sint
	Float
	Str
	Bin
	Array
	Map
	Ext
)

var kindNames = [...]string{"nil", "bool", "uint", "sint", "float", "str", "bin", "array", "map", "ext"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Token is a decoded msgpack token.
//
// For Uint, Sint and Float, Length is the encoded width of the value in
// bytes (1 for fixints and 8-bit forms). For Array and Map it is the element
// or pair count; for Str, Bin and Ext the payload length in bytes.
//
// Value holds the unsigned value, the two's complement bits of a signed
// value, the IEEE bits of a float, 0 or 1 for Bool, and the type byte for Ext.
type Token struct {
	Kind   Kind
	Length uint32
	Value  uint64
}

var (
	// ErrShortBuffer reports that the buffer ran out before a token boundary.
	// It is a request for more input or output room, not a failure.
	ErrShortBuffer = errors.New("token: short buffer")
	ErrInvalidByte = errors.New("token: invalid leading byte")
)

// maxHeader is the largest encoded token: a 64-bit integer or float and its
// marker.
const maxHeader = 9

func NewArray(n uint32) Token { return Token{Kind: Array, Length: n} }

func NewMap(n uint32) Token { return Token{Kind: Map, Length: n} }

// NewUint returns an unsigned token whose Length is the smallest width that
// holds v.
func NewUint(v uint64) Token {
	return Token{Kind: Uint, Length: uintWidth(v), Value: v}
}

func NewBool(b bool) Token {
	if b {
		return Token{Kind: Bool, Length: 1, Value: 1}
	}
	return Token{Kind: Bool, Length: 1}
}

func NewNil() Token { return Token{Kind: Nil} }

// Int returns the signed value of a Sint token.
func (t Token) Int() int64 {
	return int64(t.Value)
}

func uintWidth(v uint64) uint32 {
	switch {
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffffff:
		return 4
	default:
		return 8
	}
}
