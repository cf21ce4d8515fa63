package token

import (
	"encoding/binary"
	"math"

	"github.com/tinylib/msgp/msgp"
)

// Writer encodes msgpack tokens into successive byte buffers.
// The zero value is ready to use.
type Writer struct {
	pending [maxHeader]byte
	off     int
	plen    int
}

// Write encodes tok into buf using the smallest msgpack form and reports how
// many bytes were written. When buf is too small the remainder is kept and
// ErrShortBuffer is returned; call Flush with more room before the next Write.
func (w *Writer) Write(buf []byte, tok Token) (int, error) {
	var scratch [maxHeader]byte
	enc := Append(scratch[:0], tok)
	n := copy(buf, enc)
	if n == len(enc) {
		return n, nil
	}
	w.plen = copy(w.pending[:], enc[n:])
	w.off = 0
	return n, ErrShortBuffer
}

// Pending reports whether part of the last token is still unwritten.
func (w *Writer) Pending() bool {
	return w.off < w.plen
}

// Flush writes the unwritten part of the last token. It returns
// ErrShortBuffer if buf was still too small.
func (w *Writer) Flush(buf []byte) (int, error) {
	n := copy(buf, w.pending[w.off:w.plen])
	w.off += n
	if w.off < w.plen {
		return n, ErrShortBuffer
	}
	w.off, w.plen = 0, 0
	return n, nil
}

// Reset drops any unwritten bytes.
func (w *Writer) Reset() {
	w.off, w.plen = 0, 0
}

// Append encodes tok onto dst.
func Append(dst []byte, tok Token) []byte {
	switch tok.Kind {
	case Nil:
		return msgp.AppendNil(dst)
	case Bool:
		return msgp.AppendBool(dst, tok.Value != 0)
	case Uint:
		return msgp.AppendUint64(dst, tok.Value)
	case Sint:
		return msgp.AppendInt64(dst, tok.Int())
	case Float:
		if tok.Length == 4 {
			return msgp.AppendFloat32(dst, math.Float32frombits(uint32(tok.Value)))
		}
		return msgp.AppendFloat64(dst, math.Float64frombits(tok.Value))
	case Str:
		// msgp has no header-only str writer.
		if tok.Length <= 31 {
			return append(dst, 0xa0|byte(tok.Length))
		}
		return appendLength(dst, tok.Length, 0xd9, 0xda, 0xdb)
	case Bin:
		return msgp.AppendBytesHeader(dst, tok.Length)
	case Array:
		return msgp.AppendArrayHeader(dst, tok.Length)
	case Map:
		return msgp.AppendMapHeader(dst, tok.Length)
	default: // Ext; msgp only writes whole extensions
		switch tok.Length {
		case 1, 2, 4, 8, 16:
			return append(dst, 0xd4+byte(bitsLen(tok.Length)), byte(tok.Value))
		}
		dst = appendLength(dst, tok.Length, 0xc7, 0xc8, 0xc9)
		return append(dst, byte(tok.Value))
	}
}

// appendLength writes a length-prefixed header choosing the 8, 16 or 32 bit
// marker.
func appendLength(dst []byte, n uint32, m8, m16, m32 byte) []byte {
	switch {
	case n <= 0xff:
		return append(dst, m8, byte(n))
	case n <= 0xffff:
		return binary.BigEndian.AppendUint16(append(dst, m16), uint16(n))
	default:
		return binary.BigEndian.AppendUint32(append(dst, m32), n)
	}
}

func bitsLen(n uint32) int {
	i := 0
	for n > 1 {
		n >>= 1
		i++
	}
	return i
}
