package wire

import (
	"encoding/binary"
	"math"

	"github.com/sheerbytes/deskwire/pkg/caps"
)

// builder accumulates a payload in big-endian order.
type builder struct {
	buf []byte
}

func (b *builder) u8(v uint8)   { b.buf = append(b.buf, v) }
func (b *builder) i16(v int16)  { b.u16(uint16(v)) }
func (b *builder) i32(v int32)  { b.u32(uint32(v)) }
func (b *builder) i64(v int64)  { b.u64(uint64(v)) }
func (b *builder) raw(p []byte) { b.buf = append(b.buf, p...) }

func (b *builder) bool(v bool) {
	if v {
		b.u8(1)
	} else {
		b.u8(0)
	}
}

func (b *builder) u16(v uint16) {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
}

func (b *builder) u32(v uint32) {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
}

func (b *builder) u64(v uint64) {
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
}

// str appends a u16 length-prefixed string.
func (b *builder) str(s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	b.u16(uint16(len(s)))
	b.buf = append(b.buf, s...)
	return nil
}

// blob8 appends a u8 length-prefixed byte slice (digests and the like).
func (b *builder) blob8(p []byte) {
	b.u8(uint8(len(p)))
	b.raw(p)
}

// blob16 appends a u16 length-prefixed byte slice.
func (b *builder) blob16(p []byte) {
	b.u16(uint16(len(p)))
	b.raw(p)
}

func (b *builder) capSet(s caps.Set) {
	b.u8(uint8(len(s.Codecs)))
	for _, c := range s.Codecs {
		b.u8(uint8(c))
	}
	b.u8(uint8(len(s.ColorFormats)))
	for _, f := range s.ColorFormats {
		b.u8(uint8(f))
	}
	b.u16(s.MaxWidth)
	b.u16(s.MaxHeight)
	b.u8(s.KeyboardModes)
	b.u16(s.Permissions)
}

// cursor walks a payload during decode. The first overrun latches err and
// every later read returns zero values, so decode switches stay linear.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if c.off+n > len(c.buf) {
		c.err = ErrShortPayload
		return nil
	}
	p := c.buf[c.off : c.off+n]
	c.off += n
	return p
}

func (c *cursor) u8() uint8 {
	p := c.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (c *cursor) bool() bool { return c.u8() != 0 }

func (c *cursor) u16() uint16 {
	p := c.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (c *cursor) u32() uint32 {
	p := c.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (c *cursor) u64() uint64 {
	p := c.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (c *cursor) i16() int16 { return int16(c.u16()) }
func (c *cursor) i32() int32 { return int32(c.u32()) }
func (c *cursor) i64() int64 { return int64(c.u64()) }

func (c *cursor) fixed(dst []byte) {
	p := c.take(len(dst))
	if p != nil {
		copy(dst, p)
	}
}

func (c *cursor) str() string {
	n := int(c.u16())
	p := c.take(n)
	if p == nil {
		return ""
	}
	return string(p)
}

func (c *cursor) blob8() []byte {
	n := int(c.u8())
	return cloneBytes(c.take(n))
}

func (c *cursor) blob16() []byte {
	n := int(c.u16())
	return cloneBytes(c.take(n))
}

// rest consumes the remainder of the payload. Used for trailing payload
// fields so large chunks avoid a redundant length prefix.
func (c *cursor) rest() []byte {
	if c.err != nil {
		return nil
	}
	p := c.buf[c.off:]
	c.off = len(c.buf)
	return cloneBytes(p)
}

func (c *cursor) capSet() caps.Set {
	var s caps.Set
	n := int(c.u8())
	for i := 0; i < n && c.err == nil; i++ {
		s.Codecs = append(s.Codecs, caps.Codec(c.u8()))
	}
	n = int(c.u8())
	for i := 0; i < n && c.err == nil; i++ {
		s.ColorFormats = append(s.ColorFormats, caps.ColorFormat(c.u8()))
	}
	s.MaxWidth = c.u16()
	s.MaxHeight = c.u16()
	s.KeyboardModes = c.u8()
	s.Permissions = c.u16()
	return s
}

func cloneBytes(p []byte) []byte {
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
