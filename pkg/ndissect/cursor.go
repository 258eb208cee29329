package ndissect

import (
	"encoding/binary"
	"net"
)

// Cursor is a bounds-checked read head over a captured frame. It never
// blocks and advances pos only after a read has been verified to fit before
// end. The integer reads, Bytes, Skip and the check-and-peek reads do not
// allocate; the address reads (IPv4, IPv6, MAC) each allocate and return a
// new slice. Reads past caplen raise Truncated via panic; the panic is
// recovered by the landing pad dispatch.Dispatcher.Dispatch installs.
//
// Invariant: 0 <= pos <= end <= len(buf).
type Cursor struct {
	buf  []byte
	pos  int
	end  int
	proto *string // shared with the owning Context; decorates Truncated/Invalid
}

// NewCursor creates a cursor over buf with end pinned to len(buf). proto must
// not be nil; NewContext passes a tag pointer that Context.SetProto updates.
func NewCursor(buf []byte, proto *string) *Cursor {
	return &Cursor{buf: buf, pos: 0, end: len(buf), proto: proto}
}

// Reset rewinds the cursor onto a new frame, used by Dispatch at the start of
// each packet (the Context and its Cursor are reused across packets).
func (c *Cursor) Reset(buf []byte) {
	c.buf = buf
	c.pos = 0
	c.end = len(buf)
}

func (c *Cursor) Pos() int { return c.pos }
func (c *Cursor) End() int { return c.end }

// setEnd is used only by SnapStack; decoders must go through Push/Pop/Adjust.
func (c *Cursor) setEnd(e int) { c.end = e }
func (c *Cursor) setPos(p int) { c.pos = p }

// Remaining returns the number of bytes readable before end.
func (c *Cursor) Remaining() int {
	if c.end < c.pos {
		return 0
	}
	return c.end - c.pos
}

func (c *Cursor) protoTag() string {
	if c.proto == nil {
		return ""
	}
	return *c.proto
}

// fits reports whether n bytes are available without advancing.
func (c *Cursor) fits(n int) bool {
	if n == 0 {
		return true
	}
	return c.pos+n <= c.end && c.pos+n <= len(c.buf)
}

// require panics with a truncSignal if n bytes are not available. Called by
// every strict read before it touches c.buf.
func (c *Cursor) require(n int) {
	if !c.fits(n) {
		panic(truncSignal{err: &TruncatedError{Proto: c.protoTag(), Want: n, Have: c.Remaining()}})
	}
}

// ---- strict reads ----

// U8 reads one unsigned byte, advancing pos by 1.
func (c *Cursor) U8() uint8 {
	c.require(1)
	v := c.buf[c.pos]
	c.pos++
	return v
}

// I8 reads one signed byte.
func (c *Cursor) I8() int8 { return int8(c.U8()) }

// U16BE reads a 2-byte big-endian unsigned integer.
func (c *Cursor) U16BE() uint16 {
	c.require(2)
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

// U16LE reads a 2-byte little-endian unsigned integer.
func (c *Cursor) U16LE() uint16 {
	c.require(2)
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

func (c *Cursor) I16BE() int16 { return int16(c.U16BE()) }
func (c *Cursor) I16LE() int16 { return int16(c.U16LE()) }

// U24BE reads a 3-byte big-endian unsigned integer into the low 24 bits.
func (c *Cursor) U24BE() uint32 {
	c.require(3)
	v := uint32(c.buf[c.pos])<<16 | uint32(c.buf[c.pos+1])<<8 | uint32(c.buf[c.pos+2])
	c.pos += 3
	return v
}

// U24LE reads a 3-byte little-endian unsigned integer.
func (c *Cursor) U24LE() uint32 {
	c.require(3)
	v := uint32(c.buf[c.pos]) | uint32(c.buf[c.pos+1])<<8 | uint32(c.buf[c.pos+2])<<16
	c.pos += 3
	return v
}

// U32BE reads a 4-byte big-endian unsigned integer.
func (c *Cursor) U32BE() uint32 {
	c.require(4)
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v
}

// U32LE reads a 4-byte little-endian unsigned integer.
func (c *Cursor) U32LE() uint32 {
	c.require(4)
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v
}

func (c *Cursor) I32BE() int32 { return int32(c.U32BE()) }
func (c *Cursor) I32LE() int32 { return int32(c.U32LE()) }

// U64BE reads an 8-byte big-endian unsigned integer.
func (c *Cursor) U64BE() uint64 {
	c.require(8)
	v := binary.BigEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v
}

// U64LE reads an 8-byte little-endian unsigned integer.
func (c *Cursor) U64LE() uint64 {
	c.require(8)
	v := binary.LittleEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v
}

func (c *Cursor) I64BE() int64 { return int64(c.U64BE()) }
func (c *Cursor) I64LE() int64 { return int64(c.U64LE()) }

// Bytes returns a bounds-checked view of the next n bytes and advances pos.
// The returned slice aliases the underlying frame (no copy is made), matching the read-only
// contract decoders rely on (the frame outlives one packet's dispatch).
func (c *Cursor) Bytes(n int) []byte {
	c.require(n)
	v := c.buf[c.pos : c.pos+n]
	c.pos += n
	return v
}

// CopyInto copies exactly len(dst) bytes into dst, advancing pos. Used when a
// decoder needs an owned copy rather than an aliasing slice.
func (c *Cursor) CopyInto(dst []byte) {
	c.require(len(dst))
	copy(dst, c.buf[c.pos:c.pos+len(dst)])
	c.pos += len(dst)
}

// IPv4 reads a 4-byte network-order address.
func (c *Cursor) IPv4() net.IP {
	c.require(4)
	ip := make(net.IP, 4)
	copy(ip, c.buf[c.pos:c.pos+4])
	c.pos += 4
	return ip
}

// IPv6 reads a 16-byte network-order address.
func (c *Cursor) IPv6() net.IP {
	c.require(16)
	ip := make(net.IP, 16)
	copy(ip, c.buf[c.pos:c.pos+16])
	c.pos += 16
	return ip
}

// MAC reads a 6-byte hardware address.
func (c *Cursor) MAC() net.HardwareAddr {
	c.require(6)
	mac := make(net.HardwareAddr, 6)
	copy(mac, c.buf[c.pos:c.pos+6])
	c.pos += 6
	return mac
}

// Skip advances pos by n bytes without returning them. Still bounds-checked.
func (c *Cursor) Skip(n int) {
	c.require(n)
	c.pos += n
}

// ---- check-and-peek (non-unwinding) ----

// Avail reports whether n bytes are available without advancing or raising
// Truncated. Decoders use it to choose a locally-scoped recovery.
func (c *Cursor) Avail(n int) bool { return c.fits(n) }

// PeekU8 returns the next byte and true if available, else (0, false). It
// never advances pos and never raises Truncated.
func (c *Cursor) PeekU8() (uint8, bool) {
	if !c.fits(1) {
		return 0, false
	}
	return c.buf[c.pos], true
}

// PeekBytes returns a view of the next n bytes without advancing, or
// (nil, false) if unavailable.
func (c *Cursor) PeekBytes(n int) ([]byte, bool) {
	if !c.fits(n) {
		return nil, false
	}
	return c.buf[c.pos : c.pos+n], true
}
