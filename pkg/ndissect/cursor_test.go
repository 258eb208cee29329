package ndissect

import (
	"bytes"
	"testing"
)

// recoverTrunc checks a value the caller obtained from recover(); recover
// only stops a panic when called directly by the deferred function, so the
// callers pass recover() in rather than this helper calling it.
func recoverTrunc(t *testing.T, r any) *TruncatedError {
	t.Helper()
	if r == nil {
		t.Fatalf("expected a Truncated panic, got none")
	}
	err, ok := RecoverTruncated(r)
	if !ok {
		t.Fatalf("expected a Truncated panic, got %v", r)
	}
	return err
}

func TestCursor_BoundedReads(t *testing.T) {
	// spec.md §8 property 1: a request for w bytes at offset k over an
	// n-byte input succeeds iff k+w <= n, and pos is unchanged on failure.
	buf := []byte{0x01, 0x02, 0x03, 0x04}
	tag := new(string)
	c := NewCursor(buf, tag)

	if got := c.U16BE(); got != 0x0102 {
		t.Fatalf("U16BE = %#x, want 0x0102", got)
	}
	if c.Pos() != 2 {
		t.Fatalf("pos = %d, want 2", c.Pos())
	}

	func() {
		defer func() {
			err := recoverTrunc(t, recover())
			if err.Want != 4 || err.Have != 2 {
				t.Fatalf("TruncatedError = %+v, want Want=4 Have=2", err)
			}
		}()
		c.U32BE()
	}()

	if c.Pos() != 2 {
		t.Fatalf("pos after failed read = %d, want unchanged 2", c.Pos())
	}
}

func TestCursor_ZeroWidthReadsNeverFail(t *testing.T) {
	c := NewCursor(nil, new(string))
	c.Skip(0) // must not panic even on an empty buffer
	if c.Pos() != 0 {
		t.Fatalf("pos = %d, want 0", c.Pos())
	}
}

func TestCursor_ExactlyAtEnd(t *testing.T) {
	c := NewCursor([]byte{0xAA}, new(string))
	c.U8()
	if c.Avail(1) {
		t.Fatalf("Avail(1) at pos==end should be false")
	}
	if _, ok := c.PeekU8(); ok {
		t.Fatalf("PeekU8 at pos==end should report unavailable")
	}
	func() {
		defer func() { recoverTrunc(t, recover()) }()
		c.U8()
	}()
}

func TestCursor_LittleVsBigEndian(t *testing.T) {
	buf := []byte{0x01, 0x00}
	if NewCursor(buf, new(string)).U16BE() == NewCursor(buf, new(string)).U16LE() {
		t.Fatalf("BE and LE reads of an asymmetric value must differ")
	}
	if got := NewCursor(buf, new(string)).U16LE(); got != 1 {
		t.Fatalf("U16LE = %d, want 1", got)
	}
	if got := NewCursor(buf, new(string)).U16BE(); got != 0x0100 {
		t.Fatalf("U16BE = %#x, want 0x0100", got)
	}
}

func TestCursor_AddressReads(t *testing.T) {
	buf := make([]byte, 0, 26)
	buf = append(buf, 1, 2, 3, 4) // IPv4
	buf = append(buf, bytes.Repeat([]byte{0xfe}, 16)...) // IPv6
	buf = append(buf, 0xde, 0xad, 0xbe, 0xef, 0x00, 0x01) // MAC
	c := NewCursor(buf, new(string))

	ip4 := c.IPv4()
	if ip4.String() != "1.2.3.4" {
		t.Fatalf("IPv4 = %s", ip4)
	}
	ip6 := c.IPv6()
	if len(ip6) != 16 {
		t.Fatalf("IPv6 len = %d", len(ip6))
	}
	mac := c.MAC()
	if mac.String() != "de:ad:be:ef:00:01" {
		t.Fatalf("MAC = %s", mac)
	}
}

func TestCursor_CopyIntoIsBoundsChecked(t *testing.T) {
	c := NewCursor([]byte{1, 2}, new(string))
	dst := make([]byte, 2)
	c.CopyInto(dst)
	if dst[0] != 1 || dst[1] != 2 {
		t.Fatalf("CopyInto = %v", dst)
	}
	func() {
		defer func() { recoverTrunc(t, recover()) }()
		c.CopyInto(make([]byte, 1))
	}()
}
