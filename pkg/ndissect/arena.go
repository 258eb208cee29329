package ndissect

import "fmt"

// DefaultArenaCap is the soft cap on bytes an Arena will hand out for a
// single packet (spec.md §4.4: "reasonable: 1 MiB per packet"). Exhaustion
// raises Invalid rather than aborting the capture loop.
const DefaultArenaCap = 1 << 20

// Arena is a bump-style allocator whose lifetime is one packet dispatch.
// Decoders use it for transient buffers (reconstructed addresses, formatted
// substrings, defragmentation staging) that don't need individual frees;
// Reset releases everything at once after the top-level printer returns.
type Arena struct {
	buf      []byte
	used     int
	cap      int
	hiwater  int // largest `used` observed, for diagnostics/metrics
}

// NewArena creates an arena with the given soft cap. A cap of 0 uses
// DefaultArenaCap.
func NewArena(capBytes int) *Arena {
	if capBytes <= 0 {
		capBytes = DefaultArenaCap
	}
	return &Arena{buf: make([]byte, capBytes), cap: capBytes}
}

// Reset releases all allocations made since the last Reset. Dispatch calls
// this unconditionally after every top-level printer returns, success or
// truncation.
func (a *Arena) Reset() {
	if a.used > a.hiwater {
		a.hiwater = a.used
	}
	a.used = 0
}

// HighWater returns the largest `used` value observed across all packets
// since the arena was created; a packet's usage is counted once Reset runs.
// Exposed for the metrics collector.
func (a *Arena) HighWater() int { return a.hiwater }

func align(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) &^ (a - 1)
}

// Alloc returns n bytes whose start offset is rounded up to a multiple of
// alignment (which must be a power of two; 0 or 1 means unaligned), valid
// until the next Reset. It raises Invalid instead of
// panicking when the arena is exhausted — callers should treat that the same
// as any other malformed-packet condition.
func (a *Arena) Alloc(n, alignment int) ([]byte, error) {
	start := align(a.used, alignment)
	if start+n > a.cap {
		return nil, &InvalidError{Reason: fmt.Sprintf("packet arena exhausted: want %d bytes at offset %d, cap %d", n, start, a.cap)}
	}
	a.used = start + n
	return a.buf[start : start+n], nil
}

// AllocZero is like Alloc but zero-initializes the returned slice (Alloc's
// backing store may carry bytes from a prior packet).
func (a *Arena) AllocZero(n, alignment int) ([]byte, error) {
	b, err := a.Alloc(n, alignment)
	if err != nil {
		return nil, err
	}
	for i := range b {
		b[i] = 0
	}
	return b, nil
}

// Dup returns an arena-owned copy of src, valid until the next Reset.
func (a *Arena) Dup(src []byte) ([]byte, error) {
	b, err := a.Alloc(len(src), 1)
	if err != nil {
		return nil, err
	}
	copy(b, src)
	return b, nil
}
