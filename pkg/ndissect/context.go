package ndissect

import (
	"bufio"
	"io"
)

// AddressMode selects numeric vs. name-resolved address rendering. Name
// resolution itself is an external collaborator (spec.md §1); the context
// only carries the mode decoders should honor.
type AddressMode int

const (
	AddressNumeric AddressMode = iota
	AddressResolve
)

// Reporter receives non-fatal diagnostics a decoder wants surfaced outside
// the packet line (e.g. a malformed-but-recoverable option). It must not
// block.
type Reporter func(proto, msg string)

// Context is the per-packet decoding context passed to every printer
// (spec.md §3 "Per-packet decoding context"). One Context is created per
// capture session and reused; Dispatch resets its Cursor/SnapStack/Arena/tag
// before each packet.
type Context struct {
	Cursor   *Cursor
	Snap     *SnapStack
	Arena    *Arena
	Verbosity int
	Addr     AddressMode

	out     *bufio.Writer
	proto   string
	onWarn  Reporter
	onError Reporter

	// unwinding guards against a second Truncated being raised while
	// Dispatch is already unwinding from a first one (e.g. from code that
	// runs during cleanup); see SPEC_FULL.md "SUPPLEMENTED FEATURES" §1.
	unwinding bool

	// suppressDefault is set by a decoder (via SuppressDefaultPrint) that has
	// already emitted its own complete rendering, inhibiting that decoder's
	// own internal leftover-byte dump for this packet only (spec.md §4.5
	// "Default-print policy"; tracked per-packet per SPEC_FULL.md
	// "SUPPLEMENTED FEATURES" §5, not just as a global session flag). This
	// is a decoder-local mechanism: the engine's own hex/ASCII dump step is
	// driven unconditionally by the HexDump/AsciiDump flags and does not
	// consult this (SPEC_FULL.md "CLARIFIED OPEN QUESTIONS").
	suppressDefault bool
}

// SuppressDefaultPrint marks that the current decoder has already emitted a
// full rendering of the packet, so that decoder's own fallback dump of
// leftover bytes should be skipped for this packet. It has no effect on the
// dispatcher's own hex/ASCII dump step, which is driven solely by the
// HexDump/AsciiDump flags.
func (c *Context) SuppressDefaultPrint() { c.suppressDefault = true }

// DefaultPrintSuppressed reports whether SuppressDefaultPrint was called for
// the packet currently being dispatched. Intended for a decoder's own
// internal use, not for the dispatcher.
func (c *Context) DefaultPrintSuppressed() bool { return c.suppressDefault }

// NewContext wires a fresh Context over an output sink. The sink should be
// line-buffered; Dispatch flushes after each packet's terminating newline.
func NewContext(w io.Writer) *Context {
	tag := new(string)
	cur := NewCursor(nil, tag)
	ctx := &Context{
		Cursor: cur,
		Snap:   NewSnapStack(cur),
		Arena:  NewArena(DefaultArenaCap),
		out:    bufio.NewWriter(w),
	}
	return ctx
}

// SetReporters installs the warning/error callbacks decoders use for
// diagnostics that should not interrupt packet output.
func (c *Context) SetReporters(onWarn, onError Reporter) {
	c.onWarn = onWarn
	c.onError = onError
}

// Proto returns the protocol tag currently active (used for "[|tag]" and
// "(invalid)" decoration).
func (c *Context) Proto() string { return c.proto }

// SetProto installs a new protocol tag and returns the previous one so a
// decoder can restore it before returning to its caller — the same
// discipline SnapStack uses for push/pop pairing, but for the tag rather
// than the cursor bounds.
func (c *Context) SetProto(tag string) (restore string) {
	restore = c.proto
	c.proto = tag
	*c.Cursor.proto = tag
	return restore
}

// Write implements io.Writer so decoders format directly into the packet
// line via fmt.Fprintf(ctx, ...) without reaching past the context for the
// sink, per spec.md §5 "Output sink: owned by the engine".
func (c *Context) Write(p []byte) (int, error) { return c.out.Write(p) }

// Flush pushes the buffered packet line to the underlying sink. Dispatch
// calls this once per packet after the terminating newline.
func (c *Context) Flush() error { return c.out.Flush() }

// Truncate raises Truncated for the current protocol tag with the given
// field width, unwinding to the landing pad dispatch.Dispatcher.Dispatch
// installs. Cursor's strict reads raise the same signal from their own
// bounds check rather than through this method; decoders call it to signal
// truncation from a field they composed by hand.
func (c *Context) Truncate(width int) {
	panic(truncSignal{err: &TruncatedError{Proto: c.proto, Want: width, Have: c.Cursor.Remaining()}})
}

// Invalid prints " (invalid)" inline, passes the specific reason to the
// warning reporter if one is set, and returns the error for the decoder to
// decide whether to keep parsing. It does not unwind.
func (c *Context) Invalid(reason string) error {
	err := &InvalidError{Proto: c.proto, Reason: reason}
	if c.onWarn != nil {
		c.onWarn(c.proto, err.Error())
	}
	c.WriteString(" (invalid)")
	return err
}

// Unsupported prints " [<detail> unsupported]" inline and returns the error.
// It does not unwind; the decoder returns normally afterward.
func (c *Context) Unsupported(detail string) error {
	err := &UnsupportedError{Proto: c.proto, Detail: detail}
	c.WriteString(" [" + detail + " unsupported]")
	return err
}

// WriteString is a convenience wrapper matching the teacher's fmt.Printf
// style call sites without importing fmt into every decoder.
func (c *Context) WriteString(s string) {
	_, _ = c.out.WriteString(s)
}

// BeginUnwind marks the context as actively unwinding from a Truncated and
// reports whether it was already unwinding (meaning a second Truncated
// escaped cleanup code run during the first unwind — see SPEC_FULL.md
// "SUPPLEMENTED FEATURES" §1). Callers should treat a true return as a
// Resource-fatal condition, not retry the landing pad.
func (c *Context) BeginUnwind() (alreadyUnwinding bool) {
	alreadyUnwinding = c.unwinding
	c.unwinding = true
	return alreadyUnwinding
}

// EndUnwind clears the unwinding guard once Dispatch's recover has finished
// handling a Truncated.
func (c *Context) EndUnwind() { c.unwinding = false }

// ResetForPacket rewinds Cursor/SnapStack/Arena/tag ahead of a new packet's
// dispatch. Called by dispatch.Dispatch, not by decoders.
func (c *Context) ResetForPacket(buf []byte) {
	c.Cursor.Reset(buf)
	c.Snap.Reset()
	c.Snap.SetBottomCeiling(len(buf))
	c.Arena.Reset()
	c.proto = ""
	*c.Cursor.proto = ""
	c.unwinding = false
	c.suppressDefault = false
}
