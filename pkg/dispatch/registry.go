package dispatch

import (
	"fmt"
	"time"

	"github.com/xerra-labs/dissect/pkg/ndissect"
)

// PacketHeader mirrors the capture library's per-packet header: the
// capture timestamp, the number of bytes actually captured, and the number
// of bytes the frame carried on the wire (spec.md §3: caplen <= origlen).
type PacketHeader struct {
	Timestamp time.Time
	CapLen    int
	OrigLen   int
}

// LegacyPrinter is the historical printer shape: (header, bytes) ->
// link-header length. Both it and ContextPrinter must be accepted by the
// registry (spec.md §4.5).
type LegacyPrinter func(hdr *PacketHeader, data []byte) (headerLen int)

// ContextPrinter is the modern printer shape, identical in semantics but
// given the per-packet Context explicitly instead of through a global.
type ContextPrinter func(ctx *ndissect.Context, hdr *PacketHeader, data []byte) (headerLen int)

// PrinterEntry is one registry row. Only the context shape is stored;
// RegisterLegacy normalizes a legacy printer by wrapping it, so Dispatch only
// ever calls through Context.
type PrinterEntry struct {
	LinkType int
	Name     string
	Context  ContextPrinter
}

// Registry maps link-type codes to printer entries (spec.md §4.5). It is
// normally populated once at init time by each protocol decoder package's
// own init() calling RegisterContext/RegisterLegacy on a shared Registry.
type Registry struct {
	entries map[int]PrinterEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int]PrinterEntry)}
}

// RegisterContext adds a context-shaped printer under linkType. A later
// registration for the same linkType replaces the earlier one, matching the
// teacher's "lookup returns the first [current] match" semantics without
// needing ordered entries.
func (r *Registry) RegisterContext(linkType int, name string, fn ContextPrinter) {
	r.entries[linkType] = PrinterEntry{LinkType: linkType, Name: name, Context: fn}
}

// RegisterLegacy adapts a legacy (header, bytes) -> headerLen printer into
// the context shape by discarding the context argument, and registers it.
// This is the "normalize at registration time" option spec.md §9 allows.
func (r *Registry) RegisterLegacy(linkType int, name string, fn LegacyPrinter) {
	r.RegisterContext(linkType, name, func(_ *ndissect.Context, hdr *PacketHeader, data []byte) int {
		return fn(hdr, data)
	})
}

// Lookup resolves a link-type code to its printer entry. If none is
// registered, it returns the default entry, which reports "packet printing
// not supported for link type N" and consumes zero bytes.
func (r *Registry) Lookup(linkType int) PrinterEntry {
	if e, ok := r.entries[linkType]; ok {
		return e
	}
	return PrinterEntry{
		LinkType: linkType,
		Name:     "unsupported",
		Context: func(ctx *ndissect.Context, _ *PacketHeader, _ []byte) int {
			fmt.Fprintf(ctx, "packet printing not supported for link type %d", linkType)
			return 0
		},
	}
}
