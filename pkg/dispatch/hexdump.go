package dispatch

import (
	"fmt"
	"io"
)

// writeHexDump reproduces the tcpdump -X layout: an offset column in hex,
// 16 bytes per line, and an ASCII gutter. This is the concrete layout
// SPEC_FULL.md's "SUPPLEMENTED FEATURES" §2 calls out — spec.md leaves the
// exact dump format to the hex-dump primitive's declared interface, but the
// offset/16-per-line/ASCII-gutter shape is what the original source
// (netdissect.c ascii_print/hex_and_ascii_print) actually produces.
func writeHexDump(w io.Writer, data []byte, withASCII bool) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		fmt.Fprintf(w, "\n\t0x%04x: ", off)
		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Fprintf(w, "%02x", line[i])
			} else {
				fmt.Fprint(w, "  ")
			}
			if i%2 == 1 {
				fmt.Fprint(w, " ")
			}
		}
		if withASCII {
			fmt.Fprint(w, " ")
			for _, b := range line {
				if b >= 0x20 && b < 0x7f {
					fmt.Fprintf(w, "%c", b)
				} else {
					fmt.Fprint(w, ".")
				}
			}
		}
	}
}
