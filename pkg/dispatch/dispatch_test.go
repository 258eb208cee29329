package dispatch

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xerra-labs/dissect/pkg/ndissect"
)

const testLinkType = 1

func newTestDispatcher(buf *bytes.Buffer) *Dispatcher {
	ctx := ndissect.NewContext(buf)
	reg := NewRegistry()
	d := NewDispatcher(reg, ctx)
	d.LinkType = testLinkType
	d.TimeFormat = TimeNone
	return d
}

func TestDispatchTruncatedEthernetIPv4TCP(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	d.Registry.RegisterContext(testLinkType, "tcp-over-ip", func(ctx *ndissect.Context, _ *PacketHeader, data []byte) int {
		ctx.SetProto("IP")
		ctx.Cursor.Reset(data)
		ctx.Cursor.U8() // version/ihl
		ctx.SetProto("TCP")
		ctx.Cursor.U32BE() // force truncation well past a 1-byte frame
		return 0
	})

	hdr := &PacketHeader{Timestamp: time.Unix(0, 0), CapLen: 1, OrigLen: 40}
	d.Dispatch(hdr, []byte{0x45})

	out := buf.String()
	if !strings.Contains(out, "[|TCP]") {
		t.Fatalf("expected truncation marker for TCP, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("expected dispatch to terminate the line with a newline, got %q", out)
	}
	if d.Ctx.Snap.Depth() != 0 {
		t.Fatalf("expected SnapStack fully popped after dispatch, depth=%d", d.Ctx.Snap.Depth())
	}
}

func TestDispatchUnwindGuardEscapesDoubleTruncation(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	d.Registry.RegisterContext(testLinkType, "double-fault", func(ctx *ndissect.Context, _ *PacketHeader, _ []byte) int {
		defer func() {
			recover()
			ctx.Truncate(4) // raised from cleanup, while still unwinding the first
		}()
		ctx.Truncate(4)
		return 0
	})

	defer func() {
		if recover() == nil {
			t.Fatal("expected the second truncation to escape Dispatch's own recover")
		}
	}()
	d.Dispatch(&PacketHeader{CapLen: 4, OrigLen: 4}, []byte{1, 2, 3, 4})
}

func TestDispatchSuppressDefaultPrintDoesNotSkipHexDump(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	d.HexDump = DumpFull
	d.Registry.RegisterContext(testLinkType, "self-printing", func(ctx *ndissect.Context, _ *PacketHeader, _ []byte) int {
		ctx.WriteString("handled")
		ctx.SuppressDefaultPrint()
		return 0
	})

	d.Dispatch(&PacketHeader{CapLen: 4, OrigLen: 4}, []byte{0xde, 0xad, 0xbe, 0xef})

	if !strings.Contains(buf.String(), "0x0000") {
		t.Fatalf("expected the hex dump to fire regardless of SuppressDefaultPrint, got %q", buf.String())
	}
}

func TestDispatchHexDumpOffSkipsDump(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	d.HexDump = DumpOff
	d.AsciiDump = DumpOff
	d.Registry.RegisterContext(testLinkType, "self-printing", func(ctx *ndissect.Context, _ *PacketHeader, _ []byte) int {
		ctx.WriteString("handled")
		ctx.SuppressDefaultPrint()
		return 0
	})

	d.Dispatch(&PacketHeader{CapLen: 4, OrigLen: 4}, []byte{0xde, 0xad, 0xbe, 0xef})

	if strings.Contains(buf.String(), "0x0000") {
		t.Fatalf("expected no hex dump when both dump flags are off, got %q", buf.String())
	}
}

func TestDispatchDeferredInfoSignal(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)

	fired := make(chan Stats, 1)
	d.OnInfoRequest = func(s Stats) { fired <- s }

	entered := make(chan struct{})
	release := make(chan struct{})
	d.Registry.RegisterContext(testLinkType, "slow", func(ctx *ndissect.Context, _ *PacketHeader, _ []byte) int {
		close(entered)
		<-release
		return 0
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Dispatch(&PacketHeader{CapLen: 1, OrigLen: 1}, []byte{0})
	}()

	<-entered
	d.RequestInfo() // mid-dispatch: must defer, not fire synchronously
	select {
	case <-fired:
		t.Fatal("info request fired before the in-flight packet finished dispatching")
	case <-time.After(10 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("deferred info request was never serviced after dispatch completed")
	}
}

func TestDispatchImmediateInfoSignalWhenIdle(t *testing.T) {
	var buf bytes.Buffer
	d := newTestDispatcher(&buf)
	fired := make(chan Stats, 1)
	d.OnInfoRequest = func(s Stats) { fired <- s }

	d.RequestInfo()
	select {
	case <-fired:
	default:
		t.Fatal("expected an immediate info request to fire synchronously when idle")
	}
}

func TestFormatDeltaNeverNegative(t *testing.T) {
	if got := formatDelta(-5 * time.Second); got != "0.000000" {
		t.Fatalf("formatDelta(-5s) = %q, want 0.000000", got)
	}
}

func TestClockDeltaFromFirstNonNegative(t *testing.T) {
	var c clock
	base := time.Unix(1000, 0)
	first := c.render(TimeDeltaFromFirst, base)
	if first != "0.000000" {
		t.Fatalf("first packet delta-from-first = %q, want 0.000000", first)
	}
	second := c.render(TimeDeltaFromFirst, base.Add(250*time.Millisecond))
	if second != "0.250000" {
		t.Fatalf("second packet delta-from-first = %q, want 0.250000", second)
	}
}
