/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Command dissect is the CLI entry point wiring together the bounded cursor,
// truncation channel, snapshot-end stack, packet arena, printer registry,
// and capture-file/live lifecycle into one dissection session (spec.md §6
// "CLI surface").
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/xerra-labs/dissect/pkg/capture"
	"github.com/xerra-labs/dissect/pkg/dispatch"
	"github.com/xerra-labs/dissect/pkg/kernel"
	"github.com/xerra-labs/dissect/pkg/metrics"
	"github.com/xerra-labs/dissect/pkg/ndissect"
)

const programName = "dissect"

// opts collects the CLI flags (spec.md §6). There is no suppress-default
// flag: suppression is set per packet by a decoder through
// ndissect.Context.SuppressDefaultPrint and cannot be set from the command
// line.
type opts struct {
	iface        string
	useRawSocket bool
	readFile     string
	readListFile string

	snapLen          int
	promiscuous      bool
	monitorMode      bool
	filterExpr       string
	linkTypeOverride int
	verbosity        int
	numericAddrs     bool
	timeFormat       int
	hexDump          int
	asciiDump        int

	writing       bool
	outputFile    string
	maxFileSize   int64
	rotateSeconds int
	maxFiles      int
	postRotateCmd string

	unprivilegedUser string
	chrootDir        string

	infoSignal  string
	metricsAddr string
}

func main() {
	o := &opts{}
	root := &cobra.Command{
		Use:           programName,
		Short:         "dissect captures and dissects packets from a live interface or capture file",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}
	bindFlags(root, o)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

func bindFlags(cmd *cobra.Command, o *opts) {
	f := cmd.Flags()
	f.StringVarP(&o.iface, "interface", "i", "", "capture on this interface")
	f.BoolVar(&o.useRawSocket, "raw-socket", false, "use the AF_PACKET raw-socket fallback instead of libpcap")
	f.StringVarP(&o.readFile, "read-file", "r", "", "read packets from a capture file instead of a live interface")
	f.StringVar(&o.readListFile, "read-list-file", "", "read packets from each capture file listed, one path per line")

	f.IntVarP(&o.snapLen, "snapshot-length", "s", 262144, "per-packet capture cap in bytes")
	f.BoolVarP(&o.promiscuous, "promiscuous", "p", true, "capture in promiscuous mode")
	f.BoolVarP(&o.monitorMode, "monitor-mode", "I", false, "capture in radiotap monitor mode, if supported")
	f.StringVar(&o.filterExpr, "filter-expression", "", "compiled capture filter expression")
	f.IntVar(&o.linkTypeOverride, "link-type-override", 0, "force a specific datalink type (DLT number)")
	f.IntVarP(&o.verbosity, "verbosity", "v", 0, "detail level surfaced to decoders (0-5)")
	f.BoolVarP(&o.numericAddrs, "numeric-addresses", "n", false, "skip name resolution")
	f.IntVarP(&o.timeFormat, "time-format", "t", 0, "timestamp rendering mode (0-5, see dispatch.TimeFormat)")
	f.IntVarP(&o.hexDump, "hex-dump", "X", 0, "0 off, 1 payload only, 2 full frame")
	f.IntVarP(&o.asciiDump, "ascii-dump", "A", 0, "0 off, 1 payload only, 2 full frame")

	f.BoolVarP(&o.writing, "write", "w", false, "write captured packets to file instead of only printing them")
	f.StringVar(&o.outputFile, "output-file-template", "", "output filename, may contain %Y %m %d %H %M %S and %{id}")
	f.Int64VarP(&o.maxFileSize, "max-file-size", "C", 0, "rotate once the current file would exceed this many bytes")
	f.IntVarP(&o.rotateSeconds, "rotation-interval", "G", 0, "rotate every N seconds")
	f.IntVarP(&o.maxFiles, "max-files", "W", 0, "stop capture after this many output files")
	f.StringVarP(&o.postRotateCmd, "post-rotate-cmd", "z", "", "program run as '<program> <closed-file-path>' after each rotation")

	f.StringVarP(&o.unprivilegedUser, "unprivileged-user", "Z", "", "drop privileges to this user after opening the capture source")
	f.StringVar(&o.chrootDir, "chroot-dir", "", "chroot to this directory before dropping privileges")

	f.StringVar(&o.infoSignal, "info-signal", "", "platform info signal name, e.g. USR1 (empty disables)")
	f.StringVar(&o.metricsAddr, "metrics-listen", "", "serve Prometheus metrics on this address (empty disables)")
}

// resolveInfoSignal maps a bare signal name (as typed at the CLI, e.g.
// "USR1") to its os.Signal, or returns nil if none was configured.
func resolveInfoSignal(name string) (os.Signal, error) {
	if name == "" {
		return nil, nil
	}
	switch name {
	case "USR1":
		return unix.SIGUSR1, nil
	case "USR2":
		return unix.SIGUSR2, nil
	default:
		return nil, fmt.Errorf("configuration: unrecognized info signal %q", name)
	}
}

func run(o *opts) error {
	log := logrus.WithField("component", "cmd.dissect")

	caps, err := kernel.Probe()
	if err != nil {
		log.WithError(err).Warn("kernel capability probe failed; proceeding without it")
	}
	if o.monitorMode && !caps.MonitorMode {
		return fmt.Errorf("configuration: monitor mode requested but the running kernel does not support it")
	}

	sig, err := resolveInfoSignal(o.infoSignal)
	if err != nil {
		return err
	}

	ctx := ndissect.NewContext(os.Stdout)
	ctx.Verbosity = o.verbosity
	if o.numericAddrs {
		ctx.Addr = ndissect.AddressNumeric
	} else {
		ctx.Addr = ndissect.AddressResolve
	}

	// Protocol decoders are out of scope for this engine and none are
	// registered here: reg starts empty, so every link type falls back to the
	// registry's "packet printing not supported" default entry.
	reg := dispatch.NewRegistry()

	disp := dispatch.NewDispatcher(reg, ctx)
	disp.TimeFormat = dispatch.TimeFormat(o.timeFormat)
	disp.HexDump = dispatch.DumpLevel(o.hexDump)
	disp.AsciiDump = dispatch.DumpLevel(o.asciiDump)
	disp.Log = log

	collector := metrics.NewSessionCollector(programName, nil, disp.Stats)
	disp.OnArenaHighWater = collector.RecordArenaHighWater
	disp.OnInfoRequest = func(s dispatch.Stats) {
		fmt.Fprintf(os.Stderr, "%s: %d packets captured, %d packets received by filter, %d packets dropped by kernel, %d packets dropped by interface\n",
			programName, s.Captured, s.ReceivedByFilter, s.DroppedKernel, s.DroppedInterface)
	}
	stopMetrics := serveMetrics(o.metricsAddr, collector, log)
	defer stopMetrics()

	cfg := capture.Config{
		Iface:            o.iface,
		UseRawSocket:     o.useRawSocket,
		ReadFile:         o.readFile,
		ReadListFile:     o.readListFile,
		SnapLen:          o.snapLen,
		Promiscuous:      o.promiscuous,
		MonitorMode:      o.monitorMode,
		FilterExpression: o.filterExpr,
		LinkTypeOverride: layers.LinkType(o.linkTypeOverride),
		Writing:          o.writing,
		Rotation: capture.RotationPolicy{
			Template:      o.outputFile,
			MaxFileSize:   o.maxFileSize,
			Interval:      time.Duration(o.rotateSeconds) * time.Second,
			MaxFiles:      o.maxFiles,
			PostRotateCmd: o.postRotateCmd,
		},
		PrivilegeDrop: capture.PrivilegeDropConfig{
			User:      o.unprivilegedUser,
			ChrootDir: o.chrootDir,
		},
		Signals: capture.SignalPolicy{
			InfoSignal: sig,
			Verbose:    o.verbosity > 0,
		},
	}
	if cfg.ReadFile == "" && cfg.ReadListFile == "" && cfg.Iface == "" {
		return fmt.Errorf("configuration: one of --interface, --read-file, or --read-list-file is required")
	}

	sess := capture.NewSession(cfg, disp)
	sess.SetOnRotate(collector.RecordRotation)
	defer sess.Close()

	if cfg.ReadListFile != "" {
		paths, err := capture.ReadPathList(cfg.ReadListFile)
		if err != nil {
			return err
		}
		return sess.RunList(paths)
	}

	if err := sess.Open(); err != nil {
		return err
	}
	return sess.Run()
}

// serveMetrics starts a best-effort Prometheus HTTP endpoint and returns a
// function to unregister the collector; nothing is started if addr is empty.
func serveMetrics(addr string, collector *metrics.SessionCollector, log *logrus.Entry) func() {
	if addr == "" {
		return func() {}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	return func() { _ = srv.Close() }
}
