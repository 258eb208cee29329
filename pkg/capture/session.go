/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package capture owns the capture source, output-file rotation, signal
// handling, privilege drop, and statistics reporting (spec.md §4.6, "C6").
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/xerra-labs/dissect/pkg/dispatch"
)

// Source abstracts over a live pcap.Handle, an offline pcapgo.Reader, and
// the raw-socket fallback, so Session.Run doesn't care which backed the
// current file (spec.md §4.6 "Input modes").
type Source interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	LinkType() layers.LinkType
	Close()
}

// StatsSource is implemented by sources that can report kernel/interface
// drop counts (only pcap.Handle, among the sources here).
type StatsSource interface {
	Stats() (*pcap.Stats, error)
}

// Config collects the subset of the CLI surface (spec.md §6) that C6
// consumes.
type Config struct {
	Iface            string
	UseRawSocket     bool // fallback live path; see rawsocket.go
	ReadFile         string
	ReadListFile     string
	SnapLen          int
	Promiscuous      bool
	MonitorMode      bool
	FilterExpression string
	LinkTypeOverride layers.LinkType // 0 means "no override"

	Writing  bool // whether captured packets are also written out (vs. printed only)
	Rotation RotationPolicy

	PrivilegeDrop PrivilegeDropConfig
	Signals       SignalPolicy
}

const programName = "dissect"

// Session owns one capture run end to end: opening the source(s), driving
// the dispatch loop, rotating output files, and reporting statistics.
type Session struct {
	cfg    Config
	disp   *dispatch.Dispatcher
	log    *logrus.Entry
	source Source
	rotate *Rotator

	onRotate func() // invoked each time the output file rotates; see SetOnRotate

	fatal error // set by the loop on a Resource-fatal condition (spec.md §7 kind 5)
}

// NewSession wires a Session over an already-constructed Dispatcher. The
// Dispatcher's LinkType is set once the source is open and its real
// datalink type is known.
func NewSession(cfg Config, disp *dispatch.Dispatcher) *Session {
	return &Session{cfg: cfg, disp: disp, log: logrus.WithField("component", "capture.session")}
}

// SetOnRotate installs a callback invoked each time the output file rotates
// (spec.md §4.6 rotation policy). Used to report dissect_file_rotations_total
// without pkg/capture importing pkg/metrics.
func (s *Session) SetOnRotate(fn func()) { s.onRotate = fn }

// Open resolves the configured input mode, applies privilege drop once the
// source (and first output file) are ready, and sets the dispatcher's
// link-type from the source's actual datalink type (spec.md §4.6 "Datalink
// type handling"). Use RunList instead for read-list-file input.
func (s *Session) Open() error {
	u, err := s.resolveDropUser()
	if err != nil {
		return err
	}
	lt, err := s.openSource()
	if err != nil {
		return err
	}
	return s.finishOpen(lt, u)
}

// resolveDropUser looks up Config.PrivilegeDrop.User, if set, before the
// capture source is opened. SPEC_FULL.md's supplemented feature 3 (tcpdump.c
// droproot) requires this lookup to fail fast at startup rather than after
// the capture source (and possibly an output file) are already open.
func (s *Session) resolveDropUser() (*user.User, error) {
	if s.cfg.PrivilegeDrop.User == "" {
		return nil, nil
	}
	return resolveUser(s.cfg.PrivilegeDrop.User)
}

func (s *Session) openSource() (layers.LinkType, error) {
	var err error
	if s.cfg.ReadFile != "" {
		s.source, err = s.openOfflineFile(s.cfg.ReadFile)
	} else {
		s.source, err = s.openLive()
	}
	if err != nil {
		return 0, err
	}
	lt, err := s.resolveLinkType(s.source.LinkType())
	if err != nil {
		s.source.Close()
		return 0, err
	}
	return lt, nil
}

// finishOpen takes the user resolved by resolveDropUser (nil if privilege
// drop isn't configured) and performs the actual uid/gid switch only once
// the source and, if writing, the first output file are open — the switch
// itself needs the live fd, unlike the user lookup that gates it.
func (s *Session) finishOpen(lt layers.LinkType, u *user.User) error {
	s.disp.LinkType = int(lt)
	fmt.Fprintf(os.Stderr, "%s: link-type %v\n", programName, lt)

	if s.cfg.Writing {
		var err error
		s.rotate, err = NewRotator(s.cfg.Rotation, lt, s.cfg.SnapLen, s.onRotate)
		if err != nil {
			s.source.Close()
			return err
		}
	}

	if u != nil {
		if err := dropPrivileges(s.cfg.PrivilegeDrop, u); err != nil {
			return fmt.Errorf("resource: dropping privileges: %w", err)
		}
		s.log.WithField("user", s.cfg.PrivilegeDrop.User).Info("dropped privileges")
	}
	return nil
}

// resolveLinkType implements spec.md §4.6 "Datalink type handling": gopacket
// doesn't expose a way to force a live or offline source onto a different
// datalink type once opened, so an override that disagrees with what the
// source reports is always a Configuration error here (there is no "library
// supports setting it" branch to take for this stack).
func (s *Session) resolveLinkType(actual layers.LinkType) (layers.LinkType, error) {
	if s.cfg.LinkTypeOverride != 0 && s.cfg.LinkTypeOverride != actual {
		return 0, fmt.Errorf("configuration: requested link type %v but capture source reports %v", s.cfg.LinkTypeOverride, actual)
	}
	s.clampSnapLen(actual)
	return actual, nil
}

// linkTypeMinHeaderLen holds the link-layer header size tcpdump.c's callers
// assume is always present (per-link-type `if_printer` entries in print.c);
// link types not listed here have no fixed minimum and are left unclamped.
var linkTypeMinHeaderLen = map[layers.LinkType]int{
	layers.LinkTypeEthernet: 14,
	layers.LinkTypeNull:     4,
	layers.LinkTypeLoop:     4,
	layers.LinkTypeRaw:      0,
	layers.LinkTypePPP:      4,
	layers.LinkTypeFDDI:     13,
	layers.LinkTypeLinuxSLL: 16,
}

// clampSnapLen implements SPEC_FULL.md's supplemented feature 4: once the
// source's real datalink type is known, raise a SnapLen too small to hold
// that link type's header, logging a warning instead of rejecting the value.
// It runs after the source is open, so the raised value reaches only what is
// built afterwards (the output file's snapshot length via NewRotator); a live
// handle keeps the snapshot length it was activated with. Grounded on
// tcpdump.c's own post-activate clamp ("snaplen raised from %d to %d",
// tcpdump.c ~line 1387).
func (s *Session) clampSnapLen(lt layers.LinkType) {
	min, ok := linkTypeMinHeaderLen[lt]
	if !ok || s.cfg.SnapLen >= min {
		return
	}
	s.log.WithFields(logrus.Fields{"configured": s.cfg.SnapLen, "raised_to": min, "link_type": lt}).
		Warn("snapshot length raised to link type's minimum header size")
	s.cfg.SnapLen = min
}

func (s *Session) openLive() (Source, error) {
	if s.cfg.UseRawSocket {
		return openRawSocketSource(s.cfg.Iface, s.cfg.FilterExpression, s.cfg.SnapLen)
	}
	inactive, err := pcap.NewInactiveHandle(s.cfg.Iface)
	if err != nil {
		return nil, fmt.Errorf("resource: preparing live capture on %s: %w", s.cfg.Iface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(s.cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("configuration: snapshot length %d: %w", s.cfg.SnapLen, err)
	}
	if err := inactive.SetPromisc(s.cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("configuration: promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(pcap.BlockForever); err != nil {
		return nil, fmt.Errorf("resource: setting read timeout: %w", err)
	}
	if s.cfg.MonitorMode {
		if err := inactive.SetRFMon(true); err != nil {
			return nil, fmt.Errorf("configuration: monitor mode not supported on %s: %w", s.cfg.Iface, err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("resource: activating live capture on %s: %w", s.cfg.Iface, err)
	}
	if s.cfg.FilterExpression != "" {
		if err := handle.SetBPFFilter(s.cfg.FilterExpression); err != nil {
			handle.Close()
			return nil, fmt.Errorf("configuration: compiling filter expression: %w", err)
		}
	}
	return handle, nil
}

func (s *Session) openOfflineFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resource: opening capture file %s: %w", path, err)
	}
	r, err := pcapgo.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("resource: reading pcap header from %s: %w", path, err)
	}
	return &offlineSource{file: f, reader: r}, nil
}

type offlineSource struct {
	file   *os.File
	reader *pcapgo.Reader
}

func (o *offlineSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return o.reader.ReadPacketData()
}
func (o *offlineSource) LinkType() layers.LinkType { return o.reader.LinkType() }
func (o *offlineSource) Close()                    { o.file.Close() }

// Run drives the per-packet hot path until the source is exhausted, a break
// is requested, or a fatal error occurs (spec.md §5 "Scheduling model":
// single-threaded, strictly sequential).
func (s *Session) Run() error {
	st, stopSignals := watchSignals(s.cfg.Signals, s.disp, s.cfg.Writing)
	defer stopSignals()

	for {
		if st.breakIsRequested() {
			break
		}
		data, ci, err := s.source.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			s.fatal = fmt.Errorf("resource: reading next packet: %w", err)
			break
		}

		hdr := &dispatch.PacketHeader{Timestamp: ci.Timestamp, CapLen: ci.CaptureLength, OrigLen: ci.Length}
		s.disp.Dispatch(hdr, data)

		if flushErr := s.disp.SinkError(); flushErr != nil {
			// SPEC_FULL.md supplemented feature 6 (tcpdump.c's SIGPIPE-adjacent
			// write-error handling): a broken output sink ends the loop
			// cleanly rather than being treated as fatal.
			break
		}

		if s.rotate != nil {
			if err := s.rotate.WritePacket(ci, data); err != nil {
				if err == ErrFileCountReached {
					break
				}
				s.fatal = err
				break
			}
		}
	}

	s.reportStatistics()
	return s.fatal
}

func (s *Session) reportStatistics() {
	stats := s.disp.Stats()
	if ss, ok := s.source.(StatsSource); ok {
		if libStats, err := ss.Stats(); err == nil {
			s.disp.SetLibraryCounters(uint64(libStats.PacketsReceived), uint64(libStats.PacketsDropped), uint64(libStats.PacketsIfDropped))
			stats = s.disp.Stats()
		}
	}
	s.log.WithFields(logrus.Fields{
		"captured":            stats.Captured,
		"received_by_filter":  stats.ReceivedByFilter,
		"dropped_kernel":      stats.DroppedKernel,
		"dropped_interface":   stats.DroppedInterface,
	}).Info("capture session statistics")
}

// Close releases the source and, if writing, the current output file.
func (s *Session) Close() error {
	if s.source != nil {
		s.source.Close()
	}
	if s.rotate != nil {
		return s.rotate.Close()
	}
	return nil
}
