//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package capture

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// rawSocketSource is a fallback live-capture source for hosts without
// libpcap, grounded on the AF_PACKET/SOCK_RAW approach
// other_examples/c28c493c_packetcap-go-pcap__pcap_linux.go.go implements by
// hand. Unlike that reference, which manages its own mmap ring buffer, this
// reads each frame with a plain ReadFrom — acceptable since it exists only
// as a portability fallback; the primary live path is gopacket/pcap's
// NewInactiveHandle/Activate (see session.go's openLive), which this type
// never competes with inside a single session.
type rawSocketSource struct {
	iface string
	conn  net.PacketConn
	index int
}

func openRawSocketSource(iface string, filterExpr string, snapLen int) (*rawSocketSource, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("resolving interface %s: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("opening AF_PACKET socket: %w", err)
	}
	sa := &unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding to interface %s: %w", iface, err)
	}
	file := os.NewFile(uintptr(fd), "raw-"+iface)
	conn, err := net.FilePacketConn(file)
	if err != nil {
		return nil, fmt.Errorf("wrapping raw socket as net.PacketConn: %w", err)
	}
	src := &rawSocketSource{iface: iface, conn: conn, index: ifi.Index}
	if filterExpr != "" {
		if err := src.applyFilter(filterExpr, snapLen); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return src, nil
}

// applyFilter compiles expr the same way pcap.Handle.SetBPFFilter does (via
// libpcap's filter compiler, so both live-capture paths accept identical
// filter-expression syntax) and installs it with SO_ATTACH_FILTER, since
// AF_PACKET sockets have no SetBPFFilter of their own to call.
func (s *rawSocketSource) applyFilter(expr string, snapLen int) error {
	prog, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, expr)
	if err != nil {
		return fmt.Errorf("configuration: compiling filter expression: %w", err)
	}
	instructions := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		instructions[i] = unix.SockFilter{Code: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return s.attachFilter(instructions)
}

// fd recovers the underlying socket descriptor so a classic BPF program can
// be (re)installed after the net.PacketConn wrapping, the same extraction
// the teacher's exporter package does to read tcp_info off a pooled
// net.Conn (pkg/exporter/exporter.go's netfd.GetFdFromConn(conn) call).
func (s *rawSocketSource) fd() (int, error) {
	fd := netfd.GetFdFromConn(s.conn)
	if fd < 0 {
		return 0, fmt.Errorf("could not recover file descriptor for %s", s.iface)
	}
	return fd, nil
}

// attachFilter installs a compiled classic-BPF program via SO_ATTACH_FILTER,
// the kernel-level equivalent of pcap.Handle.SetBPFFilter for this path.
func (s *rawSocketSource) attachFilter(instructions []unix.SockFilter) error {
	if len(instructions) == 0 {
		return nil
	}
	fd, err := s.fd()
	if err != nil {
		return err
	}
	prog := unix.SockFprog{Len: uint16(len(instructions)), Filter: &instructions[0]}
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}

func (s *rawSocketSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	buf := make([]byte, 65536)
	n, _, err := s.conn.ReadFrom(buf)
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}
	return buf[:n], gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: n, Length: n}, nil
}

func (s *rawSocketSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

func (s *rawSocketSource) Close() { s.conn.Close() }

func htons(in uint16) uint16 { return in<<8&0xff00 | in>>8 }
