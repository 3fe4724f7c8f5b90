//go:build linux

package netio

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mode selects whether the kernel device exchanges Ethernet frames (TAP,
// layer 2) or raw IP packets (TUN, layer 3).
type Mode uint8

const (
	ModeTAP Mode = iota
	ModeTUN
)

const (
	tunDevicePath = "/dev/net/tun"
	ifNameSize    = unix.IFNAMSIZ
)

// Device is an open TAP or TUN interface.
type Device struct {
	file *os.File
	name string
	mode Mode
}

// ifReqFlags mirrors struct ifreq's ifr_name/ifr_flags layout used by
// TUNSETIFF, matching the teacher's own style of hand-packing small fixed
// C structs for ioctl calls rather than pulling in a struct-layout library.
type ifReqFlags struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Open creates (or attaches to an existing) TAP/TUN device named name. An
// empty name lets the kernel assign one; the assigned name is available via
// Name() afterward.
func Open(mode Mode, name string) (*Device, error) {
	f, err := os.OpenFile(tunDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevicePath, err)
	}

	var req ifReqFlags
	copy(req.name[:], name)
	req.flags = unix.IFF_NO_PI
	if mode == ModeTAP {
		req.flags |= unix.IFF_TAP
	} else {
		req.flags |= unix.IFF_TUN
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("TUNSETIFF: %w", errno)
	}

	assigned := nullTerminatedString(req.name[:])
	return &Device{file: f, name: assigned, mode: mode}, nil
}

// Name returns the kernel-assigned interface name (e.g. "tap0").
func (d *Device) Name() string { return d.name }

// Read reads a single frame (TAP) or packet (TUN) from the device.
func (d *Device) Read(buf []byte) (int, error) {
	return d.file.Read(buf)
}

// Write sends a single frame (TAP) or packet (TUN) to the device.
func (d *Device) Write(buf []byte) (int, error) {
	return d.file.Write(buf)
}

// Close releases the device's file descriptor. The interface itself
// disappears once the descriptor is closed and no other process holds it.
func (d *Device) Close() error {
	return d.file.Close()
}

// Configure brings the interface up and, for TUN/TAP interfaces used in
// routed mode, assigns addr (with prefix length) to it. This mirrors
// posix_tap_adapter's open/configure sequence: SIOCSIFADDR then
// SIOCSIFFLAGS with IFF_UP|IFF_RUNNING.
func (d *Device) Configure(addr netip.Prefix, mtu int) error {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer unix.Close(sock)

	if addr.IsValid() {
		if err := setIfAddr(sock, d.name, addr); err != nil {
			return err
		}
	}
	if mtu > 0 {
		if err := setIfMTU(sock, d.name, mtu); err != nil {
			return err
		}
	}
	return setIfUp(sock, d.name)
}

type ifReqAddr struct {
	name [ifNameSize]byte
	addr unix.RawSockaddrInet4
	_    [8]byte
}

func setIfAddr(sock int, name string, prefix netip.Prefix) error {
	var req ifReqAddr
	copy(req.name[:], name)
	req.addr.Family = unix.AF_INET
	ip4 := prefix.Addr().As4()
	req.addr.Addr = ip4
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), unix.SIOCSIFADDR, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return fmt.Errorf("SIOCSIFADDR: %w", errno)
	}

	var maskReq ifReqAddr
	copy(maskReq.name[:], name)
	maskReq.addr.Family = unix.AF_INET
	mask := net.CIDRMask(prefix.Bits(), 32)
	copy(maskReq.addr.Addr[:], mask)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), unix.SIOCSIFNETMASK, uintptr(unsafe.Pointer(&maskReq))); errno != 0 {
		return fmt.Errorf("SIOCSIFNETMASK: %w", errno)
	}
	return nil
}

type ifReqMTU struct {
	name [ifNameSize]byte
	mtu  int32
	_    [20]byte
}

func setIfMTU(sock int, name string, mtu int) error {
	var req ifReqMTU
	copy(req.name[:], name)
	req.mtu = int32(mtu)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), unix.SIOCSIFMTU, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return fmt.Errorf("SIOCSIFMTU: %w", errno)
	}
	return nil
}

func setIfUp(sock int, name string) error {
	var req ifReqFlags
	copy(req.name[:], name)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), unix.SIOCGIFFLAGS, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return fmt.Errorf("SIOCGIFFLAGS: %w", errno)
	}
	req.flags |= unix.IFF_UP | unix.IFF_RUNNING
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), unix.SIOCSIFFLAGS, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return fmt.Errorf("SIOCSIFFLAGS: %w", errno)
	}
	return nil
}

func nullTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
