//go:build linux

package osmgr

import (
	"fmt"
	"net/netip"

	"github.com/godbus/dbus/v5"
)

// resolvedDNS registers per-link DNS servers with systemd-resolved over the
// system bus, so TUN-mode clients can resolve names the overlay hands out
// without rewriting /etc/resolv.conf.
type resolvedDNS struct {
	conn *dbus.Conn
}

// NewResolvedDNS connects to the system bus and returns a DNS backend
// talking to org.freedesktop.resolve1.
func NewResolvedDNS() (dnsAPI, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("osmgr: connect to system bus: %w", err)
	}
	return &resolvedDNS{conn: conn}, nil
}

type resolvedDNSAddress struct {
	Family  int32
	Address []byte
}

func (r *resolvedDNS) SetLinkDNS(ifIndex int, server netip.Addr) error {
	obj := r.conn.Object("org.freedesktop.resolve1", "/org/freedesktop/resolve1")

	family := int32(unixAFInet)
	addr := server.As4()
	addrBytes := addr[:]
	if server.Is6() {
		family = unixAFInet6
		a16 := server.As16()
		addrBytes = a16[:]
	}

	entries := []resolvedDNSAddress{{Family: family, Address: addrBytes}}

	call := obj.Call("org.freedesktop.resolve1.Manager.SetLinkDNS", 0, int32(ifIndex), entries)
	if call.Err != nil {
		return fmt.Errorf("osmgr: SetLinkDNS: %w", call.Err)
	}
	return nil
}

func (r *resolvedDNS) UnsetLinkDNS(ifIndex int, _ netip.Addr) error {
	obj := r.conn.Object("org.freedesktop.resolve1", "/org/freedesktop/resolve1")

	call := obj.Call("org.freedesktop.resolve1.Manager.SetLinkDNS", 0, int32(ifIndex), []resolvedDNSAddress{})
	if call.Err != nil {
		return fmt.Errorf("osmgr: UnsetLinkDNS: %w", call.Err)
	}
	return nil
}

const (
	unixAFInet  = 2
	unixAFInet6 = 10
)
