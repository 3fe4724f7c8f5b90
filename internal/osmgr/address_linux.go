//go:build linux

package osmgr

import (
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// rtnetlinkAddresses talks RTM_NEWADDR/RTM_DELADDR over NETLINK_ROUTE to
// assign the TAP/TUN interface's own address.
type rtnetlinkAddresses struct{}

// NewAddresses returns the Linux address manipulation backend.
func NewAddresses() addressAPI {
	return rtnetlinkAddresses{}
}

const (
	rtmNewaddr = 20
	rtmDeladdr = 21

	ifaAddress = 1
	ifaLocal   = 2
)

func (rtnetlinkAddresses) AddAddress(ifIndex int, prefix netip.Prefix) error {
	return sendAddrMessage(netlink.HeaderFlagsCreate|netlink.HeaderFlagsReplace|netlink.HeaderFlagsAck,
		rtmNewaddr, ifIndex, prefix)
}

func (rtnetlinkAddresses) DeleteAddress(ifIndex int, prefix netip.Prefix) error {
	return sendAddrMessage(netlink.HeaderFlagsAck, rtmDeladdr, ifIndex, prefix)
}

// ifaddrmsg mirrors struct ifaddrmsg from <linux/if_addr.h>.
type ifaddrmsg struct {
	Family    uint8
	PrefixLen uint8
	Flags     uint8
	Scope     uint8
	Index     uint32
}

func sendAddrMessage(flags netlink.HeaderFlags, msgType uint16, ifIndex int, prefix netip.Prefix) error {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return fmt.Errorf("osmgr: dial rtnetlink: %w", err)
	}
	defer conn.Close()

	family := uint8(unix.AF_INET)
	if prefix.Addr().Is6() {
		family = unix.AF_INET6
	}

	hdr := ifaddrmsg{
		Family:    family,
		PrefixLen: uint8(prefix.Bits()),
		Index:     uint32(ifIndex),
	}

	ae := netlink.NewAttributeEncoder()
	ae.Bytes(ifaLocal, prefix.Addr().AsSlice())
	ae.Bytes(ifaAddress, prefix.Addr().AsSlice())
	attrs, err := ae.Encode()
	if err != nil {
		return fmt.Errorf("osmgr: encode address attributes: %w", err)
	}

	body := []byte{hdr.Family, hdr.PrefixLen, hdr.Flags, hdr.Scope, 0, 0, 0, 0}
	body[4] = byte(hdr.Index)
	body[5] = byte(hdr.Index >> 8)
	body[6] = byte(hdr.Index >> 16)
	body[7] = byte(hdr.Index >> 24)
	body = append(body, attrs...)

	msg := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(msgType),
			Flags: flags,
		},
		Data: body,
	}

	if _, err := conn.Execute(msg); err != nil {
		return fmt.Errorf("osmgr: rtnetlink address request: %w", err)
	}
	return nil
}
