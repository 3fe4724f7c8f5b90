//go:build linux

package osmgr

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// rtnetlinkRoutes talks RTM_NEWROUTE/RTM_DELROUTE directly over a
// NETLINK_ROUTE socket. mdlayher/netlink only gives us message framing and
// attribute encoding; the rtmsg header itself is packed by hand, the same
// way the ifreq structs in tap_linux.go are packed for ioctl.
type rtnetlinkRoutes struct{}

// NewRoutes returns the Linux route manipulation backend.
func NewRoutes() routeAPI {
	return rtnetlinkRoutes{}
}

// rtmsg mirrors struct rtmsg from <linux/rtnetlink.h>.
type rtmsg struct {
	Family   uint8
	DstLen   uint8
	SrcLen   uint8
	TOS      uint8
	Table    uint8
	Protocol uint8
	Scope    uint8
	Type     uint8
	Flags    uint32
}

const (
	rtTableMain     = 254
	rtProtoStatic   = 4
	rtScopeUniverse = 0
	rtScopeLink     = 253
	rtnRTTUnicast   = 1

	rtaDST     = 1
	rtaOIF     = 4
	rtaGateway = 5
)

func (rtnetlinkRoutes) AddRoute(ifIndex int, prefix netip.Prefix, gateway netip.Addr) error {
	return sendRouteMessage(netlink.HeaderFlagsCreate|netlink.HeaderFlagsExcl|netlink.HeaderFlagsAck,
		rtmNewroute, ifIndex, prefix, gateway)
}

func (rtnetlinkRoutes) DeleteRoute(ifIndex int, prefix netip.Prefix, gateway netip.Addr) error {
	return sendRouteMessage(netlink.HeaderFlagsAck, rtmDelroute, ifIndex, prefix, gateway)
}

const (
	rtmNewroute = 24
	rtmDelroute = 25
)

func sendRouteMessage(flags netlink.HeaderFlags, msgType uint16, ifIndex int, prefix netip.Prefix, gateway netip.Addr) error {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return fmt.Errorf("osmgr: dial rtnetlink: %w", err)
	}
	defer conn.Close()

	family := uint8(unix.AF_INET)
	if prefix.Addr().Is6() {
		family = unix.AF_INET6
	}

	scope := uint8(rtScopeUniverse)
	if !gateway.IsValid() {
		scope = rtScopeLink
	}

	hdr := rtmsg{
		Family:   family,
		DstLen:   uint8(prefix.Bits()),
		Table:    rtTableMain,
		Protocol: rtProtoStatic,
		Scope:    scope,
		Type:     rtnRTTUnicast,
	}

	ae := netlink.NewAttributeEncoder()
	ae.Bytes(rtaDST, prefix.Addr().AsSlice())
	ae.Uint32(rtaOIF, uint32(ifIndex))
	if gateway.IsValid() {
		ae.Bytes(rtaGateway, gateway.AsSlice())
	}
	attrs, err := ae.Encode()
	if err != nil {
		return fmt.Errorf("osmgr: encode route attributes: %w", err)
	}

	body := make([]byte, 12)
	body[0] = hdr.Family
	body[1] = hdr.DstLen
	body[2] = hdr.SrcLen
	body[3] = hdr.TOS
	body[4] = hdr.Table
	body[5] = hdr.Protocol
	body[6] = hdr.Scope
	body[7] = hdr.Type
	binary.LittleEndian.PutUint32(body[8:12], hdr.Flags)
	body = append(body, attrs...)

	msg := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(msgType),
			Flags: flags,
		},
		Data: body,
	}

	if _, err := conn.Execute(msg); err != nil {
		return fmt.Errorf("osmgr: rtnetlink route request: %w", err)
	}
	return nil
}
