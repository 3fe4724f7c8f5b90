package core

import (
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/freelan-go/freelan/internal/codec"
)

const (
	dhcpServerPort = 67
	dhcpClientPort = 68
)

// handleDHCPFrame feeds an Ethernet frame's UDP/67 payload to the DHCP
// proxy and, on a hit, serializes the reply back into a full Ethernet
// frame addressed to the requesting client. consumed is true whenever the
// frame was DHCP traffic this proxy is responsible for, even if no reply
// was generated (reply is then nil and the frame is simply dropped).
func (c *Core) handleDHCPFrame(frame []byte) (reply []byte, consumed bool) {
	f, err := codec.DecodeEthernet(frame)
	if err != nil || f.UDP == nil || uint16(f.UDP.DstPort) != dhcpServerPort {
		return nil, false
	}

	req, err := dhcpv4.FromBytes(f.UDP.Payload)
	if err != nil {
		return nil, false
	}
	consumed = true

	resp, ok := c.dhcp.Handle(req)
	if !ok {
		return nil, consumed
	}

	srcIP, ok := netip.AddrFromSlice(resp.ServerIPAddr.To4())
	if !ok {
		return nil, consumed
	}
	dstIP := netip.AddrFrom4([4]byte{255, 255, 255, 255})

	out, err := codec.IPv4UDPFrame(f.Ethernet.DstMAC, f.Ethernet.SrcMAC, srcIP, dstIP, dhcpServerPort, dhcpClientPort, resp.ToBytes())
	if err != nil {
		c.logger.Warn("serialize dhcp reply", "error", err.Error())
		return nil, consumed
	}
	return out, consumed
}
