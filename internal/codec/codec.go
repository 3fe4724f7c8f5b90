// Package codec builds and parses the Ethernet/ARP/IPv4/IPv6/UDP frames
// that cross the TAP/TUN boundary, wrapping gopacket so checksum and
// length-field correctness comes from the library rather than hand-rolled
// arithmetic.
package codec

import (
	"errors"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotEthernet is returned when a frame handed to a TAP-mode decoder
// does not parse as an Ethernet II frame.
var ErrNotEthernet = errors.New("codec: not an ethernet frame")

// ErrNoIPLayer is returned when a frame has no IPv4 or IPv6 layer.
var ErrNoIPLayer = errors.New("codec: no ip layer")

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// Frame is a decoded Ethernet frame with its layers resolved. Zero-value
// fields mean the layer was absent (e.g. ARP has no UDP layer).
type Frame struct {
	raw gopacket.Packet

	Ethernet *layers.Ethernet
	ARP      *layers.ARP
	IPv4     *layers.IPv4
	IPv6     *layers.IPv6
	UDP      *layers.UDP
	TCP      *layers.TCP
}

// DecodeEthernet parses a raw TAP-mode frame. Uses gopacket.Lazy decoding
// since most frames only need one or two layers inspected.
func DecodeEthernet(raw []byte) (Frame, error) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Lazy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return Frame{}, ErrNotEthernet
	}
	f := Frame{raw: pkt, Ethernet: eth}
	if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		f.ARP = arp
	}
	if v4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		f.IPv4 = v4
	}
	if v6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		f.IPv6 = v6
	}
	if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		f.UDP = udp
	}
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		f.TCP = tcp
	}
	return f, nil
}

// DecodeIP parses a raw TUN-mode (no Ethernet header) IPv4 or IPv6 packet.
func DecodeIP(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, ErrNoIPLayer
	}
	version := raw[0] >> 4
	var layerType gopacket.LayerType
	switch version {
	case 4:
		layerType = layers.LayerTypeIPv4
	case 6:
		layerType = layers.LayerTypeIPv6
	default:
		return Frame{}, ErrNoIPLayer
	}
	pkt := gopacket.NewPacket(raw, layerType, gopacket.Lazy)
	f := Frame{raw: pkt}
	if v4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		f.IPv4 = v4
	}
	if v6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		f.IPv6 = v6
	}
	if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		f.UDP = udp
	}
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		f.TCP = tcp
	}
	if f.IPv4 == nil && f.IPv6 == nil {
		return Frame{}, ErrNoIPLayer
	}
	return f, nil
}

// DestinationMAC returns the frame's destination hardware address, for
// switchboard MAC-table lookups. Only meaningful for Ethernet frames.
func (f Frame) DestinationMAC() net.HardwareAddr {
	if f.Ethernet == nil {
		return nil
	}
	return f.Ethernet.DstMAC
}

// SourceMAC returns the frame's source hardware address, for MAC learning.
func (f Frame) SourceMAC() net.HardwareAddr {
	if f.Ethernet == nil {
		return nil
	}
	return f.Ethernet.SrcMAC
}

// DestinationIP returns the frame's IPv4 or IPv6 destination, for router
// longest-prefix-match lookups.
func (f Frame) DestinationIP() (netip.Addr, bool) {
	switch {
	case f.IPv4 != nil:
		a, ok := netip.AddrFromSlice(f.IPv4.DstIP)
		return a.Unmap(), ok
	case f.IPv6 != nil:
		a, ok := netip.AddrFromSlice(f.IPv6.DstIP)
		return a, ok
	default:
		return netip.Addr{}, false
	}
}

// EthernetFrame serializes an Ethernet II frame carrying the given payload
// layer (e.g. an *layers.ARP, or an *layers.IPv4 plus its transport layer).
func EthernetFrame(eth *layers.Ethernet, payload ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	all := append([]gopacket.SerializableLayer{eth}, payload...)
	if err := gopacket.SerializeLayers(buf, serializeOpts, all...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IPv4UDPFrame builds an Ethernet+IPv4+UDP frame with correct length and
// checksum fields, used by the DHCP proxy reply path to answer clients
// without requiring the kernel to round-trip the reply through the TAP
// device's own IP stack.
func IPv4UDPFrame(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP netip.Addr, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP.AsSlice(),
		DstIP:    dstIP.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)
	return EthernetFrame(eth, ip, udp, gopacket.Payload(payload))
}

// ARPReplyFrame builds an Ethernet+ARP reply frame answering a request for
// senderIP, claiming it belongs to senderMAC.
func ARPReplyFrame(senderMAC, requesterMAC net.HardwareAddr, senderIP, requesterIP netip.Addr) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       senderMAC,
		DstMAC:       requesterMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   senderMAC,
		SourceProtAddress: senderIP.AsSlice(),
		DstHwAddress:      requesterMAC,
		DstProtAddress:    requesterIP.AsSlice(),
	}
	return EthernetFrame(eth, arp)
}

// IsARPRequestFor reports whether f is an ARP request for wantIP, the
// shape the ARP proxy's miss handler needs to check before synthesizing a
// reply.
func IsARPRequestFor(f Frame, wantIP netip.Addr) bool {
	if f.ARP == nil || f.ARP.Operation != layers.ARPRequest {
		return false
	}
	if f.ARP.AddrType != layers.LinkTypeEthernet || f.ARP.Protocol != layers.EthernetTypeIPv4 {
		return false
	}
	if f.ARP.HwAddressSize != 6 || f.ARP.ProtAddressSize != 4 || len(f.ARP.DstProtAddress) != 4 {
		return false
	}
	target, ok := netip.AddrFromSlice(f.ARP.DstProtAddress)
	return ok && target == wantIP
}
