package codec_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/freelan-go/freelan/internal/codec"
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func TestDecodeEthernetIPv4UDP(t *testing.T) {
	t.Parallel()
	srcMAC := mustMAC("02:00:00:00:00:01")
	dstMAC := mustMAC("02:00:00:00:00:02")
	raw, err := codec.IPv4UDPFrame(srcMAC, dstMAC,
		netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"),
		1234, 5678, []byte("payload"))
	if err != nil {
		t.Fatalf("IPv4UDPFrame: %v", err)
	}

	f, err := codec.DecodeEthernet(raw)
	if err != nil {
		t.Fatalf("DecodeEthernet: %v", err)
	}
	if f.IPv4 == nil {
		t.Fatal("expected an IPv4 layer")
	}
	if f.UDP == nil {
		t.Fatal("expected a UDP layer")
	}
	if string(f.UDP.Payload) != "payload" {
		t.Errorf("payload = %q, want %q", f.UDP.Payload, "payload")
	}
	dst, ok := f.DestinationIP()
	if !ok || dst != netip.MustParseAddr("10.0.0.2") {
		t.Errorf("DestinationIP() = %v, %v", dst, ok)
	}
	if f.DestinationMAC().String() != dstMAC.String() {
		t.Errorf("DestinationMAC() = %v, want %v", f.DestinationMAC(), dstMAC)
	}
}

func TestDecodeEthernetRejectsNonEthernet(t *testing.T) {
	t.Parallel()
	if _, err := codec.DecodeEthernet(nil); err == nil {
		t.Error("expected an error for an empty frame")
	}
}

func TestDecodeIPv4TUNMode(t *testing.T) {
	t.Parallel()
	buf := gopacket.NewSerializeBuffer()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    netip.MustParseAddr("10.0.0.1").AsSlice(),
		DstIP:    netip.MustParseAddr("10.0.0.2").AsSlice(),
	}
	udp := &layers.UDP{SrcPort: 1111, DstPort: 2222}
	udp.SetNetworkLayerForChecksum(ip)
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload([]byte("x"))); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	f, err := codec.DecodeIP(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeIP: %v", err)
	}
	if f.IPv4 == nil {
		t.Fatal("expected an IPv4 layer")
	}
}

func TestDecodeIPRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := codec.DecodeIP(nil); err == nil {
		t.Error("expected an error for an empty packet")
	}
}

func TestARPReplyFrameAndIsARPRequestFor(t *testing.T) {
	t.Parallel()
	requesterMAC := mustMAC("02:00:00:00:00:0a")
	senderMAC := mustMAC("02:00:00:00:00:0b")
	requesterIP := netip.MustParseAddr("10.0.0.10")
	senderIP := netip.MustParseAddr("10.0.0.11")

	buf := gopacket.NewSerializeBuffer()
	eth := &layers.Ethernet{SrcMAC: requesterMAC, DstMAC: mustMAC("ff:ff:ff:ff:ff:ff"), EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   requesterMAC,
		SourceProtAddress: requesterIP.AsSlice(),
		DstProtAddress:    senderIP.AsSlice(),
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		t.Fatalf("serialize request: %v", err)
	}
	req, err := codec.DecodeEthernet(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeEthernet: %v", err)
	}
	if !codec.IsARPRequestFor(req, senderIP) {
		t.Fatal("expected IsARPRequestFor to match")
	}
	if codec.IsARPRequestFor(req, requesterIP) {
		t.Error("IsARPRequestFor must not match the requester's own IP")
	}

	replyRaw, err := codec.ARPReplyFrame(senderMAC, requesterMAC, senderIP, requesterIP)
	if err != nil {
		t.Fatalf("ARPReplyFrame: %v", err)
	}
	reply, err := codec.DecodeEthernet(replyRaw)
	if err != nil {
		t.Fatalf("DecodeEthernet reply: %v", err)
	}
	if reply.ARP.Operation != layers.ARPReply {
		t.Errorf("Operation = %v, want ARPReply", reply.ARP.Operation)
	}
	if net.HardwareAddr(reply.ARP.SourceHwAddress).String() != senderMAC.String() {
		t.Errorf("SourceHwAddress = %v, want %v", net.HardwareAddr(reply.ARP.SourceHwAddress), senderMAC)
	}
}
