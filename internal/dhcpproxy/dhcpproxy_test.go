package dhcpproxy_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/freelan-go/freelan/internal/dhcpproxy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func discover(mac net.HardwareAddr) *dhcpv4.DHCPv4 {
	req, err := dhcpv4.NewDiscovery(mac)
	if err != nil {
		panic(err)
	}
	return req
}

func request(mac net.HardwareAddr) *dhcpv4.DHCPv4 {
	req, err := dhcpv4.NewDiscovery(mac)
	if err != nil {
		panic(err)
	}
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRequest))
	return req
}

func TestHandleOffersConfiguredLease(t *testing.T) {
	t.Parallel()
	mac := mustMAC("02:00:00:00:00:0a")
	serverIP := net.ParseIP("10.0.0.1")
	lease := dhcpproxy.Lease{
		Address:   net.ParseIP("10.0.0.50"),
		Netmask:   net.CIDRMask(24, 32),
		Gateway:   net.ParseIP("10.0.0.1"),
		DNS:       []net.IP{net.ParseIP("10.0.0.1")},
		LeaseTime: time.Hour,
	}
	p := dhcpproxy.New(testLogger(), serverIP, map[string]dhcpproxy.Lease{mac.String(): lease})

	reply, ok := p.Handle(discover(mac))
	if !ok {
		t.Fatal("expected an offer")
	}
	if reply.MessageType() != dhcpv4.MessageTypeOffer {
		t.Errorf("MessageType = %v, want Offer", reply.MessageType())
	}
	if !reply.YourIPAddr.Equal(lease.Address) {
		t.Errorf("YourIPAddr = %v, want %v", reply.YourIPAddr, lease.Address)
	}
}

func TestHandleAcksRequest(t *testing.T) {
	t.Parallel()
	mac := mustMAC("02:00:00:00:00:0b")
	serverIP := net.ParseIP("10.0.0.1")
	lease := dhcpproxy.Lease{
		Address: net.ParseIP("10.0.0.51"),
		Netmask: net.CIDRMask(24, 32),
	}
	p := dhcpproxy.New(testLogger(), serverIP, map[string]dhcpproxy.Lease{mac.String(): lease})

	reply, ok := p.Handle(request(mac))
	if !ok {
		t.Fatal("expected an ack")
	}
	if reply.MessageType() != dhcpv4.MessageTypeAck {
		t.Errorf("MessageType = %v, want Ack", reply.MessageType())
	}
}

func TestHandleRejectsUnknownClient(t *testing.T) {
	t.Parallel()
	p := dhcpproxy.New(testLogger(), net.ParseIP("10.0.0.1"), nil)
	if _, ok := p.Handle(discover(mustMAC("02:00:00:00:00:ff"))); ok {
		t.Error("expected no reply for a client with no configured lease")
	}
}

func TestHandleIgnoresRelease(t *testing.T) {
	t.Parallel()
	mac := mustMAC("02:00:00:00:00:0c")
	p := dhcpproxy.New(testLogger(), net.ParseIP("10.0.0.1"), map[string]dhcpproxy.Lease{
		mac.String(): {Address: net.ParseIP("10.0.0.52"), Netmask: net.CIDRMask(24, 32)},
	})
	req := discover(mac)
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRelease))
	if _, ok := p.Handle(req); ok {
		t.Error("expected no reply for a release message")
	}
}

func TestHandleIncludesRenewAndRebindingTimes(t *testing.T) {
	t.Parallel()
	mac := mustMAC("02:00:00:00:00:0e")
	lease := dhcpproxy.Lease{
		Address:   net.ParseIP("10.0.0.54"),
		Netmask:   net.CIDRMask(24, 32),
		LeaseTime: 8 * time.Hour,
	}
	p := dhcpproxy.New(testLogger(), net.ParseIP("10.0.0.1"), map[string]dhcpproxy.Lease{mac.String(): lease})

	reply, ok := p.Handle(discover(mac))
	if !ok {
		t.Fatal("expected an offer")
	}

	renew := reply.Options.Get(dhcpv4.OptionRenewTimeValue)
	rebind := reply.Options.Get(dhcpv4.OptionRebindingTimeValue)
	if len(renew) != 4 || len(rebind) != 4 {
		t.Fatalf("renew/rebinding options missing or malformed: renew=%v rebind=%v", renew, rebind)
	}

	wantRenew := uint32(lease.LeaseTime.Seconds() * 0.875)
	wantRebind := uint32(lease.LeaseTime.Seconds() * 0.5)
	if got := binary.BigEndian.Uint32(renew); got != wantRenew {
		t.Errorf("renew time = %d, want %d", got, wantRenew)
	}
	if got := binary.BigEndian.Uint32(rebind); got != wantRebind {
		t.Errorf("rebinding time = %d, want %d", got, wantRebind)
	}
}

func TestSetAndRemoveLease(t *testing.T) {
	t.Parallel()
	mac := mustMAC("02:00:00:00:00:0d")
	p := dhcpproxy.New(testLogger(), net.ParseIP("10.0.0.1"), nil)
	p.SetLease(mac, dhcpproxy.Lease{Address: net.ParseIP("10.0.0.53"), Netmask: net.CIDRMask(24, 32)})
	if _, ok := p.Handle(discover(mac)); !ok {
		t.Fatal("expected an offer after SetLease")
	}
	p.RemoveLease(mac)
	if _, ok := p.Handle(discover(mac)); ok {
		t.Error("expected no reply after RemoveLease")
	}
}
