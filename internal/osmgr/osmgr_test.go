package osmgr_test

import (
	"net/netip"
	"testing"

	"github.com/freelan-go/freelan/internal/osmgr"
)

// fakeRoutes/fakeAddrs/fakeDNS record calls so tests can assert the
// Manager only touches the OS once per distinct resource, regardless of
// how many Handles reference it.
type fakeRoutes struct {
	added   int
	deleted int
}

func (f *fakeRoutes) AddRoute(ifIndex int, prefix netip.Prefix, gateway netip.Addr) error {
	f.added++
	return nil
}

func (f *fakeRoutes) DeleteRoute(ifIndex int, prefix netip.Prefix, gateway netip.Addr) error {
	f.deleted++
	return nil
}

type fakeAddrs struct {
	added   int
	deleted int
}

func (f *fakeAddrs) AddAddress(ifIndex int, prefix netip.Prefix) error {
	f.added++
	return nil
}

func (f *fakeAddrs) DeleteAddress(ifIndex int, prefix netip.Prefix) error {
	f.deleted++
	return nil
}

type fakeDNS struct {
	set   int
	unset int
}

func (f *fakeDNS) SetLinkDNS(ifIndex int, server netip.Addr) error {
	f.set++
	return nil
}

func (f *fakeDNS) UnsetLinkDNS(ifIndex int, server netip.Addr) error {
	f.unset++
	return nil
}

func TestAddRouteSharedBetweenTwoHandles(t *testing.T) {
	t.Parallel()

	routes := &fakeRoutes{}
	m := osmgr.New(routes, &fakeAddrs{}, &fakeDNS{})

	prefix := netip.MustParsePrefix("10.0.0.0/24")
	gw := netip.MustParseAddr("10.0.0.1")

	h1, err := m.AddRoute(3, prefix, gw)
	if err != nil {
		t.Fatalf("first AddRoute: %v", err)
	}
	h2, err := m.AddRoute(3, prefix, gw)
	if err != nil {
		t.Fatalf("second AddRoute: %v", err)
	}

	if routes.added != 1 {
		t.Fatalf("routes.added = %d, want 1 (second caller should share the handle)", routes.added)
	}

	if err := h1.Close(); err != nil {
		t.Fatalf("close h1: %v", err)
	}
	if routes.deleted != 0 {
		t.Fatalf("routes.deleted = %d, want 0 (second reference still open)", routes.deleted)
	}

	if err := h2.Close(); err != nil {
		t.Fatalf("close h2: %v", err)
	}
	if routes.deleted != 1 {
		t.Fatalf("routes.deleted = %d, want 1 (last reference closed)", routes.deleted)
	}
}

func TestAddAddressDistinctPrefixesIndependent(t *testing.T) {
	t.Parallel()

	addrs := &fakeAddrs{}
	m := osmgr.New(&fakeRoutes{}, addrs, &fakeDNS{})

	h1, err := m.AddAddress(3, netip.MustParsePrefix("10.0.0.1/24"))
	if err != nil {
		t.Fatalf("AddAddress 1: %v", err)
	}
	h2, err := m.AddAddress(3, netip.MustParsePrefix("10.0.0.2/24"))
	if err != nil {
		t.Fatalf("AddAddress 2: %v", err)
	}

	if addrs.added != 2 {
		t.Fatalf("addrs.added = %d, want 2 (distinct prefixes are independent resources)", addrs.added)
	}

	_ = h1.Close()
	_ = h2.Close()
	if addrs.deleted != 2 {
		t.Fatalf("addrs.deleted = %d, want 2", addrs.deleted)
	}
}

func TestSetDNSServerRefcounted(t *testing.T) {
	t.Parallel()

	dns := &fakeDNS{}
	m := osmgr.New(&fakeRoutes{}, &fakeAddrs{}, dns)

	server := netip.MustParseAddr("10.0.0.53")

	h1, err := m.SetDNSServer(3, server)
	if err != nil {
		t.Fatalf("SetDNSServer: %v", err)
	}
	if _, err := m.SetDNSServer(3, server); err != nil {
		t.Fatalf("SetDNSServer (second caller): %v", err)
	}

	if dns.set != 1 {
		t.Fatalf("dns.set = %d, want 1", dns.set)
	}

	if err := h1.Close(); err != nil {
		t.Fatalf("close h1: %v", err)
	}
	if dns.unset != 0 {
		t.Fatalf("dns.unset = %d, want 0 (one reference remains)", dns.unset)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	routes := &fakeRoutes{}
	m := osmgr.New(routes, &fakeAddrs{}, &fakeDNS{})

	h, err := m.AddRoute(3, netip.MustParsePrefix("10.0.0.0/24"), netip.Addr{})
	if err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if routes.deleted != 1 {
		t.Fatalf("routes.deleted = %d, want 1 (closing twice must not double-delete)", routes.deleted)
	}
}
