package core_test

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/freelan-go/freelan/internal/core"
	"github.com/freelan-go/freelan/internal/fscp"
	"github.com/freelan-go/freelan/internal/router"
	"github.com/freelan-go/freelan/internal/switchboard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDevice struct {
	written [][]byte
}

// Read returns io.EOF immediately: the adapter loop treats any read error
// as fatal and returns, which is what closing a real TAP fd looks like.
func (f *fakeDevice) Read(buf []byte) (int, error) { return 0, io.EOF }
func (f *fakeDevice) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.written = append(f.written, cp)
	return len(buf), nil
}

func newTestServer(t *testing.T) *fscp.Server {
	t.Helper()
	srv, err := fscp.NewServer("127.0.0.1:0", nil, &fscp.Callbacks{}, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestAttachSwitchRegistersTapPort(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	dev := &fakeDevice{}

	c, err := core.New(core.Config{
		Mode:   core.ModeTAP,
		Server: srv,
		Device: dev,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sw := switchboard.New(switchboard.Config{Write: c.SwitchWriter()})
	c.AttachSwitch(sw)

	found := false
	for _, p := range sw.Ports() {
		if p.ID == "tap0" {
			found = true
		}
	}
	if !found {
		t.Fatal("tap0 port was not registered on the switch")
	}
}

func TestAttachRouterRegistersTunPortWithLocalRoutes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	dev := &fakeDevice{}

	c, err := core.New(core.Config{
		Mode:   core.ModeTUN,
		Server: srv,
		Device: dev,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rt := router.New(router.Config{Write: c.RouterWriter()})
	c.AttachRouter(rt, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")})

	found := false
	for _, p := range rt.Ports() {
		if p.ID == "tap0" {
			found = true
		}
	}
	if !found {
		t.Fatal("tap0 port was not registered on the router")
	}
}

func TestCoreRunReturnsWhenAdapterReadFails(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	dev := &fakeDevice{}

	c, err := core.New(core.Config{
		Mode:          core.ModeTAP,
		Server:        srv,
		Device:        dev,
		Logger:        testLogger(),
		ContactPeriod: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sw := switchboard.New(switchboard.Config{Write: c.SwitchWriter()})
	c.AttachSwitch(sw)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(context.Background()) }()

	select {
	case err := <-runDone:
		if err == nil {
			t.Fatal("Run returned nil error, want the adapter read failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the adapter read failed")
	}
}
