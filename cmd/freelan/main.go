// freelan daemon -- peer-to-peer VPN over the FSCP secure channel protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/freelan-go/freelan/internal/config"
	"github.com/freelan-go/freelan/internal/core"
	"github.com/freelan-go/freelan/internal/fscp"
	"github.com/freelan-go/freelan/internal/identity"
	freelanmetrics "github.com/freelan-go/freelan/internal/metrics"
	"github.com/freelan-go/freelan/internal/netio"
	"github.com/freelan-go/freelan/internal/osmgr"
	"github.com/freelan-go/freelan/internal/router"
	"github.com/freelan-go/freelan/internal/server"
	"github.com/freelan-go/freelan/internal/switchboard"
	appversion "github.com/freelan-go/freelan/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	laddr := flag.String("listen", ":6431", "FSCP UDP listen address")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("freelan starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("tap_mode", cfg.Tap.Mode),
	)

	id, err := loadIdentity(cfg.Identity)
	if err != nil {
		logger.Error("failed to load identity", slog.String("error", err.Error()))
		return 1
	}

	reg := prometheus.NewRegistry()
	collector := freelanmetrics.NewCollector(reg)

	if err := runDaemon(cfg, id, *laddr, collector, reg, logger); err != nil {
		logger.Error("freelan exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("freelan stopped")
	return 0
}

// runDaemon opens the local adapter, wires the FSCP server to the Switch/
// Router via Core, and runs every component under one errgroup until ctx
// is cancelled by a signal or a component fails.
func runDaemon(
	cfg *config.Config,
	id *identity.Store,
	laddr string,
	collector *freelanmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	dev, ifIndex, err := openAdapter(cfg.Tap)
	if err != nil {
		return fmt.Errorf("open adapter: %w", err)
	}
	defer dev.Close()

	mgr, err := osmgr.NewLinux()
	if err != nil {
		logger.Warn("OS route/address manager unavailable", slog.String("error", err.Error()))
	}

	neverContact, err := parsePrefixes(cfg.Banned)
	if err != nil {
		return fmt.Errorf("parse banned_networks: %w", err)
	}
	localRoutes, err := parseRouteConfigs(cfg.Routes)
	if err != nil {
		return fmt.Errorf("parse routes: %w", err)
	}

	mode := core.ModeTAP
	if cfg.Tap.Mode == "tun" {
		mode = core.ModeTUN
	}

	fscpSrv, err := fscp.NewServer(laddr, id, &fscp.Callbacks{}, logger,
		fscp.WithBannedNetworks(neverContact),
	)
	if err != nil {
		return fmt.Errorf("start fscp server: %w", err)
	}
	defer fscpSrv.Close()

	c, err := core.New(core.Config{
		Mode:                 mode,
		Server:               fscpSrv,
		Device:               dev,
		Metrics:              collector,
		Contacts:             contactsFromConfig(cfg.Contacts),
		NeverContact:         neverContact,
		ContactPeriod:        cfg.Timers.ContactPeriod,
		DynamicContactPeriod: cfg.Timers.DynamicContactPeriod,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	switch mode {
	case core.ModeTAP:
		sw := switchboard.New(switchboard.Config{Write: c.SwitchWriter()})
		c.AttachSwitch(sw)
	case core.ModeTUN:
		rt := router.New(router.Config{Write: c.RouterWriter()})
		c.AttachRouter(rt, localRoutes)
	}

	// The callback set was only obtainable after Core existed, but
	// fscp.NewServer needed callbacks up front; rebind them now that Core
	// is fully wired, before any datagram triggers a callback.
	fscpSrv.SetCallbacks(c.Callbacks())

	routeHandles := addConfiguredRoutes(mgr, ifIndex, mode, localRoutes, logger)
	defer closeRouteHandles(routeHandles, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return fscpSrv.Serve(gctx) })
	g.Go(func() error { return c.Run(gctx) })

	adminSrv := newAdminServer(cfg.Admin, fscpSrv, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	startHTTPServers(gctx, g, cfg, adminSrv, metricsSrv, logger)

	g.Go(func() error {
		<-gctx.Done()
		return shutdownServers(gctx, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

func openAdapter(cfg config.TapConfig) (*netio.Device, int, error) {
	mode := netio.ModeTAP
	if cfg.Mode == "tun" {
		mode = netio.ModeTUN
	}

	dev, err := netio.Open(mode, cfg.Name)
	if err != nil {
		return nil, 0, err
	}

	var addr netip.Prefix
	if cfg.Address != "" {
		addr, err = netip.ParsePrefix(cfg.Address)
		if err != nil {
			dev.Close()
			return nil, 0, fmt.Errorf("parse tap.address %q: %w", cfg.Address, err)
		}
	}
	if err := dev.Configure(addr, cfg.MTU); err != nil {
		dev.Close()
		return nil, 0, fmt.Errorf("configure adapter %s: %w", dev.Name(), err)
	}

	iface, err := net.InterfaceByName(dev.Name())
	if err != nil {
		dev.Close()
		return nil, 0, fmt.Errorf("look up adapter index for %s: %w", dev.Name(), err)
	}
	return dev, iface.Index, nil
}

// addConfiguredRoutes installs each TUN-mode local route onto the adapter
// through the OS route manager, so traffic for those prefixes reaches the
// tunnel without a separate `ip route` step. Handles are released on
// shutdown, dropping the route only if no other caller still holds it.
func addConfiguredRoutes(mgr *osmgr.Manager, ifIndex int, mode core.Mode, routes []netip.Prefix, logger *slog.Logger) []*osmgr.Handle {
	if mgr == nil || mode != core.ModeTUN {
		return nil
	}

	handles := make([]*osmgr.Handle, 0, len(routes))
	for _, prefix := range routes {
		h, err := mgr.AddRoute(ifIndex, prefix, netip.Addr{})
		if err != nil {
			logger.Warn("add route", slog.String("prefix", prefix.String()), slog.String("error", err.Error()))
			continue
		}
		handles = append(handles, h)
	}
	return handles
}

func closeRouteHandles(handles []*osmgr.Handle, logger *slog.Logger) {
	for _, h := range handles {
		if err := h.Close(); err != nil {
			logger.Warn("release route handle", slog.String("error", err.Error()))
		}
	}
}

func contactsFromConfig(contacts []config.ContactConfig) []core.Contact {
	out := make([]core.Contact, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, core.Contact{Endpoint: c.Endpoint, Group: c.Group})
	}
	return out
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", cidr, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseRouteConfigs(routes []config.RouteConfig) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(routes))
	for _, rt := range routes {
		p, err := netip.ParsePrefix(rt.Network)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", rt.Network, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// revocationPolicyFromConfig maps the config's revocation_policy string
// onto identity.RevocationPolicy: "none" selects RevocationNone, "strict"
// selects RevocationAll, and anything else (including "warn") selects
// RevocationLast.
func revocationPolicyFromConfig(s string) identity.RevocationPolicy {
	switch s {
	case "strict":
		return identity.RevocationAll
	case "none":
		return identity.RevocationNone
	default:
		return identity.RevocationLast
	}
}

func loadIdentity(cfg config.IdentityConfig) (*identity.Store, error) {
	certPEM, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("read cert_path: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read key_path: %w", err)
	}

	var caBundle []byte
	if cfg.CABundlePath != "" {
		caBundle, err = os.ReadFile(cfg.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("read ca_bundle_path: %w", err)
		}
	}

	crlBundles := make([][]byte, 0, len(cfg.CRLPaths))
	for _, path := range cfg.CRLPaths {
		bundle, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read crl_paths %s: %w", path, err)
		}
		crlBundles = append(crlBundles, bundle)
	}

	return identity.Load(certPEM, keyPEM, caBundle, crlBundles, revocationPolicyFromConfig(cfg.RevocationPolicy))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func newAdminServer(cfg config.AdminConfig, fscpSrv *fscp.Server, logger *slog.Logger) *http.Server {
	s := server.New(fscpSrv, logger)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	adminSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func shutdownServers(ctx context.Context, servers ...*http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}
