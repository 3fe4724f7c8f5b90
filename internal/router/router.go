// Package router implements layer-3 forwarding: longest-prefix match over
// each port's locally configured and wire-learned routes.
package router

import (
	"net/netip"
	"sync"
)

// RouteScope governs whether a route learned from a peer over the wire is
// accepted, per spec.md's internal_route_scope policy.
type RouteScope uint8

const (
	RouteScopeNone RouteScope = iota
	RouteScopeUnicastInNetwork
	RouteScopeUnicast
	RouteScopeSubnet
	RouteScopeAny
	// RouteScopeAnyWithGateway behaves identically to RouteScopeAny: no
	// code path currently constructs wire route advertisements carrying a
	// distinct gateway field to exercise the distinction (spec.md's FSCP
	// message set has no route-advertisement message type yet).
	RouteScopeAnyWithGateway
)

// PortKind distinguishes the local TAP/TUN adapter from a remote peer port.
type PortKind uint8

const (
	PortTUNAdapter PortKind = iota
	PortPeer
)

// Port is one endpoint the Router forwards IPv4/IPv6 packets to or from.
type Port struct {
	ID    string
	Kind  PortKind
	Group int
}

type route struct {
	prefix netip.Prefix
	port   Port
	// order is the port's registration sequence, used to break
	// equal-length-prefix ties in the order the ports were added.
	order int
}

// Router holds ports plus, per port, a set of local routes, and forwards
// packets by longest-prefix match across the union of all ports' routes.
type Router struct {
	clientRouting    bool
	maxLearnedRoutes int
	write            func(port Port, packet []byte) error

	mu        sync.Mutex
	ports     map[string]Port
	order     map[string]int
	nextOrder int
	local     []route            // routes configured at startup, indexed by port
	learned   map[string][]route // keyed by source port ID, for removal
}

// Config configures a new Router.
type Config struct {
	// ClientRouting, when true, allows forwarding between two ports in the
	// same group.
	ClientRouting bool
	// MaxLearnedRoutes bounds how many wire-learned routes any one peer
	// port may contribute; zero means unlimited.
	MaxLearnedRoutes int
	// Write transmits packet out of port.
	Write func(port Port, packet []byte) error
}

// New creates a Router with no ports or routes registered.
func New(cfg Config) *Router {
	return &Router{
		clientRouting:    cfg.ClientRouting,
		maxLearnedRoutes: cfg.MaxLearnedRoutes,
		write:            cfg.Write,
		ports:            make(map[string]Port),
		order:            make(map[string]int),
		learned:          make(map[string][]route),
	}
}

// AddPort registers a port with its locally configured routes.
func (r *Router) AddPort(p Port, localRoutes []netip.Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[p.ID] = p
	r.order[p.ID] = r.nextOrder
	for _, prefix := range localRoutes {
		r.local = append(r.local, route{prefix: prefix, port: p, order: r.nextOrder})
	}
	r.nextOrder++
}

// RemovePort unregisters a port along with any routes learned from it.
func (r *Router) RemovePort(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, id)
	delete(r.order, id)
	delete(r.learned, id)
	filtered := r.local[:0]
	for _, rt := range r.local {
		if rt.port.ID != id {
			filtered = append(filtered, rt)
		}
	}
	r.local = filtered
}

// LearnRoute accepts a route advertised by the peer owning port, subject to
// the per-port route-count limit. RouteScopeNone rejects every route; every
// other scope accepts the prefix without inspecting it. Returns false if
// rejected.
func (r *Router) LearnRoute(port Port, prefix netip.Prefix, scope RouteScope) bool {
	if scope == RouteScopeNone {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxLearnedRoutes > 0 && len(r.learned[port.ID]) >= r.maxLearnedRoutes {
		return false
	}
	ord := r.order[port.ID]
	r.learned[port.ID] = append(r.learned[port.ID], route{prefix: prefix, port: port, order: ord})
	return true
}

// Ports returns a snapshot of every registered port.
func (r *Router) Ports() []Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Port, 0, len(r.ports))
	for _, p := range r.ports {
		out = append(out, p)
	}
	return out
}

// Handle looks up dst by longest-prefix match across every port's routes
// and forwards packet to the matched port, unless group isolation applies.
func (r *Router) Handle(ingress Port, dst netip.Addr, packet []byte) {
	r.mu.Lock()
	target, ok := r.lookup(dst)
	r.mu.Unlock()
	if !ok {
		return
	}
	if target.Group == ingress.Group && !r.clientRouting {
		return
	}
	_ = r.write(target, packet)
}

// lookup must be called with r.mu held.
func (r *Router) lookup(dst netip.Addr) (Port, bool) {
	var best *route
	consider := func(rt *route) {
		if !rt.prefix.Contains(dst) {
			return
		}
		if best == nil {
			best = rt
			return
		}
		if rt.prefix.Bits() > best.prefix.Bits() {
			best = rt
			return
		}
		if rt.prefix.Bits() == best.prefix.Bits() && rt.order < best.order {
			best = rt
		}
	}
	for i := range r.local {
		consider(&r.local[i])
	}
	for _, routes := range r.learned {
		for i := range routes {
			consider(&routes[i])
		}
	}
	if best == nil {
		return Port{}, false
	}
	return best.port, true
}
