// Package server implements the admin HTTP API for the freelan daemon:
// peer listing and ad-hoc greet operations against a live
// fscp.Server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/freelan-go/freelan/internal/fscp"
)

// ErrMissingAddress indicates a peer path parameter could not be parsed
// as a host:port endpoint.
var ErrMissingAddress = errors.New("address must be a host:port endpoint")

// PeerLister is the subset of fscp.Server the admin API needs to list and
// greet peers. Kept as an interface so the HTTP layer is testable without
// a bound UDP socket.
type PeerLister interface {
	Peers() []netip.AddrPort
	Greet(ctx context.Context, ep netip.AddrPort)
	Close() error
}

// Server serves the admin HTTP API.
type Server struct {
	fscp   PeerLister
	logger *slog.Logger
}

// New creates a Server backed by fscpServer.
func New(fscpServer PeerLister, logger *slog.Logger) *Server {
	return &Server{
		fscp:   fscpServer,
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the admin API's http.Handler, wrapped in logging and
// panic-recovery middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/peers", s.handleListPeers)
	mux.HandleFunc("POST /v1/peers/{endpoint}/greet", s.handleGreetPeer)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return RecoveryMiddleware(s.logger, LoggingMiddleware(s.logger, mux))
}

// peerView is the JSON shape of one peer endpoint in list responses.
type peerView struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers := s.fscp.Peers()
	views := make([]peerView, 0, len(peers))
	for _, ep := range peers {
		views = append(views, peerView{Endpoint: ep.String()})
	}
	writeJSON(w, http.StatusOK, struct {
		Peers []peerView `json:"peers"`
	}{Peers: views})
}

func (s *Server) handleGreetPeer(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("endpoint")
	ep, err := parseEndpoint(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.fscp.Greet(r.Context(), ep)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// parseEndpoint accepts either a literal "host:port" AddrPort or a
// URL-path-escaped equivalent (path segments can't contain a raw ':'
// before the colon separating host and port on some clients, so "_" is
// also accepted as a separator).
func parseEndpoint(raw string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap, nil
	}
	if host, port, ok := strings.Cut(raw, "_"); ok {
		if ap, err := netip.ParseAddrPort(host + ":" + port); err == nil {
			return ap, nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrMissingAddress, raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

// verify interface compliance at compile time.
var _ PeerLister = (*fscp.Server)(nil)
