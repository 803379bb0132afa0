package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/net/netutil"

	"github.com/hubmesh/hubmesh/internal/audit"
	"github.com/hubmesh/hubmesh/internal/health"
	"github.com/hubmesh/hubmesh/internal/ippool"
	"github.com/hubmesh/hubmesh/internal/lease"
	"github.com/hubmesh/hubmesh/internal/provision"
	"github.com/hubmesh/hubmesh/internal/timeline"
	"github.com/hubmesh/hubmesh/internal/wgconf"
)

// Deps carries the services the route table is built from. Nil members
// are tolerated: their routes answer 503 instead of being absent.
type Deps struct {
	Provision  *provision.Service
	Hub        *wgconf.Manager
	Pool       *ippool.Pool
	Issuer     *lease.Issuer
	Aggregator *health.Aggregator
	Timeline   *timeline.Log
	Audit      *audit.Logger
}

// Server wraps the HTTP server and mux for the hub control API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	maxConns   int
}

// NewServer creates an API server listening on all interfaces.
func NewServer(port int, adminToken string, apiMaxBodyBytes int64, maxConns int, deps Deps) *Server {
	return NewServerWithAddress("", port, adminToken, apiMaxBodyBytes, maxConns, deps)
}

// NewServerWithAddress creates an API server with an explicit listen address.
func NewServerWithAddress(listenAddress string, port int, adminToken string, apiMaxBodyBytes int64, maxConns int, deps Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()

	if deps.Provision != nil && deps.Hub != nil && deps.Pool != nil {
		authed.Handle("POST /api/v1/wireguard/provision", HandleProvision(deps.Provision))
		authed.Handle("GET /api/v1/wireguard/peers", HandleListPeers(deps.Hub))
		authed.Handle("DELETE /api/v1/wireguard/peers/{node_id}", HandleDeprovision(deps.Provision))
		authed.Handle("GET /api/v1/wireguard/pool/stats", HandlePoolStats(deps.Pool))
		authed.Handle("GET /api/v1/wireguard/health", HandleWGHealth(deps.Hub, deps.Pool))
	} else {
		authed.Handle("/api/v1/wireguard/", HandleWGUnavailable())
	}

	if deps.Issuer != nil {
		authed.Handle("POST /api/v1/tasks/lease", HandleIssueLease(deps.Issuer))
		authed.Handle("DELETE /api/v1/tasks/lease/{lease_id}", HandleRevokeLease(deps.Issuer))
	}

	if deps.Aggregator != nil {
		authed.Handle("GET /api/v1/swarm/health", HandleSwarmHealth(deps.Aggregator))
		authed.Handle("GET /api/v1/swarm/monitoring/status", HandleMonitoringStatus(deps.Aggregator))
	} else {
		authed.Handle("GET /api/v1/swarm/health", HandleSwarmUnavailable())
		authed.Handle("GET /api/v1/swarm/monitoring/status", HandleSwarmUnavailable())
	}
	if deps.Timeline != nil {
		authed.Handle("GET /api/v1/swarm/timeline", HandleTimeline(deps.Timeline))
	}
	authed.Handle("GET /api/v1/swarm/alerts/thresholds", HandleGetThresholds())
	authed.Handle("PUT /api/v1/swarm/alerts/thresholds", HandlePutThresholds())

	if deps.Audit != nil {
		authed.Handle("GET /api/v1/audit/events", HandleAuditQuery(deps.Audit))
	}

	// An empty admin token disables auth; config warns loudly about it.
	protected := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	if adminToken != "" {
		protected = AuthMiddleware(adminToken, protected)
	}
	mux.Handle("/api/", protected)

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		maxConns:   maxConns,
	}
}

// ListenAndServe starts the HTTP server, capping concurrent connections
// when maxConns > 0. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
