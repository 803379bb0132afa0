package api

import (
	"net/http"

	"github.com/hubmesh/hubmesh/internal/ippool"
	"github.com/hubmesh/hubmesh/internal/provision"
	"github.com/hubmesh/hubmesh/internal/wgconf"
)

// HandleProvision returns a handler for POST /api/v1/wireguard/provision.
func HandleProvision(svc *provision.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req provision.Request
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		cfg, err := svc.Provision(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, cfg)
	})
}

// HandleListPeers returns a handler for GET /api/v1/wireguard/peers.
func HandleListPeers(hub *wgconf.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"peers": hub.List()})
	})
}

// HandleDeprovision returns a handler for DELETE /api/v1/wireguard/peers/{node_id}.
func HandleDeprovision(svc *provision.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("node_id")
		if nodeID == "" {
			writeInvalidArgument(w, "node_id is required")
			return
		}
		if err := svc.Deprovision(r.Context(), nodeID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// HandlePoolStats returns a handler for GET /api/v1/wireguard/pool/stats.
func HandlePoolStats(pool *ippool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, pool.Stats())
	})
}

// HandleWGHealth returns a handler for GET /api/v1/wireguard/health.
// Pass ?include_peers=true for the per-peer entry map.
func HandleWGHealth(hub *wgconf.Manager, pool *ippool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		includePeers, err := ParseBoolQuery(r, "include_peers")
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		hubStats, err := hub.Stats()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		summary := map[string]any{
			"interface": hubStats,
			"pool":      pool.Stats(),
		}
		if includePeers != nil && *includePeers {
			peers := map[string]wgconf.PeerEntry{}
			for _, id := range hub.List() {
				if entry, ok := hub.Get(id); ok {
					peers[id] = entry
				}
			}
			summary["peers"] = peers
		}
		WriteJSON(w, http.StatusOK, summary)
	})
}

// HandleWGUnavailable serves the wireguard routes when the WG stack is
// not configured.
func HandleWGUnavailable() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusServiceUnavailable, "WG_UNAVAILABLE", "wireguard stack not configured")
	})
}
