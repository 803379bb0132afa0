package api

import (
	"net/http"

	"github.com/hubmesh/hubmesh/internal/lease"
)

// HandleIssueLease returns a handler for POST /api/v1/tasks/lease.
func HandleIssueLease(issuer *lease.Issuer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req lease.Request
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.TaskID == "" || req.PeerID == "" {
			writeInvalidArgument(w, "task_id and peer_id are required")
			return
		}
		grant, err := issuer.Issue(req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, grant)
	})
}

// HandleRevokeLease returns a handler for DELETE /api/v1/tasks/lease/{lease_id}.
func HandleRevokeLease(issuer *lease.Issuer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaseID := r.PathValue("lease_id")
		if leaseID == "" {
			writeInvalidArgument(w, "lease_id is required")
			return
		}
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator request"
		}
		if err := issuer.Revoke(leaseID, reason); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
