package api

import (
	"net/http"
	"time"

	"github.com/hubmesh/hubmesh/internal/audit"
)

// HandleAuditQuery returns a handler for GET /api/v1/audit/events.
// Filters: peer_id, event_type, result, start_time, end_time (RFC 3339),
// limit, offset.
func HandleAuditQuery(logger *audit.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pg, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		f := audit.Filter{
			PeerID:    r.URL.Query().Get("peer_id"),
			EventType: audit.Kind(r.URL.Query().Get("event_type")),
			Result:    r.URL.Query().Get("result"),
			Limit:     pg.Limit,
			Offset:    pg.Offset,
		}
		if v := r.URL.Query().Get("start_time"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeInvalidArgument(w, "start_time: must be RFC 3339")
				return
			}
			f.StartTime = t
		}
		if v := r.URL.Query().Get("end_time"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeInvalidArgument(w, "end_time: must be RFC 3339")
				return
			}
			f.EndTime = t
		}

		events, err := logger.Query(f)
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", err.Error())
			return
		}
		if events == nil {
			events = []audit.Event{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"limit":  pg.Limit,
			"offset": pg.Offset,
		})
	})
}
