package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/hubmesh/hubmesh/internal/health"
	"github.com/hubmesh/hubmesh/internal/timeline"
)

// HandleSwarmHealth returns a handler for GET /api/v1/swarm/health.
func HandleSwarmHealth(agg *health.Aggregator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, agg.CollectSnapshot())
	})
}

// HandleSwarmUnavailable serves the swarm routes when the aggregator is
// not configured.
func HandleSwarmUnavailable() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusServiceUnavailable, "AGGREGATOR_UNAVAILABLE", "health aggregator not configured")
	})
}

// HandleTimeline returns a handler for GET /api/v1/swarm/timeline.
// Filters: task_id, peer_id, event_type, since, until (RFC 3339),
// limit, offset.
func HandleTimeline(log *timeline.Log) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pg, err := ParsePagination(r)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		q := timeline.Query{
			TaskID:    r.URL.Query().Get("task_id"),
			PeerID:    r.URL.Query().Get("peer_id"),
			EventType: timeline.EventType(r.URL.Query().Get("event_type")),
			Limit:     pg.Limit,
			Offset:    pg.Offset,
		}
		if v := r.URL.Query().Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeInvalidArgument(w, "since: must be RFC 3339")
				return
			}
			q.Since = t
		}
		if v := r.URL.Query().Get("until"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeInvalidArgument(w, "until: must be RFC 3339")
				return
			}
			q.Until = t
		}

		events, total := log.Query(q)
		WriteJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"total":  total,
			"limit":  pg.Limit,
			"offset": pg.Offset,
		})
	})
}

// HandleGetThresholds returns a handler for GET /api/v1/swarm/alerts/thresholds.
func HandleGetThresholds() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, health.GetThresholds())
	})
}

// HandlePutThresholds returns a handler for PUT /api/v1/swarm/alerts/thresholds.
// The body is a partial patch; out-of-range values reject the whole update.
func HandlePutThresholds() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]float64
		if err := DecodeBody(r, &patch); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		updated, err := health.UpdateThresholds(patch)
		if err != nil {
			WriteError(w, http.StatusUnprocessableEntity, "THRESHOLD_OUT_OF_RANGE", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	})
}

// HandleMonitoringStatus returns a handler for GET /api/v1/swarm/monitoring/status.
func HandleMonitoringStatus(agg *health.Aggregator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := agg.CollectSnapshot()
		subsystems := make([]string, 0, len(snap.Subsystems))
		for tag := range snap.Subsystems {
			subsystems = append(subsystems, tag)
		}
		sort.Strings(subsystems)
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":               snap.Status,
			"timestamp":            snap.Timestamp,
			"subsystems":           subsystems,
			"subsystems_available": snap.SubsystemsAvailable,
			"subsystems_total":     snap.SubsystemsTotal,
		})
	})
}
