// Package health pulls stats from registered subsystems and derives a
// composite status against configurable alert thresholds.
package health

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Statuses, worst to best.
const (
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
	StatusHealthy   = "healthy"
)

// Well-known subsystem tags consulted by status derivation.
const (
	SubsystemPartition  = "partition_detection"
	SubsystemBuffer     = "result_buffer"
	SubsystemCrashes    = "node_crash_detection"
	SubsystemRevocation = "lease_revocation"
	SubsystemPool       = "ip_pool"
)

// StatsProvider is implemented by every subsystem that can report stats.
type StatsProvider interface {
	Stats() (map[string]any, error)
}

// ProviderFunc adapts a plain function to StatsProvider.
type ProviderFunc func() (map[string]any, error)

func (f ProviderFunc) Stats() (map[string]any, error) { return f() }

// Subsystem is one block inside a snapshot.
type Subsystem struct {
	Available bool           `json:"available"`
	Error     string         `json:"error,omitempty"`
	Stats     map[string]any `json:"stats,omitempty"`
}

// Snapshot is one composite health view.
type Snapshot struct {
	Status              string               `json:"status"`
	Timestamp           time.Time            `json:"timestamp"`
	SubsystemsAvailable int                  `json:"subsystems_available"`
	SubsystemsTotal     int                  `json:"subsystems_total"`
	Subsystems          map[string]Subsystem `json:"subsystems"`
}

// Aggregator is a registry of subsystem tag -> provider.
type Aggregator struct {
	providers *xsync.Map[string, StatsProvider]
}

func NewAggregator() *Aggregator {
	return &Aggregator{providers: xsync.NewMap[string, StatsProvider]()}
}

// Register installs (or replaces) a subsystem provider under a tag.
func (a *Aggregator) Register(tag string, p StatsProvider) {
	a.providers.Store(tag, p)
}

// Unregister removes a subsystem.
func (a *Aggregator) Unregister(tag string) {
	a.providers.Delete(tag)
}

// CollectSnapshot polls every provider and derives overall status. A
// provider returning an error marks its subsystem unavailable with the
// error message attached.
func (a *Aggregator) CollectSnapshot() Snapshot {
	snap := Snapshot{
		Timestamp:  time.Now().UTC(),
		Subsystems: map[string]Subsystem{},
	}

	a.providers.Range(func(tag string, p StatsProvider) bool {
		snap.SubsystemsTotal++
		stats, err := p.Stats()
		if err != nil {
			snap.Subsystems[tag] = Subsystem{Available: false, Error: err.Error()}
			return true
		}
		snap.SubsystemsAvailable++
		snap.Subsystems[tag] = Subsystem{Available: true, Stats: stats}
		return true
	})

	snap.Status = deriveStatus(snap, GetThresholds())
	return snap
}

// deriveStatus applies the status rules in order; the first that fires
// wins.
func deriveStatus(snap Snapshot, t Thresholds) string {
	if sub, ok := snap.Subsystems[SubsystemPartition]; ok && sub.Available {
		if state, _ := sub.Stats["current_state"].(string); state == "degraded" {
			return StatusUnhealthy
		}
	}
	if snap.SubsystemsAvailable == 0 {
		return StatusUnhealthy
	}
	if snap.SubsystemsAvailable < snap.SubsystemsTotal {
		return StatusDegraded
	}

	if v, ok := statNumber(snap, SubsystemBuffer, "util_pct"); ok && v > t.BufferUtilization {
		return StatusDegraded
	}
	if v, ok := statNumber(snap, SubsystemCrashes, "recent_crashes"); ok && v >= float64(t.RecentCrashes) {
		return StatusDegraded
	}
	if v, ok := statNumber(snap, SubsystemRevocation, "revocation_rate"); ok && v > t.RevocationRate {
		return StatusDegraded
	}
	if v, ok := statNumber(snap, SubsystemPool, "util_pct"); ok && v > t.PoolUtilization {
		return StatusDegraded
	}
	return StatusHealthy
}

// statNumber fetches a numeric stat from an available subsystem,
// tolerating int and float encodings.
func statNumber(snap Snapshot, tag, key string) (float64, bool) {
	sub, ok := snap.Subsystems[tag]
	if !ok || !sub.Available {
		return 0, false
	}
	switch v := sub.Stats[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
