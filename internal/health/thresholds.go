package health

import (
	"fmt"
	"sync"
)

// Thresholds are the alert bounds consulted during status derivation.
type Thresholds struct {
	BufferUtilization float64 `json:"buffer_utilization"`
	RecentCrashes     int     `json:"recent_crashes"`
	RevocationRate    float64 `json:"revocation_rate"`
	PoolUtilization   float64 `json:"pool_utilization"`
}

func defaultThresholds() Thresholds {
	return Thresholds{
		BufferUtilization: 80,
		RecentCrashes:     3,
		RevocationRate:    50,
		PoolUtilization:   90,
	}
}

// thresholdStore is the process-wide singleton.
type thresholdStore struct {
	mu  sync.Mutex
	cur Thresholds
}

var (
	thresholdsOnce sync.Once
	thresholdsInst *thresholdStore
)

func thresholds() *thresholdStore {
	thresholdsOnce.Do(func() {
		thresholdsInst = &thresholdStore{cur: defaultThresholds()}
	})
	return thresholdsInst
}

// GetThresholds returns a copy of the current alert thresholds.
func GetThresholds() Thresholds {
	s := thresholds()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// UpdateThresholds applies a partial update. Unknown keys are ignored;
// any out-of-bounds value rejects the whole update.
func UpdateThresholds(patch map[string]float64) (Thresholds, error) {
	s := thresholds()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	for key, v := range patch {
		switch key {
		case "buffer_utilization":
			if v < 0 || v > 100 {
				return s.cur, fmt.Errorf("health: buffer_utilization %g out of range [0,100]", v)
			}
			next.BufferUtilization = v
		case "recent_crashes":
			if v < 0 || v != float64(int(v)) {
				return s.cur, fmt.Errorf("health: recent_crashes %g must be a non-negative integer", v)
			}
			next.RecentCrashes = int(v)
		case "revocation_rate":
			if v < 0 || v > 100 {
				return s.cur, fmt.Errorf("health: revocation_rate %g out of range [0,100]", v)
			}
			next.RevocationRate = v
		case "pool_utilization":
			if v < 0 || v > 100 {
				return s.cur, fmt.Errorf("health: pool_utilization %g out of range [0,100]", v)
			}
			next.PoolUtilization = v
		default:
			// Unknown keys are silently ignored.
		}
	}
	s.cur = next
	return next, nil
}

// ResetThresholdsForTest restores defaults.
func ResetThresholdsForTest() {
	s := thresholds()
	s.mu.Lock()
	s.cur = defaultThresholds()
	s.mu.Unlock()
}
