package health

import (
	"errors"
	"testing"
)

func fixedStats(stats map[string]any) ProviderFunc {
	return func() (map[string]any, error) { return stats, nil }
}

func failing(msg string) ProviderFunc {
	return func() (map[string]any, error) { return nil, errors.New(msg) }
}

func healthyBase() *Aggregator {
	a := NewAggregator()
	a.Register(SubsystemPartition, fixedStats(map[string]any{"current_state": "normal"}))
	a.Register(SubsystemBuffer, fixedStats(map[string]any{"util_pct": 10.0}))
	a.Register(SubsystemPool, fixedStats(map[string]any{"util_pct": 20}))
	return a
}

func TestAllHealthy(t *testing.T) {
	ResetThresholdsForTest()
	snap := healthyBase().CollectSnapshot()

	if snap.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", snap.Status)
	}
	if snap.SubsystemsAvailable != 3 || snap.SubsystemsTotal != 3 {
		t.Errorf("availability = %d/%d", snap.SubsystemsAvailable, snap.SubsystemsTotal)
	}
	if snap.Timestamp.IsZero() {
		t.Error("timestamp unset")
	}
}

func TestPartitionDegradedWinsUnhealthy(t *testing.T) {
	ResetThresholdsForTest()
	a := healthyBase()
	a.Register(SubsystemPartition, fixedStats(map[string]any{"current_state": "degraded"}))

	if snap := a.CollectSnapshot(); snap.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", snap.Status)
	}
}

func TestNoSubsystemsAvailable(t *testing.T) {
	ResetThresholdsForTest()
	a := NewAggregator()
	a.Register("x", failing("down"))
	a.Register("y", failing("also down"))

	snap := a.CollectSnapshot()
	if snap.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", snap.Status)
	}
	if snap.Subsystems["x"].Error != "down" {
		t.Errorf("error not propagated: %+v", snap.Subsystems["x"])
	}
}

func TestPartialAvailabilityDegrades(t *testing.T) {
	ResetThresholdsForTest()
	a := healthyBase()
	a.Register("flaky", failing("stats blew up"))

	snap := a.CollectSnapshot()
	if snap.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", snap.Status)
	}
	if snap.SubsystemsAvailable != 3 || snap.SubsystemsTotal != 4 {
		t.Errorf("availability = %d/%d", snap.SubsystemsAvailable, snap.SubsystemsTotal)
	}
}

func TestFailingSubsystemNeverUpgrades(t *testing.T) {
	ResetThresholdsForTest()
	a := healthyBase()
	if got := a.CollectSnapshot().Status; got != StatusHealthy {
		t.Fatalf("baseline = %s", got)
	}
	a.Register("extra", failing("broken"))
	if got := a.CollectSnapshot().Status; got == StatusHealthy {
		t.Error("adding a failing subsystem upgraded the status")
	}
}

func TestThresholdBreaches(t *testing.T) {
	cases := []struct {
		name  string
		tag   string
		stats map[string]any
		want  string
	}{
		{"buffer over", SubsystemBuffer, map[string]any{"util_pct": 81.0}, StatusDegraded},
		{"buffer at limit", SubsystemBuffer, map[string]any{"util_pct": 80.0}, StatusHealthy},
		{"crashes at limit", SubsystemCrashes, map[string]any{"recent_crashes": 3}, StatusDegraded},
		{"crashes under", SubsystemCrashes, map[string]any{"recent_crashes": 2}, StatusHealthy},
		{"revocation over", SubsystemRevocation, map[string]any{"revocation_rate": 50.5}, StatusDegraded},
		{"pool over", SubsystemPool, map[string]any{"util_pct": 91}, StatusDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ResetThresholdsForTest()
			a := healthyBase()
			a.Register(tc.tag, fixedStats(tc.stats))
			if got := a.CollectSnapshot().Status; got != tc.want {
				t.Errorf("status = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestThresholdUpdateChangesDerivation(t *testing.T) {
	ResetThresholdsForTest()
	t.Cleanup(ResetThresholdsForTest)

	a := healthyBase()
	a.Register(SubsystemBuffer, fixedStats(map[string]any{"util_pct": 81.0}))
	if got := a.CollectSnapshot().Status; got != StatusDegraded {
		t.Fatalf("pre-update status = %s, want degraded", got)
	}

	if _, err := UpdateThresholds(map[string]float64{"buffer_utilization": 95}); err != nil {
		t.Fatalf("UpdateThresholds: %v", err)
	}
	if got := a.CollectSnapshot().Status; got != StatusHealthy {
		t.Errorf("post-update status = %s, want healthy", got)
	}
}

func TestThresholdUpdateValidation(t *testing.T) {
	ResetThresholdsForTest()
	t.Cleanup(ResetThresholdsForTest)

	// Unknown keys are ignored.
	got, err := UpdateThresholds(map[string]float64{"warp_factor": 9})
	if err != nil {
		t.Fatalf("unknown key rejected: %v", err)
	}
	if got != defaultThresholds() {
		t.Errorf("unknown key mutated thresholds: %+v", got)
	}

	// One bad value rejects the whole patch.
	_, err = UpdateThresholds(map[string]float64{
		"buffer_utilization": 70,
		"pool_utilization":   150,
	})
	if err == nil {
		t.Fatal("out-of-range value accepted")
	}
	if GetThresholds().BufferUtilization != 80 {
		t.Error("partial patch applied despite rejection")
	}

	if _, err := UpdateThresholds(map[string]float64{"recent_crashes": 2.5}); err == nil {
		t.Error("fractional crash count accepted")
	}
}

func TestGetThresholdsReturnsCopy(t *testing.T) {
	ResetThresholdsForTest()
	a := GetThresholds()
	a.BufferUtilization = 1
	if GetThresholds().BufferUtilization != 80 {
		t.Error("GetThresholds exposed shared state")
	}
}
