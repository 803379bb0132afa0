package config

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDurationJSON(t *testing.T) {
	type wrapper struct {
		Interval Duration `json:"interval"`
	}

	var w wrapper
	if err := json.Unmarshal([]byte(`{"interval":"90s"}`), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Interval.Std() != 90*time.Second {
		t.Errorf("interval = %v, want 90s", w.Interval.Std())
	}

	out, err := json.Marshal(wrapper{Interval: Duration(5 * time.Minute)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"interval":"5m0s"}` {
		t.Errorf("marshal = %s", out)
	}

	if err := json.Unmarshal([]byte(`{"interval":"fast"}`), &w); err == nil {
		t.Error("want error for non-duration string")
	}
	if err := json.Unmarshal([]byte(`{"interval":42}`), &w); err == nil {
		t.Error("want error for numeric duration")
	}
}

func TestDurationYAML(t *testing.T) {
	type wrapper struct {
		Timeout Duration `yaml:"timeout"`
	}

	var w wrapper
	if err := yaml.Unmarshal([]byte("timeout: 250ms\n"), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if w.Timeout.Std() != 250*time.Millisecond {
		t.Errorf("timeout = %v, want 250ms", w.Timeout.Std())
	}

	out, err := yaml.Marshal(wrapper{Timeout: Duration(time.Hour)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "timeout: 1h0m0s\n" {
		t.Errorf("marshal = %q", out)
	}

	if err := yaml.Unmarshal([]byte("timeout: never\n"), &w); err == nil {
		t.Error("want error for non-duration string")
	}
}
