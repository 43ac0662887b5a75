package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := "tick_rate_hz: 10\ncapture:\n  base_capture_rate: 25\n  cooldown_seconds: 2.5\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.TickRateHz != 10 || tu.TickInterval() != 100*time.Millisecond {
		t.Fatalf("tick rate: %d %v", tu.TickRateHz, tu.TickInterval())
	}
	p := tu.CaptureParams()
	if p.CaptureRate != 25 || p.Cooldown != 2500*time.Millisecond {
		t.Fatalf("params: %+v", p)
	}
	if p.Threshold != 100 || p.RecaptureWindow != 5*time.Second || p.DecayRate != 10 {
		t.Fatalf("unset keys must keep defaults: %+v", p)
	}
}

func TestLoad_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("tick_rate_hz: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for zero tick rate")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !os.IsNotExist(err) {
		t.Fatalf("missing file should surface IsNotExist, got %v", err)
	}
}

func TestRepoTuningFile(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.CaptureParams() != Defaults().CaptureParams() {
		t.Fatalf("repo tuning drifted from defaults: %+v", tu.Capture)
	}
}
