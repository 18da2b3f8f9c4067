package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	def := DefaultConfig()
	if *cfg != *def {
		t.Errorf("expected defaults %+v, got %+v", def, cfg)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"

[device]
fatal_errors = false

[descriptors]
pool_capacity = 4
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Device.FatalErrors || cfg.Descriptors.PoolCapacity != 4 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Descriptors.DecayInterval != 64 || cfg.Device.Index != -1 {
		t.Errorf("unset keys must keep their defaults: %+v", cfg)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	for name, contents := range map[string]string{
		"syntax":        "[descriptors\npool_capacity = 1",
		"zero capacity": "[descriptors]\npool_capacity = 0",
		"zero interval": "[descriptors]\ndecay_interval = 0",
		"zero cache":    "[programs]\nreflection_cache_size = 0",
	} {
		if _, err := LoadConfig(writeConfig(t, contents)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestMetricsAverage(t *testing.T) {
	m := NewMetrics()
	if m.AvgSubmitTime() != 0 {
		t.Error("expected a zero average without submissions")
	}
	for i := 1; i <= AVG_COUNT+10; i++ {
		m.RecordSubmission(time.Duration(i) * time.Millisecond)
	}
	// only the last AVG_COUNT samples, 11ms..40ms, are kept
	if avg := m.AvgSubmitTime(); avg != 25500*time.Microsecond {
		t.Errorf("expected 25.5ms, got %v", avg)
	}
	s := m.Snapshot()
	if s.Submissions != uint64(AVG_COUNT+10) || s.AvgSubmitTime != m.AvgSubmitTime() {
		t.Errorf("unexpected snapshot %+v", s)
	}
}

func TestClock(t *testing.T) {
	c := NewClock()
	c.Update()
	if c.Elapsed() != 0 {
		t.Error("a clock that was never started must not advance")
	}
	c.Start()
	time.Sleep(time.Millisecond)
	c.Update()
	if c.Elapsed() < time.Millisecond {
		t.Errorf("expected at least 1ms, got %v", c.Elapsed())
	}
	c.Stop()
	stopped := c.Elapsed()
	c.Update()
	if c.Elapsed() != stopped {
		t.Error("a stopped clock keeps its elapsed time")
	}
}

func TestSetLogLevel(t *testing.T) {
	if err := SetLogLevel("nonsense"); err == nil {
		t.Error("expected an error for an unknown level")
	}
	if err := SetLogLevel("info"); err != nil {
		t.Error(err)
	}
}
