package config

import (
	"os"
	"path/filepath"
	"testing"

	"millwatch/internal/model"
)

const sampleYAML = `
log_level: debug
equipment:
  - id: eq-001
    display_name: Centrifuge
    metrics:
      - name: vibration
        unit: mm/s
        threshold:
          warning: 4
          critical: 6
      - name: bearing-temp
        unit: "°C"
        history: 60
        threshold:
          warning: 100
          critical: 115
  - id: eq-003
    metrics:
      - name: vacuum-pressure
        threshold:
          warning: -0.9
          critical: -1.1
          direction: below_is_bad
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "millwatch.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if len(cfg.Equipment) != 2 {
		t.Fatalf("equipment = %d", len(cfg.Equipment))
	}

	// Omitted fields fall back to defaults.
	if cfg.Engine.HistoryLength != 24 || cfg.Engine.Health.CriticalPenalty != 3.0 {
		t.Fatalf("defaults not applied: %+v", cfg.Engine)
	}
	if cfg.Equipment[1].DisplayName != "eq-003" {
		t.Fatalf("display_name fallback = %q", cfg.Equipment[1].DisplayName)
	}

	th := cfg.Threshold(model.MetricKey{EquipmentID: "eq-001", Metric: "vibration"})
	if th == nil || th.Warning != 4 || th.Critical != 6 || th.Direction != model.AboveIsBad {
		t.Fatalf("vibration threshold = %+v", th)
	}
	th = cfg.Threshold(model.MetricKey{EquipmentID: "eq-003", Metric: "vacuum-pressure"})
	if th == nil || th.Direction != model.BelowIsBad {
		t.Fatalf("vacuum threshold = %+v", th)
	}
	if th := cfg.Threshold(model.MetricKey{EquipmentID: "eq-001", Metric: "juice-flow"}); th != nil {
		t.Fatalf("unknown metric threshold = %+v", th)
	}
}

func TestHistoryFor(t *testing.T) {
	cfg, err := Load(writeFile(t, "millwatch.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.HistoryFor(model.MetricKey{EquipmentID: "eq-001", Metric: "bearing-temp"}); got != 60 {
		t.Fatalf("bearing-temp history = %d, want 60", got)
	}
	if got := cfg.HistoryFor(model.MetricKey{EquipmentID: "eq-001", Metric: "vibration"}); got != 24 {
		t.Fatalf("vibration history = %d, want engine default 24", got)
	}
	if got := cfg.HistoryFor(model.MetricKey{EquipmentID: "ghost", Metric: "x"}); got != 24 {
		t.Fatalf("unknown key history = %d, want engine default 24", got)
	}
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeFile(t, "millwatch.json", `{"log_level":"warn","equipment":[{"id":"eq-001"}]}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || len(cfg.Equipment) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadEmptyFails(t *testing.T) {
	if _, err := Load(writeFile(t, "empty.yaml", "   \n")); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate equipment id", func(c *Config) {
			c.Equipment = []UnitConfig{{ID: "eq-001"}, {ID: "eq-001"}}
		}},
		{"missing equipment id", func(c *Config) {
			c.Equipment = []UnitConfig{{}}
		}},
		{"unnamed metric", func(c *Config) {
			c.Equipment = []UnitConfig{{ID: "eq-001", Metrics: []MetricConfig{{}}}}
		}},
		{"inverted above_is_bad levels", func(c *Config) {
			c.Equipment = []UnitConfig{{ID: "eq-001", Metrics: []MetricConfig{{
				Name:      "vibration",
				Threshold: &model.Threshold{Warning: 6, Critical: 4, Direction: model.AboveIsBad},
			}}}}
		}},
		{"inverted below_is_bad levels", func(c *Config) {
			c.Equipment = []UnitConfig{{ID: "eq-001", Metrics: []MetricConfig{{
				Name:      "vacuum-pressure",
				Threshold: &model.Threshold{Warning: -1.1, Critical: -0.9, Direction: model.BelowIsBad},
			}}}}
		}},
		{"bad threshold direction", func(c *Config) {
			c.Equipment = []UnitConfig{{ID: "eq-001", Metrics: []MetricConfig{{
				Name:      "vibration",
				Threshold: &model.Threshold{Warning: 4, Critical: 6, Direction: "sideways"},
			}}}}
		}},
		{"failure floor out of range", func(c *Config) {
			c.Engine.Health.FailureFloor = 100
		}},
		{"api addr missing", func(c *Config) {
			c.API = APIConfig{Enabled: true, Addr: ""}
		}},
		{"kafka incomplete", func(c *Config) {
			c.Ingest.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}}
		}},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "millwatch.yaml", sampleYAML)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().LogLevel != "debug" {
		t.Fatalf("log_level = %q", m.Get().LogLevel)
	}
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "error" || m.Get().LogLevel != "error" {
		t.Fatalf("reload not applied: %q", m.Get().LogLevel)
	}
}
