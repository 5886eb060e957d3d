package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"millwatch/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Equipment []UnitConfig    `json:"equipment" yaml:"equipment"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig  `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type EngineConfig struct {
	TickInterval          time.Duration `json:"tick_interval" yaml:"tick_interval"`
	HistoryLength         int           `json:"history_length" yaml:"history_length"`
	TrendEpsilonFraction  float64       `json:"trend_epsilon_fraction" yaml:"trend_epsilon_fraction"`
	ResolvedRetention     time.Duration `json:"resolved_retention" yaml:"resolved_retention"`
	MaintenanceNoticeDays int           `json:"maintenance_notice_days" yaml:"maintenance_notice_days"`
	Health                HealthConfig  `json:"health" yaml:"health"`
}

type HealthConfig struct {
	CriticalPenalty float64 `json:"critical_penalty" yaml:"critical_penalty"`
	WarningPenalty  float64 `json:"warning_penalty" yaml:"warning_penalty"`
	RecoveryRate    float64 `json:"recovery_rate" yaml:"recovery_rate"`
	FailureFloor    float64 `json:"failure_floor" yaml:"failure_floor"`
	InitialScore    float64 `json:"initial_score" yaml:"initial_score"`
	SlopeSamples    int     `json:"slope_samples" yaml:"slope_samples"`
}

type UnitConfig struct {
	ID              string         `json:"id" yaml:"id"`
	DisplayName     string         `json:"display_name" yaml:"display_name"`
	Location        string         `json:"location" yaml:"location"`
	LastMaintenance time.Time      `json:"last_maintenance" yaml:"last_maintenance"`
	NextMaintenance time.Time      `json:"next_maintenance" yaml:"next_maintenance"`
	Metrics         []MetricConfig `json:"metrics" yaml:"metrics"`
}

type MetricConfig struct {
	Name      string           `json:"name" yaml:"name"`
	Unit      string           `json:"unit" yaml:"unit"`
	History   int              `json:"history" yaml:"history"`
	Threshold *model.Threshold `json:"threshold" yaml:"threshold"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Driver      string `json:"driver" yaml:"driver"`
	DSN         string `json:"dsn" yaml:"dsn"`
	QueueBuffer int    `json:"queue_buffer" yaml:"queue_buffer"`
}

type GatewayConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Engine: EngineConfig{
			TickInterval:          4 * time.Second,
			HistoryLength:         24,
			TrendEpsilonFraction:  0.01,
			ResolvedRetention:     10 * time.Minute,
			MaintenanceNoticeDays: 2,
			Health: HealthConfig{
				CriticalPenalty: 3.0,
				WarningPenalty:  1.0,
				RecoveryRate:    0.5,
				FailureFloor:    20,
				InitialScore:    100,
				SlopeSamples:    30,
			},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:millwatch.db?_pragma=busy_timeout(5000)", QueueBuffer: 1024},
		Gateway: GatewayConfig{SubscriberBuffer: 256},
	}
}

// Threshold returns the configured threshold for a key, or nil when the
// metric has none (evaluation then yields StatusUnknown).
func (c *Config) Threshold(key model.MetricKey) *model.Threshold {
	if mc := c.metric(key); mc != nil {
		return mc.Threshold
	}
	return nil
}

// HistoryFor returns the ring capacity for a key, falling back to the
// engine-wide default.
func (c *Config) HistoryFor(key model.MetricKey) int {
	if mc := c.metric(key); mc != nil && mc.History > 0 {
		return mc.History
	}
	return c.Engine.HistoryLength
}

func (c *Config) metric(key model.MetricKey) *MetricConfig {
	for i := range c.Equipment {
		if c.Equipment[i].ID != key.EquipmentID {
			continue
		}
		for j := range c.Equipment[i].Metrics {
			if c.Equipment[i].Metrics[j].Name == key.Metric {
				return &c.Equipment[i].Metrics[j]
			}
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Engine.TickInterval <= 0 {
		cfg.Engine.TickInterval = 4 * time.Second
	}
	if cfg.Engine.HistoryLength <= 0 {
		cfg.Engine.HistoryLength = 24
	}
	if cfg.Engine.TrendEpsilonFraction <= 0 {
		cfg.Engine.TrendEpsilonFraction = 0.01
	}
	if cfg.Engine.ResolvedRetention <= 0 {
		cfg.Engine.ResolvedRetention = 10 * time.Minute
	}
	if cfg.Engine.MaintenanceNoticeDays <= 0 {
		cfg.Engine.MaintenanceNoticeDays = 2
	}
	if cfg.Engine.Health.CriticalPenalty <= 0 {
		cfg.Engine.Health.CriticalPenalty = 3.0
	}
	if cfg.Engine.Health.WarningPenalty <= 0 {
		cfg.Engine.Health.WarningPenalty = 1.0
	}
	if cfg.Engine.Health.RecoveryRate <= 0 {
		cfg.Engine.Health.RecoveryRate = 0.5
	}
	if cfg.Engine.Health.InitialScore <= 0 {
		cfg.Engine.Health.InitialScore = 100
	}
	if cfg.Engine.Health.SlopeSamples <= 1 {
		cfg.Engine.Health.SlopeSamples = 30
	}
	if cfg.Gateway.SubscriberBuffer <= 0 {
		cfg.Gateway.SubscriberBuffer = 256
	}
	if cfg.Storage.QueueBuffer <= 0 {
		cfg.Storage.QueueBuffer = 1024
	}
	for i := range cfg.Equipment {
		u := &cfg.Equipment[i]
		if u.DisplayName == "" {
			u.DisplayName = u.ID
		}
		for j := range u.Metrics {
			m := &u.Metrics[j]
			if m.History <= 0 {
				m.History = cfg.Engine.HistoryLength
			}
			if m.Threshold != nil && m.Threshold.Direction == "" {
				m.Threshold.Direction = model.AboveIsBad
			}
		}
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Engine.Health.FailureFloor < 0 || cfg.Engine.Health.FailureFloor >= 100 {
		return errors.New("engine.health.failure_floor must be in [0,100)")
	}
	seen := make(map[string]struct{}, len(cfg.Equipment))
	for _, u := range cfg.Equipment {
		if u.ID == "" {
			return errors.New("equipment entries require an id")
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("duplicate equipment id %q", u.ID)
		}
		seen[u.ID] = struct{}{}
		for _, m := range u.Metrics {
			if m.Name == "" {
				return fmt.Errorf("equipment %q has a metric without a name", u.ID)
			}
			if th := m.Threshold; th != nil {
				switch th.Direction {
				case model.AboveIsBad:
					if th.Critical < th.Warning {
						return fmt.Errorf("metric %s/%s: critical level below warning level", u.ID, m.Name)
					}
				case model.BelowIsBad:
					if th.Critical > th.Warning {
						return fmt.Errorf("metric %s/%s: critical level above warning level", u.ID, m.Name)
					}
				default:
					return fmt.Errorf("metric %s/%s: unknown threshold direction %q", u.ID, m.Name, th.Direction)
				}
			}
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}
