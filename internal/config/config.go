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

	"giftguard/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Severity  SeverityConfig  `json:"severity" yaml:"severity"`
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook"`
	Realtime  RealtimeConfig  `json:"realtime" yaml:"realtime"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type APIConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Addr          string        `json:"addr" yaml:"addr"`
	TrustProxy    bool          `json:"trust_proxy" yaml:"trust_proxy"`
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// RateRule blocks once Threshold events fall inside Window. When
// IncludeCurrent is set the attempt under evaluation counts toward Threshold.
type RateRule struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Window         time.Duration `json:"window" yaml:"window"`
	Threshold      int           `json:"threshold" yaml:"threshold"`
	IncludeCurrent bool          `json:"include_current" yaml:"include_current"`
}

type DistinctIPRule struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	MaxIPs  int  `json:"max_ips" yaml:"max_ips"`
}

type ToggleRule struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type DetectionConfig struct {
	IPRateLimit       RateRule       `json:"ip_rate_limit" yaml:"ip_rate_limit"`
	ReusedCode        ToggleRule     `json:"reused_code" yaml:"reused_code"`
	MerchantRateLimit RateRule       `json:"merchant_rate_limit" yaml:"merchant_rate_limit"`
	DeviceFingerprint RateRule       `json:"device_fingerprint" yaml:"device_fingerprint"`
	SuspiciousPattern DistinctIPRule `json:"suspicious_pattern" yaml:"suspicious_pattern"`
	FailClosed        bool           `json:"fail_closed" yaml:"fail_closed"`
	QueryTimeout      time.Duration  `json:"query_timeout" yaml:"query_timeout"`
}

type SeverityConfig struct {
	Base            map[model.AlertType]model.Severity `json:"base" yaml:"base"`
	ContextWindow   time.Duration                      `json:"context_window" yaml:"context_window"`
	EscalateAtCount int                                `json:"escalate_at_count" yaml:"escalate_at_count"`
	HighAtCount     int                                `json:"high_at_count" yaml:"high_at_count"`
}

type WebhookConfig struct {
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	BaseDelay       time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts"`
	SignatureHeader string        `json:"signature_header" yaml:"signature_header"`
	UserAgent       string        `json:"user_agent" yaml:"user_agent"`
	ResumeOnStart   bool          `json:"resume_on_start" yaml:"resume_on_start"`
}

type RealtimeConfig struct {
	BufferLimit      int         `json:"buffer_limit" yaml:"buffer_limit"`
	SubscriberBuffer int         `json:"subscriber_buffer" yaml:"subscriber_buffer"`
	Kafka            KafkaConfig `json:"kafka" yaml:"kafka"`
}

type IngestConfig struct {
	ChannelBuffer int           `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		API:       APIConfig{Enabled: true, Addr: ":8080", TrustProxy: true, ShutdownGrace: 5 * time.Second},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:giftguard.db?_pragma=busy_timeout(5000)"},
		Detection: DetectionConfig{
			IPRateLimit:       RateRule{Enabled: true, Window: time.Minute, Threshold: 3, IncludeCurrent: true},
			ReusedCode:        ToggleRule{Enabled: true},
			MerchantRateLimit: RateRule{Enabled: true, Window: 5 * time.Minute, Threshold: 10},
			DeviceFingerprint: RateRule{Enabled: true, Window: 60 * time.Minute, Threshold: 5},
			SuspiciousPattern: DistinctIPRule{Enabled: true, MaxIPs: 3},
			FailClosed:        true,
			QueryTimeout:      2 * time.Second,
		},
		Severity: DefaultSeverity(),
		Webhook: WebhookConfig{
			Timeout:         5 * time.Second,
			BaseDelay:       time.Second,
			MaxAttempts:     model.MaxDeliveryAttempts,
			SignatureHeader: "X-Giftguard-Signature",
			UserAgent:       "giftguard-webhooks/1",
			ResumeOnStart:   true,
		},
		Realtime: RealtimeConfig{BufferLimit: 1000, SubscriberBuffer: 64},
		Ingest:   IngestConfig{ChannelBuffer: 1024, DedupeWindow: 2 * time.Second},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func DefaultSeverity() SeverityConfig {
	return SeverityConfig{
		Base: map[model.AlertType]model.Severity{
			model.AlertRateLimitExceeded: model.SeverityMedium,
			model.AlertCodeReuse:         model.SeverityHigh,
			model.AlertMerchantVelocity:  model.SeverityMedium,
			model.AlertDeviceAbuse:       model.SeverityMedium,
			model.AlertDistributedAttack: model.SeverityHigh,
			model.AlertInvalidAttempt:    model.SeverityLow,
			model.AlertEvaluationFailure: model.SeverityMedium,
		},
		ContextWindow:   time.Hour,
		EscalateAtCount: 5,
		HighAtCount:     10,
	}
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
	return Parse(content)
}

// Parse decodes YAML or JSON on top of the defaults.
func Parse(content []byte) (*Config, error) {
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
		return nil, fmt.Errorf("decode config: %w", decodeErr)
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
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
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
	def := DefaultConfig()
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.API.ShutdownGrace <= 0 {
		cfg.API.ShutdownGrace = def.API.ShutdownGrace
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Detection.QueryTimeout <= 0 {
		cfg.Detection.QueryTimeout = def.Detection.QueryTimeout
	}
	if cfg.Severity.Base == nil {
		cfg.Severity.Base = map[model.AlertType]model.Severity{}
	}
	for typ, sev := range def.Severity.Base {
		if _, ok := cfg.Severity.Base[typ]; !ok {
			cfg.Severity.Base[typ] = sev
		}
	}
	if cfg.Severity.ContextWindow <= 0 {
		cfg.Severity.ContextWindow = def.Severity.ContextWindow
	}
	if cfg.Webhook.Timeout <= 0 {
		cfg.Webhook.Timeout = def.Webhook.Timeout
	}
	if cfg.Webhook.BaseDelay <= 0 {
		cfg.Webhook.BaseDelay = def.Webhook.BaseDelay
	}
	if cfg.Webhook.MaxAttempts <= 0 || cfg.Webhook.MaxAttempts > model.MaxDeliveryAttempts {
		cfg.Webhook.MaxAttempts = model.MaxDeliveryAttempts
	}
	if cfg.Webhook.SignatureHeader == "" {
		cfg.Webhook.SignatureHeader = def.Webhook.SignatureHeader
	}
	if cfg.Webhook.UserAgent == "" {
		cfg.Webhook.UserAgent = def.Webhook.UserAgent
	}
	if cfg.Realtime.BufferLimit <= 0 {
		cfg.Realtime.BufferLimit = def.Realtime.BufferLimit
	}
	if cfg.Realtime.SubscriberBuffer <= 0 {
		cfg.Realtime.SubscriberBuffer = def.Realtime.SubscriberBuffer
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q unsupported", cfg.Storage.Driver)
	}
	rates := map[string]RateRule{
		"detection.ip_rate_limit":       cfg.Detection.IPRateLimit,
		"detection.merchant_rate_limit": cfg.Detection.MerchantRateLimit,
		"detection.device_fingerprint":  cfg.Detection.DeviceFingerprint,
	}
	for name, rule := range rates {
		if !rule.Enabled {
			continue
		}
		if rule.Window <= 0 {
			return fmt.Errorf("%s.window must be > 0", name)
		}
		if rule.Threshold <= 0 {
			return fmt.Errorf("%s.threshold must be > 0", name)
		}
	}
	if cfg.Detection.SuspiciousPattern.Enabled && cfg.Detection.SuspiciousPattern.MaxIPs <= 0 {
		return errors.New("detection.suspicious_pattern.max_ips must be > 0")
	}
	for typ, sev := range cfg.Severity.Base {
		switch sev {
		case model.SeverityLow, model.SeverityMedium, model.SeverityHigh:
		default:
			return fmt.Errorf("severity.base[%s]: unknown severity %q", typ, sev)
		}
	}
	for _, kc := range []struct {
		name string
		cfg  KafkaConfig
	}{{"realtime.kafka", cfg.Realtime.Kafka}, {"ingest.kafka", cfg.Ingest.Kafka}} {
		if !kc.cfg.Enabled {
			continue
		}
		if len(kc.cfg.Brokers) == 0 || kc.cfg.Topic == "" {
			return fmt.Errorf("%s requires brokers and topic", kc.name)
		}
	}
	if cfg.Ingest.Kafka.Enabled && cfg.Ingest.Kafka.GroupID == "" {
		return errors.New("ingest.kafka requires group_id")
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

// NewStaticManager serves cfg without a backing file. Update and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
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
	if m.path == "" {
		return m.Get(), nil
	}
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

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
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

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
