package config

import (
	"bytes"
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

	"airguard/internal/model"
)

type Config struct {
	LogLevel   string            `json:"log_level" yaml:"log_level"`
	LogFormat  string            `json:"log_format" yaml:"log_format"`
	Ingest     IngestConfig      `json:"ingest" yaml:"ingest"`
	Pipeline   PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	Engine     EngineConfig      `json:"engine" yaml:"engine"`
	Monitor    MonitorConfig     `json:"monitor" yaml:"monitor"`
	Notify     NotifyConfig      `json:"notify" yaml:"notify"`
	Feed       FeedConfig        `json:"feed" yaml:"feed"`
	API        APIConfig         `json:"api" yaml:"api"`
	Storage    StorageConfig     `json:"storage" yaml:"storage"`
	Alerts     AlertsConfig      `json:"alerts" yaml:"alerts"`
	Stations   []StationConfig   `json:"stations" yaml:"stations"`
	Sensors    []SensorConfig    `json:"sensors" yaml:"sensors"`
	Rules      []model.AlertRule `json:"rules" yaml:"rules"`
	Recipients RecipientsConfig  `json:"recipients" yaml:"recipients"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew  time.Duration   `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew time.Duration   `json:"max_future_skew" yaml:"max_future_skew"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	MQTT          MQTTConfig      `json:"mqtt" yaml:"mqtt"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `json:"qos" yaml:"qos"`
}

type PipelineConfig struct {
	EvalWorkers   int `json:"eval_workers" yaml:"eval_workers"`
	EvalQueueSize int `json:"eval_queue_size" yaml:"eval_queue_size"`
}

type EngineConfig struct {
	HistoryRetention time.Duration `json:"history_retention" yaml:"history_retention"`
}

type MonitorConfig struct {
	Interval        time.Duration     `json:"interval" yaml:"interval"`
	LivenessTimeout time.Duration     `json:"liveness_timeout" yaml:"liveness_timeout"`
	DefaultRule     DefaultRuleConfig `json:"default_rule" yaml:"default_rule"`
}

// DefaultRuleConfig describes the station_offline rule installed when no
// station_liveness rule is configured.
type DefaultRuleConfig struct {
	Enabled     bool             `json:"enabled" yaml:"enabled"`
	Severity    model.Severity   `json:"severity" yaml:"severity"`
	Cooldown    time.Duration    `json:"cooldown" yaml:"cooldown"`
	AutoResolve bool             `json:"auto_resolve" yaml:"auto_resolve"`
	Recipients  model.Recipients `json:"recipients" yaml:"recipients"`
}

type NotifyConfig struct {
	Workers       int               `json:"workers" yaml:"workers"`
	QueueSize     int               `json:"queue_size" yaml:"queue_size"`
	MaxRetries    int               `json:"max_retries" yaml:"max_retries"`
	RetryBackoff  time.Duration     `json:"retry_backoff" yaml:"retry_backoff"`
	SendTimeout   time.Duration     `json:"send_timeout" yaml:"send_timeout"`
	ShutdownGrace time.Duration     `json:"shutdown_grace" yaml:"shutdown_grace"`
	PollInterval  time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	Gateways      map[string]string `json:"gateways" yaml:"gateways"`
	LogOnly       bool              `json:"log_only" yaml:"log_only"`
}

type FeedConfig struct {
	Buffer      int         `json:"buffer" yaml:"buffer"`
	RecentLimit int         `json:"recent_limit" yaml:"recent_limit"`
	Redis       RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	ExpireAfter time.Duration `json:"expire_after" yaml:"expire_after"`
}

type StationConfig struct {
	ID        string              `json:"id" yaml:"id"`
	Name      string              `json:"name" yaml:"name"`
	Region    string              `json:"region" yaml:"region"`
	Latitude  float64             `json:"latitude" yaml:"latitude"`
	Longitude float64             `json:"longitude" yaml:"longitude"`
	Status    model.StationStatus `json:"status" yaml:"status"`
}

type SensorConfig struct {
	ID         string   `json:"id" yaml:"id"`
	StationID  string   `json:"station_id" yaml:"station_id"`
	Active     *bool    `json:"active,omitempty" yaml:"active,omitempty"`
	Pollutants []string `json:"pollutants" yaml:"pollutants"`
}

func (s SensorConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

type RecipientsConfig struct {
	Users map[string]UserContact `json:"users" yaml:"users"`
	Roles map[string][]string    `json:"roles" yaml:"roles"`
}

type UserContact struct {
	Email   string `json:"email" yaml:"email"`
	Phone   string `json:"phone" yaml:"phone"`
	Push    string `json:"push" yaml:"push"`
	Webhook string `json:"webhook" yaml:"webhook"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			DedupeWindow:  10 * time.Minute,
			MaxClockSkew:  24 * time.Hour,
			MaxFutureSkew: 5 * time.Minute,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:         KafkaConfig{Enabled: false},
			MQTT:          MQTTConfig{Enabled: false, ClientID: "airguard", TopicPrefix: "sensors", QoS: 1},
		},
		Pipeline: PipelineConfig{EvalWorkers: 4, EvalQueueSize: 1024},
		Engine:   EngineConfig{HistoryRetention: 2 * time.Hour},
		Monitor: MonitorConfig{
			Interval:        time.Minute,
			LivenessTimeout: 10 * time.Minute,
			DefaultRule: DefaultRuleConfig{
				Enabled:     true,
				Severity:    model.SeverityHigh,
				Cooldown:    30 * time.Minute,
				AutoResolve: true,
			},
		},
		Notify: NotifyConfig{
			Workers:       4,
			QueueSize:     1000,
			MaxRetries:    3,
			RetryBackoff:  30 * time.Second,
			SendTimeout:   10 * time.Second,
			ShutdownGrace: 10 * time.Second,
			PollInterval:  time.Minute,
		},
		Feed:    FeedConfig{Buffer: 16, RecentLimit: 500, Redis: RedisConfig{Channel: "airguard:events"}},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Driver: "memory"},
		Alerts:  AlertsConfig{ExpireAfter: 0},
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

// Parse decodes a YAML or JSON document on top of DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	doc := []byte(trimmed)
	if looksLikeJSON(trimmed) {
		// JSON goes through the YAML decoder too so durations read as "5m"
		// in both formats; Compact rejects anything that is not valid JSON.
		var compact bytes.Buffer
		if err := json.Compact(&compact, doc); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
		doc = compact.Bytes()
	}
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.MQTT.TopicPrefix == "" {
		cfg.Ingest.MQTT.TopicPrefix = def.Ingest.MQTT.TopicPrefix
	}
	if cfg.Ingest.MQTT.ClientID == "" {
		cfg.Ingest.MQTT.ClientID = def.Ingest.MQTT.ClientID
	}
	if cfg.Pipeline.EvalWorkers <= 0 {
		cfg.Pipeline.EvalWorkers = def.Pipeline.EvalWorkers
	}
	if cfg.Pipeline.EvalQueueSize <= 0 {
		cfg.Pipeline.EvalQueueSize = def.Pipeline.EvalQueueSize
	}
	if cfg.Engine.HistoryRetention <= 0 {
		cfg.Engine.HistoryRetention = def.Engine.HistoryRetention
	}
	if cfg.Monitor.Interval <= 0 {
		cfg.Monitor.Interval = def.Monitor.Interval
	}
	if cfg.Monitor.LivenessTimeout <= 0 {
		cfg.Monitor.LivenessTimeout = def.Monitor.LivenessTimeout
	}
	if cfg.Monitor.DefaultRule.Severity == "" {
		cfg.Monitor.DefaultRule.Severity = def.Monitor.DefaultRule.Severity
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = def.Notify.Workers
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = def.Notify.QueueSize
	}
	if cfg.Notify.RetryBackoff <= 0 {
		cfg.Notify.RetryBackoff = def.Notify.RetryBackoff
	}
	if cfg.Notify.SendTimeout <= 0 {
		cfg.Notify.SendTimeout = def.Notify.SendTimeout
	}
	if cfg.Notify.ShutdownGrace <= 0 {
		cfg.Notify.ShutdownGrace = def.Notify.ShutdownGrace
	}
	if cfg.Feed.Buffer <= 0 {
		cfg.Feed.Buffer = def.Feed.Buffer
	}
	if cfg.Feed.RecentLimit <= 0 {
		cfg.Feed.RecentLimit = def.Feed.RecentLimit
	}
	if cfg.Feed.Redis.Channel == "" {
		cfg.Feed.Redis.Channel = def.Feed.Redis.Channel
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled && cfg.Ingest.MQTT.Broker == "" {
		return errors.New("ingest.mqtt.broker required when ingest.mqtt.enabled is true")
	}
	if cfg.Ingest.MQTT.QoS > 2 {
		return fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2: %d", cfg.Ingest.MQTT.QoS)
	}
	if cfg.Notify.MaxRetries < 0 {
		return errors.New("notify.max_retries must be >= 0")
	}
	for ch := range cfg.Notify.Gateways {
		if !model.Channel(ch).Valid() {
			return fmt.Errorf("notify.gateways: unknown channel %q", ch)
		}
	}
	if cfg.Feed.Redis.Enabled && cfg.Feed.Redis.Addr == "" {
		return errors.New("feed.redis.addr required when feed.redis.enabled is true")
	}
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for driver %s", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
	if cfg.Alerts.ExpireAfter < 0 {
		return errors.New("alerts.expire_after must be >= 0")
	}

	stations := make(map[string]struct{}, len(cfg.Stations))
	for _, st := range cfg.Stations {
		if st.ID == "" {
			return errors.New("stations: empty id")
		}
		if _, dup := stations[st.ID]; dup {
			return fmt.Errorf("stations: duplicate id %q", st.ID)
		}
		if st.Status != "" {
			if _, ok := model.ParseStationStatus(string(st.Status)); !ok {
				return fmt.Errorf("stations: %q has unknown status %q", st.ID, st.Status)
			}
		}
		stations[st.ID] = struct{}{}
	}
	sensors := make(map[string]struct{}, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		if s.ID == "" {
			return errors.New("sensors: empty id")
		}
		if _, dup := sensors[s.ID]; dup {
			return fmt.Errorf("sensors: duplicate id %q", s.ID)
		}
		if _, ok := stations[s.StationID]; !ok {
			return fmt.Errorf("sensors: %q references unknown station %q", s.ID, s.StationID)
		}
		sensors[s.ID] = struct{}{}
	}
	for _, r := range cfg.Rules {
		if r.Kind == model.KindLiveness && r.Timeout > 0 && r.Timeout != cfg.Monitor.LivenessTimeout {
			return fmt.Errorf("rules: liveness rule %q timeout %s must equal monitor.liveness_timeout %s", r.ID, r.Timeout, cfg.Monitor.LivenessTimeout)
		}
	}
	for role, users := range cfg.Recipients.Roles {
		for _, u := range users {
			if _, ok := cfg.Recipients.Users[u]; !ok {
				return fmt.Errorf("recipients.roles.%s: unknown user %q", role, u)
			}
		}
	}
	return nil
}

// Source is anything that can hand out the current configuration.
type Source interface {
	Get() *Config
}

type staticSource struct {
	cfg *Config
}

func (s staticSource) Get() *Config { return s.cfg }

// Static wraps a fixed configuration.
func Static(cfg *Config) Source {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return staticSource{cfg: cfg}
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
	info, err := os.Stat(path)
	if err == nil {
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

// Watch polls the file and calls onReload with every successfully parsed
// change. A file that fails to parse keeps the previous config active.
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
