package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the remediator.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Stream       StreamConfig       `yaml:"stream"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Engine       EngineConfig       `yaml:"engine"`
	Remediation  RemediationConfig  `yaml:"remediation"`
	ControlPlane ControlPlaneConfig `yaml:"controlPlane"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Notify       NotifyConfig       `yaml:"notify"`
	Bus          BusConfig          `yaml:"bus"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
}

// ServerConfig controls the operations gRPC listener and metrics endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StreamConfig configures upstream log-stream sessions.
type StreamConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Token          string        `yaml:"token"`
	SelfServiceID  string        `yaml:"selfServiceId"`
	SelfSignatures []string      `yaml:"selfSignatures"`
	BackoffBase    time.Duration `yaml:"backoffBase"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	DefaultFilter  string        `yaml:"defaultFilter"`
}

// MonitoringConfig drives the connection manager.
type MonitoringConfig struct {
	HealthInterval time.Duration `yaml:"healthInterval"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	ProbeTimeout   time.Duration `yaml:"probeTimeout"`
	AutoSubscribe  bool          `yaml:"autoSubscribe"`
	TargetsFile    string        `yaml:"targetsFile"`
	WatchTargets   bool          `yaml:"watchTargets"`
}

// EngineConfig tunes the log window and batch engine.
type EngineConfig struct {
	WindowSize          int           `yaml:"windowSize"`
	FlushInterval       time.Duration `yaml:"flushInterval"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold"`
	DedupWindow         time.Duration `yaml:"dedupWindow"`
	ClassifyTimeout     time.Duration `yaml:"classifyTimeout"`
	// ContextLimit caps stored log context per incident. Zero keeps the full
	// window plus every trigger of the batch.
	ContextLimit        int           `yaml:"contextLimit"`
}

// RemediationConfig tunes the remediation coordinator.
type RemediationConfig struct {
	AutoRemediate       bool          `yaml:"autoRemediate"`
	DispatchTimeout     time.Duration `yaml:"dispatchTimeout"`
	DefaultEnvironments []string      `yaml:"defaultEnvironments"`
	FallbackMemoryMB    int           `yaml:"fallbackMemoryMB"`
	FallbackReplicas    int           `yaml:"fallbackReplicas"`
}

// ControlPlaneConfig configures the service-management API client.
type ControlPlaneConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AnalysisConfig configures the natural-language analysis provider.
type AnalysisConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NotifyConfig configures chat notifications.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// BusConfig selects the pub/sub implementation.
type BusConfig struct {
	Driver        string `yaml:"driver"`
	NATSURL       string `yaml:"natsURL"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	BufferSize    int    `yaml:"bufferSize"`
}

// StoreConfig selects the persistence implementation.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig controls the Valkey-backed dedup claim cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	ClaimTTL     time.Duration `yaml:"claimTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("REMEDIATOR_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Stream: StreamConfig{
			Endpoint:       "wss://backboard.railway.app/graphql/v2",
			SelfSignatures: []string{"[remediator]", "mirador-remediator"},
			BackoffBase:    5 * time.Second,
			BackoffMax:     60 * time.Second,
			DialTimeout:    10 * time.Second,
			DefaultFilter:  "",
		},
		Monitoring: MonitoringConfig{
			HealthInterval: 15 * time.Second,
			PollInterval:   30 * time.Second,
			ProbeTimeout:   2 * time.Second,
			AutoSubscribe:  true,
		},
		Engine: EngineConfig{
			WindowSize:          20,
			FlushInterval:       5 * time.Second,
			ConfidenceThreshold: 0.7,
			DedupWindow:         time.Hour,
			ClassifyTimeout:     30 * time.Second,
		},
		Remediation: RemediationConfig{
			AutoRemediate:    true,
			DispatchTimeout:  2 * time.Minute,
			FallbackMemoryMB: 2048,
			FallbackReplicas: 2,
		},
		ControlPlane: ControlPlaneConfig{
			Endpoint: "https://backboard.railway.app/graphql/v2",
			Timeout:  15 * time.Second,
		},
		Analysis: AnalysisConfig{Timeout: 20 * time.Second},
		Notify:   NotifyConfig{Timeout: 5 * time.Second},
		Bus:      BusConfig{Driver: "local", SubjectPrefix: "remediator", BufferSize: 256},
		Store:    StoreConfig{Driver: "memory"},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ClaimTTL:     30 * time.Second,
		},
	}
}

// Validate rejects configurations the remediator cannot run with.
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "local", "":
	case "nats":
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus.natsURL is required for the nats driver")
		}
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	switch c.Store.Driver {
	case "memory", "":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Engine.WindowSize <= 0 {
		return fmt.Errorf("engine.windowSize must be positive")
	}
	if c.Engine.FlushInterval <= 0 {
		return fmt.Errorf("engine.flushInterval must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REMEDIATOR_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("REMEDIATOR_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("REMEDIATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REMEDIATOR_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("REMEDIATOR_STREAM_ENDPOINT"); v != "" {
		cfg.Stream.Endpoint = v
	}
	if v := os.Getenv("REMEDIATOR_API_TOKEN"); v != "" {
		cfg.Stream.Token = v
		if cfg.ControlPlane.Token == "" {
			cfg.ControlPlane.Token = v
		}
	}
	if v := os.Getenv("REMEDIATOR_SELF_SERVICE_ID"); v != "" {
		cfg.Stream.SelfServiceID = v
	}
	if v := os.Getenv("REMEDIATOR_TARGETS_FILE"); v != "" {
		cfg.Monitoring.TargetsFile = v
	}
	if v := os.Getenv("REMEDIATOR_CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlane.Endpoint = v
	}
	if v := os.Getenv("REMEDIATOR_CONTROL_PLANE_TOKEN"); v != "" {
		cfg.ControlPlane.Token = v
	}
	if v := os.Getenv("REMEDIATOR_ANALYSIS_URL"); v != "" {
		cfg.Analysis.Endpoint = v
	}
	if v := os.Getenv("REMEDIATOR_ANALYSIS_API_KEY"); v != "" {
		cfg.Analysis.APIKey = v
	}
	if v := os.Getenv("REMEDIATOR_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("REMEDIATOR_AUTO_REMEDIATE"); v != "" {
		cfg.Remediation.AutoRemediate = parseBool(v)
	}
	if v := os.Getenv("REMEDIATOR_DEFAULT_ENVIRONMENTS"); v != "" {
		cfg.Remediation.DefaultEnvironments = splitList(v)
	}
	if v := os.Getenv("REMEDIATOR_DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remediation.DispatchTimeout = d
		}
	}
	if v := os.Getenv("REMEDIATOR_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.FlushInterval = d
		}
	}
	if v := os.Getenv("REMEDIATOR_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("REMEDIATOR_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = v
	}
	if v := os.Getenv("REMEDIATOR_NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("REMEDIATOR_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("REMEDIATOR_DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REMEDIATOR_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("REMEDIATOR_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("REMEDIATOR_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("REMEDIATOR_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("REMEDIATOR_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
